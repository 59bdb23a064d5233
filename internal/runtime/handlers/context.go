// Package handlers turns typed functions into receiver pipelines. Payloads
// are decoded before the function runs and its reply is encoded afterwards.
package handlers

import (
	"github.com/drblury/flowrunner/internal/runtime/logging"
	"github.com/drblury/flowrunner/internal/runtime/metadata"
)

// MessageContext carries what typed handlers see besides the payload.
type MessageContext struct {
	CorrelationID string
	MessageID     string
	DeliveryCount int
	Metadata      metadata.Metadata
	Logger        logging.ServiceLogger
}

// CloneMetadata returns a copy of the metadata that handlers may mutate.
func (c MessageContext) CloneMetadata() metadata.Metadata {
	return c.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (c MessageContext) Get(key string) string {
	return c.Metadata.Get(key)
}
