package handlers

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/flowrunner/internal/runtime/logging"
	"github.com/drblury/flowrunner/internal/runtime/metadata"
)

func TestMessageContextGet(t *testing.T) {
	ctx := MessageContext{
		Metadata: metadata.Metadata{"key1": "value1"},
		Logger:   logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}

	assert.Equal(t, "value1", ctx.Get("key1"))
	assert.Equal(t, "", ctx.Get("nonexistent"))
	assert.Equal(t, "", MessageContext{}.Get("anything"), "nil metadata is safe")
}

func TestMessageContextCloneMetadata(t *testing.T) {
	original := metadata.Metadata{"key1": "value1", "key2": "value2"}
	ctx := MessageContext{Metadata: original}

	cloned := ctx.CloneMetadata()
	cloned["key1"] = "modified"
	cloned["key3"] = "new"

	assert.Equal(t, "value1", ctx.Metadata["key1"])
	assert.Equal(t, "", ctx.Metadata["key3"])
}
