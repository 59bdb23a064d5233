package metadata

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill copies the headers of a received Watermill message.
func FromWatermill(md message.Metadata) Metadata {
	out := make(Metadata, len(md))
	maps.Copy(out, md)
	return out
}

// ToWatermill copies m into headers for a message about to be published.
func ToWatermill(m Metadata) message.Metadata {
	out := make(message.Metadata, len(m))
	maps.Copy(out, m)
	return out
}
