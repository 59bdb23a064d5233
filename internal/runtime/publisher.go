package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
	idspkg "github.com/drblury/flowrunner/internal/runtime/ids"
	metadatapkg "github.com/drblury/flowrunner/internal/runtime/metadata"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// Publisher feeds work to receivers through the configured transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, md metadatapkg.Metadata) (string, error)
	PublishProto(ctx context.Context, topic string, event proto.Message, md metadatapkg.Metadata) (string, error)
}

var _ Publisher = (*Service)(nil)

// NewMessage wraps payload in a Watermill message with a fresh id. A correlation
// id in md travels along so the receiving side keeps it.
func NewMessage(payload []byte, md metadatapkg.Metadata) *message.Message {
	msg := message.NewMessage(idspkg.MessageID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(md)
	return msg
}

// NewMessageFromProto encodes event as protojson and records its type under
// the payload schema key.
func NewMessageFromProto(event proto.Message, md metadatapkg.Metadata) (*message.Message, error) {
	if event == nil {
		return nil, errspkg.ErrMessageTypeRequired
	}
	payload, err := protoJSONMarshalOptions.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", event, err)
	}
	msg := NewMessage(payload, md)
	msg.Metadata.Set(metadatapkg.KeyPayloadSchema, string(proto.MessageName(event)))
	return msg, nil
}

func publish(ctx context.Context, publisher message.Publisher, topic string, msg *message.Message) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}

// Publish sends payload to topic on the service transport and returns the id
// of the published message.
func (s *Service) Publish(ctx context.Context, topic string, payload []byte, md metadatapkg.Metadata) (string, error) {
	t, err := s.Transport(ctx)
	if err != nil {
		return "", err
	}
	msg := NewMessage(payload, md)
	if err := publish(ctx, t.Publisher, topic, msg); err != nil {
		return "", err
	}
	return msg.UUID, nil
}

// PublishProto is Publish for protobuf events.
func (s *Service) PublishProto(ctx context.Context, topic string, event proto.Message, md metadatapkg.Metadata) (string, error) {
	t, err := s.Transport(ctx)
	if err != nil {
		return "", err
	}
	msg, err := NewMessageFromProto(event, md)
	if err != nil {
		return "", err
	}
	if err := publish(ctx, t.Publisher, topic, msg); err != nil {
		return "", err
	}
	return msg.UUID, nil
}
