package runtime

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	configpkg "github.com/drblury/flowrunner/internal/runtime/config"
	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
	"github.com/drblury/flowrunner/internal/runtime/metadata"
	"github.com/drblury/flowrunner/internal/runtime/sqlqueue"
)

type recordingPublisher struct {
	topic    string
	messages []*message.Message
}

func (p *recordingPublisher) Publish(topic string, messages ...*message.Message) error {
	p.topic = topic
	p.messages = append(p.messages, messages...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestNewMessageFromProto(t *testing.T) {
	_, err := NewMessageFromProto(nil, nil)
	require.ErrorIs(t, err, errspkg.ErrMessageTypeRequired)

	msg, err := NewMessageFromProto(&structpb.Struct{}, metadata.Metadata{"origin": "unit"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.UUID)
	assert.Equal(t, "google.protobuf.Struct", msg.Metadata.Get(metadata.KeyPayloadSchema))
	assert.Equal(t, "unit", msg.Metadata.Get("origin"))
}

func TestNewMessageFromProtoMarshalError(t *testing.T) {
	m := &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"key": {Kind: &structpb.Value_StringValue{StringValue: "\xff"}},
		},
	}
	_, err := NewMessageFromProto(m, nil)
	require.Error(t, err)
}

func TestPublishValidations(t *testing.T) {
	ctx := context.Background()
	require.ErrorIs(t, publish(ctx, nil, "topic", NewMessage(nil, nil)), errspkg.ErrPublisherRequired)
	require.ErrorIs(t, publish(ctx, &recordingPublisher{}, "", NewMessage(nil, nil)), errspkg.ErrTopicRequired)

	pub := &recordingPublisher{}
	require.NoError(t, publish(ctx, pub, "orders", NewMessage([]byte("x"), nil)))
	assert.Equal(t, "orders", pub.topic)
	require.Len(t, pub.messages, 1)
}

func TestServicePublishWithoutTransport(t *testing.T) {
	env := newTestService(t, &configpkg.Config{})
	_, err := env.svc.Publish(context.Background(), "orders", []byte("x"), nil)
	require.Error(t, err)
}

func TestServicePublishOverSQLite(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t, &configpkg.Config{
		PubSubSystem: "sqlite",
		SQLiteFile:   filepath.Join(t.TempDir(), "queue.db"),
	})

	id, err := env.svc.Publish(ctx, "orders", []byte(`{"id":1}`), metadata.New(metadata.KeyCorrelationID, "cid-7"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	protoID, err := env.svc.PublishProto(ctx, "orders", &structpb.Struct{}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id, protoID)

	tr, err := env.svc.Transport(ctx)
	require.NoError(t, err)
	q, ok := tr.Subscriber.(*sqlqueue.Queue)
	require.True(t, ok)

	pending, err := q.GetPendingCount("orders")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	l := q.Listener("orders")
	require.NoError(t, l.Open(ctx))
	raw, err := l.Poll(ctx)
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.Equal(t, id, raw.ID)
	assert.Equal(t, "cid-7", raw.CorrelationID)
	assert.JSONEq(t, `{"id":1}`, string(raw.Payload))
	require.NoError(t, raw.Ack(ctx))
}
