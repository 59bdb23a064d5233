package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
	"github.com/drblury/flowrunner/internal/runtime/listener"
	"github.com/drblury/flowrunner/internal/runtime/metadata"
)

type jsonIncoming struct {
	ID int `json:"id"`
}

type jsonOutgoing struct {
	ID        int       `json:"id"`
	Processed time.Time `json:"processed"`
}

func TestJSONPipelineProcessesPayload(t *testing.T) {
	p, err := JSONPipeline(func(_ context.Context, in JSONContext[*jsonIncoming]) (*jsonOutgoing, error) {
		if in.Payload.ID != 42 {
			t.Fatalf("unexpected payload: %#v", in.Payload)
		}
		assert.Equal(t, "cid-1", in.CorrelationID)
		assert.Equal(t, "m-1", in.MessageID)
		assert.Equal(t, "test", in.Get("origin"))
		return &jsonOutgoing{ID: in.Payload.ID, Processed: time.Unix(100, 0).UTC()}, nil
	}, nil)
	require.NoError(t, err)

	res, err := p.Process(context.Background(), "cid-1", &listener.RawMessage{
		ID:       "m-1",
		Payload:  []byte(`{"id":42}`),
		Metadata: metadata.New("origin", "test"),
	})

	require.NoError(t, err)
	assert.Equal(t, listener.StateSuccess, res.State)
	assert.JSONEq(t, `{"id":42,"processed":"1970-01-01T00:01:40Z"}`, string(res.Payload))
}

func TestJSONPipelineNilReplyHasNoPayload(t *testing.T) {
	p, err := JSONPipeline(func(context.Context, JSONContext[*jsonIncoming]) (*jsonOutgoing, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	res, err := p.Process(context.Background(), "cid", &listener.RawMessage{Payload: []byte(`{}`)})

	require.NoError(t, err)
	assert.Nil(t, res.Payload)
}

func TestJSONPipelineRejectsInvalidJSON(t *testing.T) {
	called := false
	p, err := JSONPipeline(func(context.Context, JSONContext[*jsonIncoming]) (*jsonOutgoing, error) {
		called = true
		return nil, nil
	}, nil)
	require.NoError(t, err)

	_, err = p.Process(context.Background(), "cid", &listener.RawMessage{Payload: []byte(`{invalid-json`)})

	var unprocessable *errspkg.UnprocessableError
	require.ErrorAs(t, err, &unprocessable)
	assert.False(t, called)
}

func TestJSONPipelinePassesHandlerErrors(t *testing.T) {
	boom := errors.New("handler failed")
	p, err := JSONPipeline(func(context.Context, JSONContext[*jsonIncoming]) (*jsonOutgoing, error) {
		return nil, boom
	}, nil)
	require.NoError(t, err)

	_, err = p.Process(context.Background(), "cid", &listener.RawMessage{Payload: []byte(`{"id":1}`)})
	assert.ErrorIs(t, err, boom)
}

func TestJSONPipelineValidatesInputs(t *testing.T) {
	_, err := JSONPipeline[*jsonIncoming, *jsonOutgoing](nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	_, err = JSONPipeline(func(context.Context, JSONContext[jsonIncoming]) (*jsonOutgoing, error) {
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, errspkg.ErrMessagePointerNeeded)
}

func TestJSONPrototypeFactory(t *testing.T) {
	_, err := jsonPrototypeFactory[any]()
	assert.ErrorIs(t, err, errspkg.ErrMessageTypeRequired)

	factory, err := jsonPrototypeFactory[*jsonIncoming]()
	require.NoError(t, err)
	assert.NotSame(t, factory(), factory())
}
