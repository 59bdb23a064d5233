package handlers

import (
	"context"
	"reflect"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
	"github.com/drblury/flowrunner/internal/runtime/jsoncodec"
	"github.com/drblury/flowrunner/internal/runtime/listener"
	"github.com/drblury/flowrunner/internal/runtime/logging"
	"github.com/drblury/flowrunner/internal/runtime/receiver"
)

// JSONContext is the decoded input of a JSON handler.
type JSONContext[T any] struct {
	MessageContext
	Payload T
}

// JSONHandler processes a decoded payload and returns the reply. A nil reply
// means the pipeline produced no output.
type JSONHandler[T any, O any] func(ctx context.Context, in JSONContext[T]) (O, error)

// JSONPipeline decodes payloads into T, which must be a pointer type, and
// encodes the reply as JSON. Undecodable payloads fail with an
// *errors.UnprocessableError.
func JSONPipeline[T any, O any](handler JSONHandler[T, O], logger logging.ServiceLogger) (receiver.Pipeline, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	newPayload, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	return receiver.PipelineFunc(func(ctx context.Context, correlationID string, msg *listener.RawMessage) (receiver.PipelineResult, error) {
		typed := newPayload()
		if err := jsoncodec.Unmarshal(msg.Payload, typed); err != nil {
			return receiver.PipelineResult{}, &errspkg.UnprocessableError{Reason: "invalid JSON payload", Err: err}
		}

		out, err := handler(ctx, JSONContext[T]{
			MessageContext: newMessageContext(correlationID, msg, logger),
			Payload:        typed,
		})
		if err != nil {
			return receiver.PipelineResult{}, err
		}
		return encodeJSON(out)
	}), nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

func encodeJSON[O any](out O) (receiver.PipelineResult, error) {
	v := reflect.ValueOf(out)
	if !v.IsValid() || isNilKind(v) {
		return receiver.PipelineResult{State: listener.StateSuccess}, nil
	}
	payload, err := jsoncodec.Marshal(out)
	if err != nil {
		return receiver.PipelineResult{}, err
	}
	return receiver.PipelineResult{Payload: payload, State: listener.StateSuccess}, nil
}

func isNilKind(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return v.IsNil()
	default:
		return false
	}
}

func newMessageContext(correlationID string, msg *listener.RawMessage, logger logging.ServiceLogger) MessageContext {
	return MessageContext{
		CorrelationID: correlationID,
		MessageID:     msg.ID,
		DeliveryCount: msg.DeliveryCount,
		Metadata:      msg.Metadata,
		Logger:        logger.With(logging.LogFields{"correlation_id": correlationID}),
	}
}
