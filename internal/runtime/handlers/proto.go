package handlers

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
	"github.com/drblury/flowrunner/internal/runtime/listener"
	"github.com/drblury/flowrunner/internal/runtime/logging"
	"github.com/drblury/flowrunner/internal/runtime/receiver"
)

// ProtoContext is the decoded input of a protobuf handler.
type ProtoContext[T proto.Message] struct {
	MessageContext
	Payload T
}

// ProtoHandler processes a decoded message and returns the reply. A nil
// reply means the pipeline produced no output.
type ProtoHandler[T proto.Message] func(ctx context.Context, in ProtoContext[T]) (proto.Message, error)

// ProtoOption customises a protobuf pipeline.
type ProtoOption func(*protoOptions)

type protoOptions struct {
	validate  func(proto.Message) error
	unmarshal protojson.UnmarshalOptions
	marshal   protojson.MarshalOptions
}

// WithValidator checks every decoded input and every reply. A failing input
// is reported as unprocessable.
func WithValidator(validate func(proto.Message) error) ProtoOption {
	return func(o *protoOptions) { o.validate = validate }
}

// WithDiscardUnknown ignores unknown JSON fields instead of rejecting them.
func WithDiscardUnknown() ProtoOption {
	return func(o *protoOptions) { o.unmarshal.DiscardUnknown = true }
}

// WithMarshalOptions replaces the protojson options used for replies.
func WithMarshalOptions(opts protojson.MarshalOptions) ProtoOption {
	return func(o *protoOptions) { o.marshal = opts }
}

// ProtoPipeline decodes protojson payloads into clones of prototype and
// encodes the reply with protojson.
func ProtoPipeline[T proto.Message](prototype T, handler ProtoHandler[T], logger logging.ServiceLogger, opts ...ProtoOption) (receiver.Pipeline, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	cfg := protoOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return receiver.PipelineFunc(func(ctx context.Context, correlationID string, msg *listener.RawMessage) (receiver.PipelineResult, error) {
		typed, err := clonePrototype(prototype)
		if err != nil {
			return receiver.PipelineResult{}, err
		}
		if err := cfg.unmarshal.Unmarshal(msg.Payload, typed); err != nil {
			return receiver.PipelineResult{}, &errspkg.UnprocessableError{
				Reason: fmt.Sprintf("invalid %T payload", prototype),
				Err:    err,
			}
		}
		if cfg.validate != nil {
			if err := cfg.validate(typed); err != nil {
				return receiver.PipelineResult{}, &errspkg.UnprocessableError{Reason: "validation failed", Err: err}
			}
		}

		out, err := handler(ctx, ProtoContext[T]{
			MessageContext: newMessageContext(correlationID, msg, logger),
			Payload:        typed,
		})
		if err != nil {
			return receiver.PipelineResult{}, err
		}
		if out == nil || isNilProto(out) {
			return receiver.PipelineResult{State: listener.StateSuccess}, nil
		}
		if cfg.validate != nil {
			if err := cfg.validate(out); err != nil {
				return receiver.PipelineResult{}, fmt.Errorf("invalid reply %T: %w", out, err)
			}
		}
		payload, err := cfg.marshal.Marshal(out)
		if err != nil {
			return receiver.PipelineResult{}, fmt.Errorf("marshal reply %T: %w", out, err)
		}
		return receiver.PipelineResult{Payload: payload, State: listener.StateSuccess}, nil
	}), nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	if isNilProto(prototype) {
		var zero T
		return zero, errspkg.ErrMessageTypeRequired
	}

	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a fresh instance of its type when
// candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrMessagePointerNeeded
	}

	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto(msg proto.Message) bool {
	if msg == nil {
		return true
	}
	return isNilKind(reflect.ValueOf(msg))
}
