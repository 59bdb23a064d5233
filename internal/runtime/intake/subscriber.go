// Package intake adapts message sources to the listener contracts: a
// watermill subscriber on a topic and a watched directory.
package intake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
	"github.com/drblury/flowrunner/internal/runtime/ids"
	"github.com/drblury/flowrunner/internal/runtime/listener"
	"github.com/drblury/flowrunner/internal/runtime/logging"
	"github.com/drblury/flowrunner/internal/runtime/metadata"
)

// DefaultHeartbeat is how often an idle listener reports liveness.
const DefaultHeartbeat = time.Second

var errNoHandler = errors.New("flowrunner: listener has no handler")

// SubscriberOptions configure a SubscriberListener.
type SubscriberOptions struct {
	// ReplyPublisher and ReplyTopic, when both set, receive every result.
	ReplyPublisher message.Publisher
	ReplyTopic     string
	Heartbeat      time.Duration
	Logger         logging.ServiceLogger
}

// SubscriberListener pushes messages from a watermill subscription into a
// receiver. Successful results are acked and failures nacked, so redelivery
// follows the transport's own semantics.
type SubscriberListener struct {
	subscriber message.Subscriber
	topic      string
	replyPub   message.Publisher
	replyTopic string
	heartbeat  time.Duration
	logger     logging.ServiceLogger

	mu      sync.Mutex
	handler listener.Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSubscriberListener returns a listener for topic on subscriber.
func NewSubscriberListener(subscriber message.Subscriber, topic string, opts SubscriberOptions) (*SubscriberListener, error) {
	if subscriber == nil {
		return nil, errors.New("flowrunner: subscriber is required")
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	l := &SubscriberListener{
		subscriber: subscriber,
		topic:      topic,
		heartbeat:  heartbeat,
		logger:     logger.With(logging.LogFields{"topic": topic}),
	}
	if opts.ReplyPublisher != nil && opts.ReplyTopic != "" {
		l.replyPub = opts.ReplyPublisher
		l.replyTopic = opts.ReplyTopic
	}
	return l, nil
}

func (l *SubscriberListener) Topic() string { return l.topic }

func (l *SubscriberListener) SetHandler(h listener.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// Open subscribes and starts delivering. Opening an open listener is a no-op.
func (l *SubscriberListener) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handler == nil {
		return errNoHandler
	}
	if l.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := l.subscriber.Subscribe(runCtx, l.topic)
	if err != nil {
		cancel()
		return err
	}
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.consume(runCtx, messages, l.handler, l.done)
	return nil
}

// Close stops the subscription and waits for the message being handled, up
// to ctx.
func (l *SubscriberListener) Close(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *SubscriberListener) consume(ctx context.Context, messages <-chan *message.Message, h listener.Handler, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ReportPoll(time.Now())
		case msg, ok := <-messages:
			if !ok {
				return
			}
			l.handle(msg, h)
			h.ReportPoll(time.Now())
		}
	}
}

func (l *SubscriberListener) handle(msg *message.Message, h listener.Handler) {
	md := metadata.FromWatermill(msg.Metadata)
	raw := &listener.RawMessage{
		ID:            msg.UUID,
		CorrelationID: md.CorrelationID(),
		Payload:       msg.Payload,
		Metadata:      md,
		DeliveryCount: md.DeliveryCount(),
		ReceivedAt:    time.Now(),
	}

	res := h.Handle(msg.Context(), raw.CorrelationID, raw)

	if l.replyPub != nil {
		l.reply(raw, res)
	}
	if res.OK() {
		msg.Ack()
		return
	}
	msg.Nack()
}

func (l *SubscriberListener) reply(raw *listener.RawMessage, res listener.Result) {
	out := message.NewMessage(ids.MessageID(), []byte(res.Payload))
	out.Metadata.Set(metadata.KeyCorrelationID, res.CorrelationID)
	out.Metadata.Set(metadata.KeyExitState, string(res.State))
	if res.Err != nil {
		out.Metadata.Set(metadata.KeyErrorMessage, res.Err.Error())
	}
	if err := l.replyPub.Publish(l.replyTopic, out); err != nil {
		l.logger.Error("Publishing reply failed", err, logging.LogFields{
			"reply_topic":    l.replyTopic,
			"message_id":     raw.ID,
			"correlation_id": res.CorrelationID,
		})
	}
}
