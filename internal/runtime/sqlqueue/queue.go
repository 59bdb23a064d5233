// Package sqlqueue is a message queue kept in two SQL tables, messages and
// dead_letter_queue. Polls, acknowledgements and publishes join the
// transaction carried in the context, so a rolled back receiver transaction
// leaves its message queued.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowrunner/internal/runtime/ids"
	"github.com/drblury/flowrunner/internal/runtime/jsoncodec"
	"github.com/drblury/flowrunner/internal/runtime/listener"
	"github.com/drblury/flowrunner/internal/runtime/metadata"
	"github.com/drblury/flowrunner/internal/runtime/txn"
	"github.com/drblury/flowrunner/transport"
)

const (
	// DefaultPollInterval is how often Subscribe polls for new messages.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxRetries is the default number of retries before moving to DLQ.
	DefaultMaxRetries = 3
	// DefaultLockTimeout is how long a polled message stays invisible.
	DefaultLockTimeout = 30 * time.Second
	// DefaultRetryBackoff is the base delay before a nacked message is retried.
	DefaultRetryBackoff = time.Second
	// DefaultMaxRetryBackoff caps the doubled retry delay.
	DefaultMaxRetryBackoff = time.Hour
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("flowrunner: queue is closed")

// Options tunes a Queue. Zero values take the defaults.
type Options struct {
	PollInterval time.Duration
	MaxRetries   int
	LockTimeout  time.Duration
	// RetryBackoff doubles with every retry of the same message, up to
	// MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.MaxRetryBackoff <= 0 {
		o.MaxRetryBackoff = DefaultMaxRetryBackoff
	}
	return o
}

// Queue is a watermill Publisher and Subscriber over SQL tables, and hands
// out pulling listeners for receivers.
type Queue struct {
	db      *sql.DB
	dialect Dialect
	opts    Options
	logger  watermill.LoggerAdapter
	now     func() time.Time

	closed     atomic.Bool
	closedChan chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// New prepares the schema on db and returns a queue. Close closes db.
func New(db *sql.DB, dialect Dialect, opts Options, logger watermill.LoggerAdapter) (*Queue, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	q := &Queue{
		db:         db,
		dialect:    dialect,
		opts:       opts.withDefaults(),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		closedChan: make(chan struct{}),
	}
	for _, stmt := range dialect.schema(dialect.prefix) {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize %s schema: %w", dialect.Name, err)
		}
	}
	return q, nil
}

// DB returns the underlying database so pipelines can enlist it.
func (q *Queue) DB() *sql.DB { return q.db }

func (q *Queue) Dialect() Dialect { return q.dialect }

// Publish inserts messages into topic. When the context of the first message
// owns a transaction the inserts join it; otherwise they commit together in
// a local database transaction.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if len(messages) == 0 {
		return nil
	}

	ctx := messages[0].Context()
	if txn.Current(ctx) != nil {
		tx, err := txn.SQLTx(ctx, q.db)
		if err != nil {
			return err
		}
		return q.insert(ctx, tx, topic, messages)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			q.logger.Error("failed to rollback transaction", err, nil)
		}
	}()
	if err := q.insert(ctx, tx, topic, messages); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (q *Queue) insert(ctx context.Context, conn txn.Querier, topic string, messages []*message.Message) error {
	query := q.dialect.q(`INSERT INTO {p}messages (uuid, topic, payload, metadata, created_at, available_at) VALUES (?, ?, ?, ?, ?, ?)`)
	for _, msg := range messages {
		if msg.UUID == "" {
			msg.UUID = ids.MessageID()
		}
		md, err := jsoncodec.MarshalString(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}

		now := q.now()
		availableAt := now.Add(metadata.FromWatermill(msg.Metadata).Delay())

		if _, err := conn.ExecContext(ctx, query, msg.UUID, topic, msg.Payload, md, now, availableAt); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	return nil
}

// Listener returns a pulling listener over topic.
func (q *Queue) Listener(topic string) *Listener {
	return &Listener{q: q, topic: topic}
}

type fetchedMessage struct {
	id         int64
	uuid       string
	payload    []byte
	metadata   []byte
	retryCount int
}

// fetchAndLock claims the oldest available message of topic. conn is either
// the caller's enlisted transaction or a local one.
func (q *Queue) fetchAndLock(ctx context.Context, conn txn.Querier, topic string) (*fetchedMessage, error) {
	now := q.now()
	query := q.dialect.q(`
		UPDATE {p}messages
		SET locked_until = ?
		WHERE id = (
			SELECT id FROM {p}messages
			WHERE topic = ?
			AND status = 'pending'
			AND available_at <= ?
			AND (locked_until IS NULL OR locked_until < ?)
			ORDER BY available_at ASC, id ASC
			LIMIT 1
			{lock}
		)
		RETURNING id, uuid, payload, metadata, retry_count`)

	var fm fetchedMessage
	err := conn.QueryRowContext(ctx, query, now.Add(q.opts.LockTimeout), topic, now, now).
		Scan(&fm.id, &fm.uuid, &fm.payload, &fm.metadata, &fm.retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock message: %w", err)
	}
	return &fm, nil
}

func (q *Queue) poll(ctx context.Context, topic string) (*listener.RawMessage, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}

	var (
		fm  *fetchedMessage
		err error
	)
	if txn.Current(ctx) != nil {
		var tx *sql.Tx
		tx, err = txn.SQLTx(ctx, q.db)
		if err != nil {
			return nil, err
		}
		fm, err = q.fetchAndLock(ctx, tx, topic)
	} else {
		fm, err = q.fetchAndLockLocal(ctx, topic)
	}
	if err != nil || fm == nil {
		return nil, err
	}

	md := metadata.Metadata{}
	if len(fm.metadata) > 0 {
		if err := jsoncodec.Unmarshal(fm.metadata, &md); err != nil {
			q.logger.Error("failed to unmarshal metadata", err, watermill.LogFields{"uuid": fm.uuid})
		}
	}
	md[metadata.KeyDeliveryCount] = strconv.Itoa(fm.retryCount + 1)

	id := fm.id
	return &listener.RawMessage{
		ID:            fm.uuid,
		CorrelationID: md.CorrelationID(),
		Payload:       fm.payload,
		Metadata:      md,
		DeliveryCount: fm.retryCount + 1,
		ReceivedAt:    q.now(),
		Settle: func(ctx context.Context, ok bool) error {
			if ok {
				return q.ack(ctx, id)
			}
			return q.nack(ctx, id, "processing failed")
		},
	}, nil
}

func (q *Queue) fetchAndLockLocal(ctx context.Context, topic string) (*fetchedMessage, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			q.logger.Error("failed to rollback transaction", err, nil)
		}
	}()
	fm, err := q.fetchAndLock(ctx, tx, topic)
	if err != nil || fm == nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lock: %w", err)
	}
	return fm, nil
}

// ack deletes the message, inside the transaction owned by ctx if any.
func (q *Queue) ack(ctx context.Context, id int64) error {
	conn, err := txn.Conn(ctx, q.db)
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, q.dialect.q(`DELETE FROM {p}messages WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// nack schedules a retry, or moves the message to the dead letter queue once
// it was retried MaxRetries times.
func (q *Queue) nack(ctx context.Context, id int64, reason string) error {
	conn, err := txn.Conn(ctx, q.db)
	if err != nil {
		return err
	}

	var retryCount int
	err = conn.QueryRowContext(ctx, q.dialect.q(`SELECT retry_count FROM {p}messages WHERE id = ?`), id).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get retry count: %w", err)
	}

	if retryCount >= q.opts.MaxRetries {
		return q.moveToDLQ(ctx, conn, id, reason)
	}

	availableAt := q.now().Add(q.retryDelay(retryCount))
	_, err = conn.ExecContext(ctx, q.dialect.q(`
		UPDATE {p}messages
		SET retry_count = retry_count + 1,
		    locked_until = NULL,
		    available_at = ?
		WHERE id = ?`), availableAt, id)
	if err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	return nil
}

func (q *Queue) retryDelay(retryCount int) time.Duration {
	d := q.opts.RetryBackoff
	for i := 0; i < retryCount; i++ {
		if d > q.opts.MaxRetryBackoff/2 {
			return q.opts.MaxRetryBackoff
		}
		d *= 2
	}
	return min(d, q.opts.MaxRetryBackoff)
}

func (q *Queue) moveToDLQ(ctx context.Context, conn txn.Querier, id int64, reason string) error {
	if _, ok := conn.(*sql.DB); ok {
		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := q.moveToDLQ(ctx, tx, id, reason); err != nil {
			return err
		}
		return tx.Commit()
	}

	_, err := conn.ExecContext(ctx, q.dialect.q(`
		INSERT INTO {p}dead_letter_queue (uuid, original_topic, payload, metadata, error_message, failed_at, retry_count)
		SELECT uuid, topic, payload, metadata, ?, ?, retry_count
		FROM {p}messages WHERE id = ?`), reason, q.now(), id)
	if err != nil {
		return fmt.Errorf("failed to move message to DLQ: %w", err)
	}
	if _, err := conn.ExecContext(ctx, q.dialect.q(`DELETE FROM {p}messages WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete message after DLQ move: %w", err)
	}
	return nil
}

func (q *Queue) unlock(id int64) {
	_, err := q.db.Exec(q.dialect.q(`UPDATE {p}messages SET locked_until = NULL WHERE id = ?`), id)
	if err != nil {
		q.logger.Error("failed to unlock message", err, nil)
	}
}

// Subscribe polls topic and delivers watermill messages one at a time, the
// way a plain watermill subscriber does. Receivers use Listener instead.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	out := make(chan *message.Message)
	q.wg.Add(1)
	go q.pollMessages(ctx, topic, out)
	return out, nil
}

func (q *Queue) pollMessages(ctx context.Context, topic string, out chan *message.Message) {
	defer q.wg.Done()
	defer close(out)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closedChan:
			return
		case <-ticker.C:
			q.deliverNext(ctx, topic, out)
		}
	}
}

func (q *Queue) deliverNext(ctx context.Context, topic string, out chan *message.Message) {
	fm, err := q.fetchAndLockLocal(ctx, topic)
	if err != nil {
		q.logger.Error("failed to poll queue", err, watermill.LogFields{"topic": topic})
		return
	}
	if fm == nil {
		return
	}

	msg := message.NewMessage(fm.uuid, fm.payload)
	if len(fm.metadata) > 0 {
		if err := jsoncodec.Unmarshal(fm.metadata, &msg.Metadata); err != nil {
			q.logger.Error("failed to unmarshal metadata", err, nil)
		}
	}

	select {
	case out <- msg:
	case <-ctx.Done():
		q.unlock(fm.id)
		return
	case <-q.closedChan:
		q.unlock(fm.id)
		return
	}

	select {
	case <-msg.Acked():
		if err := q.ack(context.Background(), fm.id); err != nil {
			q.logger.Error("failed to ack message", err, nil)
		}
	case <-msg.Nacked():
		if err := q.nack(context.Background(), fm.id, "max retries exceeded"); err != nil {
			q.logger.Error("failed to nack message", err, nil)
		}
	case <-ctx.Done():
		q.unlock(fm.id)
	case <-q.closedChan:
		q.unlock(fm.id)
	}
}

// Close stops subscriptions and closes the database.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.closedChan)
		q.wg.Wait()
		err = q.db.Close()
	})
	return err
}

// GetPendingCount returns the number of pending messages for a topic.
func (q *Queue) GetPendingCount(topic string) (int64, error) {
	var count int64
	err := q.db.QueryRow(q.dialect.q(`SELECT COUNT(*) FROM {p}messages WHERE topic = ? AND status = 'pending'`), topic).Scan(&count)
	return count, err
}

// GetDLQCount returns the number of messages in the dead letter queue for a topic.
func (q *Queue) GetDLQCount(topic string) (int64, error) {
	var count int64
	err := q.db.QueryRow(q.dialect.q(`SELECT COUNT(*) FROM {p}dead_letter_queue WHERE original_topic = ?`), topic).Scan(&count)
	return count, err
}

// ReplayDLQMessage moves a message from DLQ back to the main queue.
func (q *Queue) ReplayDLQMessage(dlqID int64) error {
	n, err := q.replay(`id = ?`, dlqID)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("DLQ message with id %d not found", dlqID)
	}
	return nil
}

// ReplayAllDLQ moves all messages from DLQ back to the main queue for a topic.
func (q *Queue) ReplayAllDLQ(topic string) (int64, error) {
	return q.replay(`original_topic = ?`, topic)
}

func (q *Queue) replay(where string, arg any) (int64, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			q.logger.Error("failed to rollback transaction", err, nil)
		}
	}()

	now := q.now()
	suffix := "-replay-" + ids.MessageID()
	result, err := tx.Exec(q.dialect.q(`
		INSERT INTO {p}messages (uuid, topic, payload, metadata, created_at, available_at, retry_count)
		SELECT uuid || CAST(? AS TEXT) || CAST(id AS TEXT), original_topic, payload, metadata, ?, ?, 0
		FROM {p}dead_letter_queue WHERE `+where), suffix, now, now, arg)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()

	if _, err := tx.Exec(q.dialect.q(`DELETE FROM {p}dead_letter_queue WHERE `+where), arg); err != nil {
		return 0, err
	}
	return affected, tx.Commit()
}

// PurgeDLQ removes all messages from the dead letter queue for a topic.
func (q *Queue) PurgeDLQ(topic string) (int64, error) {
	result, err := q.db.Exec(q.dialect.q(`DELETE FROM {p}dead_letter_queue WHERE original_topic = ?`), topic)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListDLQMessages returns messages from the dead letter queue with pagination.
func (q *Queue) ListDLQMessages(topic string, limit, offset int) ([]transport.DLQMessage, error) {
	rows, err := q.db.Query(q.dialect.q(`
		SELECT id, uuid, original_topic, payload, metadata, error_message, failed_at, retry_count
		FROM {p}dead_letter_queue
		WHERE original_topic = ?
		ORDER BY failed_at DESC, id DESC
		LIMIT ? OFFSET ?`), topic, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []transport.DLQMessage
	for rows.Next() {
		var (
			msg    transport.DLQMessage
			md     []byte
			errMsg sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.UUID, &msg.OriginalTopic, &msg.Payload, &md, &errMsg, &msg.FailedAt, &msg.RetryCount); err != nil {
			return nil, err
		}
		msg.ErrorMessage = errMsg.String
		if len(md) > 0 {
			if err := jsoncodec.Unmarshal(md, &msg.Metadata); err != nil {
				q.logger.Error("failed to unmarshal metadata", err, nil)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Listener adapts one topic of a Queue to listener.PullingListener.
type Listener struct {
	q     *Queue
	topic string
}

func (l *Listener) Topic() string { return l.topic }

func (l *Listener) Open(ctx context.Context) error {
	if l.q.closed.Load() {
		return ErrClosed
	}
	return l.q.db.PingContext(ctx)
}

// Close is a no-op; the queue outlives its listeners.
func (l *Listener) Close(context.Context) error { return nil }

func (l *Listener) Poll(ctx context.Context) (*listener.RawMessage, error) {
	return l.q.poll(ctx, l.topic)
}
