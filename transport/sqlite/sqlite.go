// Package sqlite is the transport backed by a local SQLite file. Messages and
// the dead letter queue live in two tables; polling and acknowledgement can
// join the receiver's transaction.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/flowrunner/internal/runtime/sqlqueue"
	"github.com/drblury/flowrunner/transport"
)

// TransportName is the PubSubSystem value selecting this transport.
const TransportName = "sqlite"

// DefaultFile is used when no file is configured.
const DefaultFile = "flowrunner_queue.db"

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific settings.
type Config struct {
	// FilePath is the database file. ":memory:" keeps everything in memory.
	FilePath     string
	PollInterval time.Duration
	MaxRetries   int
	LockTimeout  time.Duration
	RetryBackoff time.Duration
}

// Build opens the queue named by cfg.GetSQLiteFile().
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	q, err := New(Config{FilePath: cfg.GetSQLiteFile()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: q, Subscriber: q}, nil
}

// New opens the database in WAL mode and prepares the schema. The pool holds
// a single connection, so a pipeline writing to the same file must go through
// txn.Conn to reuse the receiver's transaction instead of waiting on it.
func New(cfg Config, logger watermill.LoggerAdapter) (*sqlqueue.Queue, error) {
	path := cfg.FilePath
	if path == "" {
		path = DefaultFile
	}
	dialect := sqlqueue.SQLite()

	db, err := sql.Open(dialect.Driver, path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	q, err := sqlqueue.New(db, dialect, sqlqueue.Options{
		PollInterval: cfg.PollInterval,
		MaxRetries:   cfg.MaxRetries,
		LockTimeout:  cfg.LockTimeout,
		RetryBackoff: cfg.RetryBackoff,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}
