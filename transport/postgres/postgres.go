// Package postgres is the transport backed by PostgreSQL. Several receiver
// threads and processes can poll the same topic: rows are claimed with
// FOR UPDATE SKIP LOCKED.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/flowrunner/internal/runtime/sqlqueue"
	"github.com/drblury/flowrunner/transport"
)

// TransportName is the PubSubSystem value selecting this transport.
const TransportName = "postgres"

// Pool defaults.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
)

// OpenDB opens the connection pool. Tests replace it.
var OpenDB = sql.Open

func init() {
	Register()
}

// Register adds the transport to the default registry under "postgres" and
// "postgresql".
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific settings.
type Config struct {
	ConnectionString string
	// SchemaName holds the queue tables. Defaults to "flowrunner".
	SchemaName      string
	PollInterval    time.Duration
	MaxRetries      int
	LockTimeout     time.Duration
	RetryBackoff    time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = DefaultConnMaxLifetime
	}
	return c
}

// Build opens the queue at cfg.GetPostgresURL().
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	q, err := New(Config{ConnectionString: cfg.GetPostgresURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: q, Subscriber: q}, nil
}

// New opens the pool, verifies the connection and prepares the schema.
func New(cfg Config, logger watermill.LoggerAdapter) (*sqlqueue.Queue, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("postgres: connection string is required")
	}
	cfg = cfg.withDefaults()

	dialect, err := sqlqueue.Postgres(cfg.SchemaName)
	if err != nil {
		return nil, err
	}

	db, err := OpenDB(dialect.Driver, cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

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
