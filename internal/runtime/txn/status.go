package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
	"github.com/drblury/flowrunner/internal/runtime/logging"
)

// RecoveryStatus is the token written to the status file.
type RecoveryStatus string

const (
	StatusActive    RecoveryStatus = "ACTIVE"
	StatusCompleted RecoveryStatus = "COMPLETED"
	StatusPending   RecoveryStatus = "PENDING"
)

// StatusRecordingConfig configures a StatusRecordingManager.
type StatusRecordingConfig struct {
	StatusFile string
	UIDFile    string
	// Factory creates the underlying engine. Defaults to LocalEngineFactory.
	Factory EngineFactory
	Logger  logging.ServiceLogger
	// OnStatus is called after every successful status file write.
	OnStatus func(RecoveryStatus)
}

// StatusRecordingManager wraps an Engine and records, in two plain-text
// files, what an external recovery scanner needs after a crash: the durable
// uid of the engine and whether it shut down cleanly.
//
// Start writes ACTIVE before the engine's own Start hook runs.
type StatusRecordingManager struct {
	statusFile string
	uidFile    string
	factory    EngineFactory
	logger     logging.ServiceLogger
	onStatus   func(RecoveryStatus)

	mu     sync.Mutex
	uid    string
	status RecoveryStatus
	engine Engine
}

// NewStatusRecordingManager validates cfg and returns a manager that has not
// touched the file system yet.
func NewStatusRecordingManager(cfg StatusRecordingConfig) (*StatusRecordingManager, error) {
	var errs []error
	if cfg.StatusFile == "" {
		errs = append(errs, errors.New("transaction manager: status file path is required"))
	}
	if cfg.UIDFile == "" {
		errs = append(errs, errors.New("transaction manager: uid file path is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	factory := cfg.Factory
	if factory == nil {
		factory = LocalEngineFactory(logger)
	}
	return &StatusRecordingManager{
		statusFile: cfg.StatusFile,
		uidFile:    cfg.UIDFile,
		factory:    factory,
		logger:     logger,
		onStatus:   cfg.OnStatus,
	}, nil
}

// Start determines the uid, writes ACTIVE and starts the engine. Failing to
// write the status file aborts startup with a *StatusFileError.
func (m *StatusRecordingManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	uid, err := m.determineUIDLocked()
	if err != nil {
		return err
	}
	m.uid = uid

	if err := m.writeStatusLocked(StatusActive); err != nil {
		return err
	}

	if m.engine == nil {
		engine, err := m.factory(uid)
		if err != nil {
			return fmt.Errorf("create transaction manager %s: %w", uid, err)
		}
		m.engine = engine
	}
	if err := m.engine.Start(ctx); err != nil {
		return fmt.Errorf("start transaction manager %s: %w", uid, err)
	}
	m.logger.Info("Transaction manager handle started", logging.LogFields{
		"tm_uid":      uid,
		"status_file": m.statusFile,
		"uid_file":    m.uidFile,
	})
	return nil
}

// determineUIDLocked reuses the uid file verbatim when it holds a value.
// Otherwise it creates the engine, takes its generated uid and persists it.
func (m *StatusRecordingManager) determineUIDLocked() (string, error) {
	preset, _, err := ReadToken(m.uidFile)
	if err != nil {
		return "", err
	}
	if preset != "" {
		m.logger.Debug("Reusing transaction manager uid", logging.LogFields{"tm_uid": preset})
		return preset, nil
	}

	engine, err := m.factory("")
	if err != nil {
		return "", fmt.Errorf("create transaction manager: %w", err)
	}
	uid := engine.UID()
	if uid == "" {
		return "", errors.New("transaction manager: engine generated an empty uid")
	}
	if err := WriteToken(m.uidFile, uid); err != nil {
		return "", err
	}
	m.engine = engine
	m.logger.Info("Generated transaction manager uid", logging.LogFields{"tm_uid": uid, "uid_file": m.uidFile})
	return uid, nil
}

// Destroy shuts the engine down and records the outcome. When transactions
// remain unresolved PENDING is written and the uid file is left alone so a
// recovery pass can run against it; otherwise COMPLETED is written. Calling
// Destroy again after recovery moves PENDING to COMPLETED.
func (m *StatusRecordingManager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine == nil {
		return nil
	}

	pending, shutdownErr := m.engine.Shutdown(ctx)
	status := StatusCompleted
	if pending || shutdownErr != nil {
		status = StatusPending
	}
	if err := m.writeStatusLocked(status); err != nil {
		return errors.Join(err, shutdownErr)
	}
	if shutdownErr != nil {
		return fmt.Errorf("shut down transaction manager %s: %w", m.uid, shutdownErr)
	}
	if pending {
		m.logger.Warn("Transaction manager stopped with pending transactions", logging.LogFields{"tm_uid": m.uid})
	} else {
		m.logger.Info("Transaction manager stopped cleanly", logging.LogFields{"tm_uid": m.uid})
	}
	return nil
}

func (m *StatusRecordingManager) writeStatusLocked(status RecoveryStatus) error {
	if err := WriteToken(m.statusFile, string(status)); err != nil {
		m.logger.Error("Cannot write transaction manager status", err, logging.LogFields{
			"status":      string(status),
			"status_file": m.statusFile,
		})
		return err
	}
	m.status = status
	if m.onStatus != nil {
		m.onStatus(status)
	}
	return nil
}

func (m *StatusRecordingManager) UID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uid
}

func (m *StatusRecordingManager) Status() RecoveryStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Engine returns the underlying engine, or nil before Start.
func (m *StatusRecordingManager) Engine() Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine
}

// ReadStatusFile reads the recorded status without holding a manager.
func ReadStatusFile(path string) (RecoveryStatus, bool, error) {
	v, found, err := ReadToken(path)
	return RecoveryStatus(v), found, err
}

func (m *StatusRecordingManager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("tm{uid=%s status=%s status_file=%s uid_file=%s}", m.uid, m.status, m.statusFile, m.uidFile)
}

func (m *StatusRecordingManager) started() (Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine == nil || m.status != StatusActive {
		return nil, fmt.Errorf("%w: transaction manager is not active", errspkg.ErrNoTransaction)
	}
	return m.engine, nil
}

func (m *StatusRecordingManager) Begin(ctx context.Context, def Definition) (context.Context, *Scope, error) {
	engine, err := m.started()
	if err != nil {
		return ctx, nil, err
	}
	return engine.Begin(ctx, def)
}

func (m *StatusRecordingManager) Commit(ctx context.Context, scope *Scope) error {
	engine, err := m.started()
	if err != nil {
		return err
	}
	return engine.Commit(ctx, scope)
}

// Rollback is allowed after Destroy so in-flight work can still release its
// resources during shutdown.
func (m *StatusRecordingManager) Rollback(ctx context.Context, scope *Scope) error {
	engine := m.Engine()
	if engine == nil {
		return errspkg.ErrNoTransaction
	}
	return engine.Rollback(ctx, scope)
}

func (m *StatusRecordingManager) Suspend(ctx context.Context) (*Suspended, error) {
	return suspend(ctx)
}

func (m *StatusRecordingManager) Resume(ctx context.Context, s *Suspended) (context.Context, error) {
	return resume(ctx, s)
}
