package flowrunner

import (
	"time"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/flowrunner/internal/runtime"
	configpkg "github.com/drblury/flowrunner/internal/runtime/config"
	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
	handlerpkg "github.com/drblury/flowrunner/internal/runtime/handlers"
	idspkg "github.com/drblury/flowrunner/internal/runtime/ids"
	jsoncodec "github.com/drblury/flowrunner/internal/runtime/jsoncodec"
	"github.com/drblury/flowrunner/internal/runtime/lifecycle"
	"github.com/drblury/flowrunner/internal/runtime/listener"
	loggingpkg "github.com/drblury/flowrunner/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowrunner/internal/runtime/metadata"
	"github.com/drblury/flowrunner/internal/runtime/opslog"
	"github.com/drblury/flowrunner/internal/runtime/receiver"
	"github.com/drblury/flowrunner/internal/runtime/txn"
	"github.com/drblury/flowrunner/internal/runtime/watchdog"
	"github.com/drblury/flowrunner/transport"
)

type (
	Config                   = configpkg.Config
	ReceiverConfig           = configpkg.ReceiverConfig
	TransactionManagerConfig = configpkg.TransactionManagerConfig
	OnError                  = configpkg.OnError
	ConfigValidationError    = errspkg.ConfigValidationError
	StatusFileError          = errspkg.StatusFileError

	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	TMStatus            = runtimepkg.TMStatus

	Receiver           = receiver.Receiver
	ReceiverStatus     = receiver.Status
	Pipeline           = receiver.Pipeline
	PipelineFunc       = receiver.PipelineFunc
	PipelineResult     = receiver.PipelineResult
	Hooks              = receiver.Hooks
	MessageContext     = receiver.MessageContext
	StatisticsSnapshot = receiver.StatisticsSnapshot
	ErrorClassifier    = receiver.ErrorClassifier
	ErrorCategory      = receiver.ErrorCategory

	RunState   = lifecycle.RunState
	Transition = lifecycle.Transition

	RawMessage      = listener.RawMessage
	Result          = listener.Result
	ExitState       = listener.ExitState
	Listener        = listener.Listener
	PullingListener = listener.PullingListener
	PushingListener = listener.PushingListener

	TransactionManager     = txn.Manager
	StatusRecordingManager = txn.StatusRecordingManager
	StatusRecordingConfig  = txn.StatusRecordingConfig
	RecoveryStatus         = txn.RecoveryStatus
	Definition             = txn.Definition
	Propagation            = txn.Propagation
	Transaction            = txn.Transaction
	Resource               = txn.Resource
	Handoff                = txn.Handoff
	Scope                  = txn.Scope

	PollWatchdog = watchdog.PollWatchdog

	OpsLog      = opslog.Keeper
	OpsLogEntry = opslog.Entry

	JSONContext[T any]            = handlerpkg.JSONContext[T]
	JSONHandler[T any, O any]     = handlerpkg.JSONHandler[T, O]
	ProtoContext[T proto.Message] = handlerpkg.ProtoContext[T]
	ProtoHandler[T proto.Message] = handlerpkg.ProtoHandler[T]
	ProtoOption                   = handlerpkg.ProtoOption

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	TransportDLQManager   = transport.DLQManager
)

// Run states.
const (
	Stopped           = lifecycle.Stopped
	Starting          = lifecycle.Starting
	Started           = lifecycle.Started
	Stopping          = lifecycle.Stopping
	ExceptionStarting = lifecycle.ExceptionStarting
	ExceptionStopping = lifecycle.ExceptionStopping
	Error             = lifecycle.Error
)

// Exit states of a processed message.
const (
	StateSuccess = listener.StateSuccess
	StateError   = listener.StateError
)

// Transaction manager statuses written to the status file.
const (
	StatusActive    = txn.StatusActive
	StatusCompleted = txn.StatusCompleted
	StatusPending   = txn.StatusPending
)

const (
	PropagationRequired    = txn.PropagationRequired
	PropagationRequiresNew = txn.PropagationRequiresNew
)

// Intake kinds for ReceiverConfig.Intake.
const (
	IntakeSubscriber = configpkg.IntakeSubscriber
	IntakeSQLQueue   = configpkg.IntakeSQLQueue
	IntakeDirectory  = configpkg.IntakeDirectory
)

const (
	OnErrorContinue = configpkg.OnErrorContinue
	OnErrorRecover  = configpkg.OnErrorRecover
	OnErrorClose    = configpkg.OnErrorClose
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyDeliveryCount = metadatapkg.KeyDeliveryCount
	MetadataKeyExitState     = metadatapkg.KeyExitState
	MetadataKeyErrorMessage  = metadatapkg.KeyErrorMessage
	MetadataKeySourceFile    = metadatapkg.KeySourceFile

	// MetadataKeyDelay is used by SQLite and PostgreSQL transports for delayed message processing.
	// Set to a duration string like "30s", "5m", "1h".
	MetadataKeyDelay = metadatapkg.KeyDelay
)

var (
	NewService     = runtimepkg.NewService
	NewReceiver    = receiver.New
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewStatusRecordingManager = txn.NewStatusRecordingManager
	NewLocalManager           = txn.NewLocalManager
	AcquireHandoff            = txn.Acquire
	Enlist                    = txn.Enlist
	CurrentTransaction        = txn.Current
	ReadStatusFile            = txn.ReadStatusFile

	NewPollWatchdog = watchdog.New

	LoggingHooks  = receiver.LoggingHooks
	AlertingHooks = receiver.AlertingHooks

	WithValidator      = handlerpkg.WithValidator
	WithDiscardUnknown = handlerpkg.WithDiscardUnknown
	WithMarshalOptions = handlerpkg.WithMarshalOptions

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode

	NewSlogServiceLogger    = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger = loggingpkg.NewZerologServiceLogger
	NewZapServiceLogger     = loggingpkg.NewZapServiceLogger

	NewMetadata = metadatapkg.New

	NewMessageID     = idspkg.MessageID
	NewCorrelationID = idspkg.CorrelationID

	ErrReceiverNameRequired = errspkg.ErrReceiverNameRequired
	ErrPipelineRequired     = errspkg.ErrPipelineRequired
	ErrListenerRequired     = errspkg.ErrListenerRequired
	ErrDuplicateReceiver    = errspkg.ErrDuplicateReceiver
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrStartTimeout         = errspkg.ErrStartTimeout
	ErrInvalidTransition    = errspkg.ErrInvalidTransition
	ErrAlreadyInState       = errspkg.ErrAlreadyInState
	ErrStateTimeout         = errspkg.ErrStateTimeout
	ErrNoTransaction        = errspkg.ErrNoTransaction
	ErrNotOwner             = errspkg.ErrNotOwner
	ErrTransactionTimedOut  = errspkg.ErrTransactionTimedOut
	ErrTransactionCompleted = errspkg.ErrTransactionCompleted
	ErrHandoffBusy          = errspkg.ErrHandoffBusy
	ErrHandoffStillBound    = errspkg.ErrHandoffStillBound
	ErrSuspendedConsumed    = errspkg.ErrSuspendedConsumed
	ErrStatusFile           = errspkg.ErrStatusFile
	ErrConfigRequired       = errspkg.ErrConfigRequired
)

// JSONPipeline builds a pipeline that decodes payloads into T and encodes the
// handler's output as the reply.
func JSONPipeline[T any, O any](handler JSONHandler[T, O], logger ServiceLogger) (Pipeline, error) {
	return handlerpkg.JSONPipeline(handler, logger)
}

// ProtoPipeline builds a pipeline that decodes protojson payloads into clones
// of prototype.
func ProtoPipeline[T proto.Message](prototype T, handler ProtoHandler[T], logger ServiceLogger, opts ...ProtoOption) (Pipeline, error) {
	return handlerpkg.ProtoPipeline(prototype, handler, logger, opts...)
}

// WithDelay returns a Metadata with the flowrunner_delay key set for delayed message processing.
// This is a convenience wrapper for SQLite and PostgreSQL transports' delayed message feature.
func WithDelay(delay time.Duration) Metadata {
	return Metadata{MetadataKeyDelay: delay.String()}
}
