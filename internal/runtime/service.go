package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/flowrunner/internal/runtime/config"
	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
	"github.com/drblury/flowrunner/internal/runtime/intake"
	"github.com/drblury/flowrunner/internal/runtime/lifecycle"
	"github.com/drblury/flowrunner/internal/runtime/listener"
	loggingpkg "github.com/drblury/flowrunner/internal/runtime/logging"
	"github.com/drblury/flowrunner/internal/runtime/metrics"
	"github.com/drblury/flowrunner/internal/runtime/receiver"
	"github.com/drblury/flowrunner/internal/runtime/sqlqueue"
	"github.com/drblury/flowrunner/internal/runtime/txn"
	"github.com/drblury/flowrunner/internal/runtime/watchdog"
	transportpkg "github.com/drblury/flowrunner/transport"
)

// DefaultShutdownTimeout bounds the shutdown Start performs once its context
// is done.
const DefaultShutdownTimeout = 2 * time.Minute

// ServiceDependencies holds the optional collaborators of a Service. Leave
// fields nil to get the defaults.
type ServiceDependencies struct {
	// Registry builds the configured transport. Defaults to the global registry.
	Registry *transportpkg.Registry
	// Metrics registry. Defaults to a fresh registry owned by the Service.
	Prometheus *prometheus.Registry
	// EngineFactory creates the transaction engine behind the tm handle.
	EngineFactory txn.EngineFactory
	Tracer        trace.Tracer
	// Scheduler drives watchdogs and the recovery job. Defaults to cron.
	Scheduler watchdog.SchedulerFactory
	// Hooks run around every pipeline call of every receiver.
	Hooks receiver.Hooks
}

// Service owns the transaction manager handle and the receivers of one
// process, and serves their state over HTTP.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	tm        *txn.StatusRecordingManager
	metrics   *metrics.Metrics
	promReg   *prometheus.Registry
	registry  *transportpkg.Registry
	tracer    trace.Tracer
	scheduler watchdog.SchedulerFactory
	hooks     receiver.Hooks

	transportOnce sync.Once
	transport     transportpkg.Transport
	transportErr  error

	receiversMu sync.RWMutex
	receivers   map[string]*receiver.Receiver
	order       []string

	recovery watchdog.Scheduler

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewService constructs a Service for conf. Add receivers before Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errors.New("flowrunner: config is required")
	}
	if log == nil {
		log = loggingpkg.NopLogger()
	}
	log.Info("Creating service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	promReg := deps.Prometheus
	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}
	m := metrics.New(promReg)
	if err := m.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	tm, err := txn.NewStatusRecordingManager(txn.StatusRecordingConfig{
		StatusFile: conf.TransactionManager.StatusFilePath(),
		UIDFile:    conf.TransactionManager.UIDFilePath(),
		Factory:    deps.EngineFactory,
		Logger:     log,
		OnStatus:   func(status txn.RecoveryStatus) { m.SetTMStatus(string(status)) },
	})
	if err != nil {
		return nil, err
	}

	registry := deps.Registry
	if registry == nil {
		registry = transportpkg.DefaultRegistry
	}
	scheduler := deps.Scheduler
	if scheduler == nil {
		scheduler = watchdog.CronScheduler
	}

	return &Service{
		Conf:      conf,
		Logger:    log,
		tm:        tm,
		metrics:   m,
		promReg:   promReg,
		registry:  registry,
		tracer:    deps.Tracer,
		scheduler: scheduler,
		hooks:     deps.Hooks,
		receivers: make(map[string]*receiver.Receiver),
	}, nil
}

// TransactionManager returns the tm handle.
func (s *Service) TransactionManager() *txn.StatusRecordingManager { return s.tm }

func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Transport builds the configured transport on first use.
func (s *Service) Transport(ctx context.Context) (transportpkg.Transport, error) {
	s.transportOnce.Do(func() {
		if s.Conf.PubSubSystem == "" {
			s.transportErr = errors.New("flowrunner: no pubsub system configured")
			return
		}
		s.transport, s.transportErr = s.registry.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
	})
	return s.transport, s.transportErr
}

// AddReceiver builds the intake for cfg and registers a receiver running
// pipeline. Names are unique per Service.
func (s *Service) AddReceiver(ctx context.Context, cfg configpkg.ReceiverConfig, pipeline receiver.Pipeline) (*receiver.Receiver, error) {
	if cfg.Name == "" {
		return nil, errspkg.ErrReceiverNameRequired
	}
	s.receiversMu.RLock()
	_, exists := s.receivers[cfg.Name]
	s.receiversMu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrDuplicateReceiver, cfg.Name)
	}

	l, err := s.BuildIntake(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("receiver %s: %w", cfg.Name, err)
	}
	return s.addReceiver(cfg, pipeline, l)
}

// AddReceiverWithListener registers a receiver fed by a listener built by the
// caller.
func (s *Service) AddReceiverWithListener(cfg configpkg.ReceiverConfig, pipeline receiver.Pipeline, l listener.Listener) (*receiver.Receiver, error) {
	return s.addReceiver(cfg, pipeline, l)
}

func (s *Service) addReceiver(cfg configpkg.ReceiverConfig, pipeline receiver.Pipeline, l listener.Listener) (*receiver.Receiver, error) {
	opts := receiver.Options{
		Config:   cfg,
		Pipeline: pipeline,
		Listener: l,
		Logger:   s.Logger,
		Metrics:  s.metrics,
		Tracer:   s.tracer,
		Hooks:    s.hooks,
	}
	if cfg.Transacted {
		opts.TransactionManager = s.tm
	}
	if cfg.ErrorTopic != "" {
		t, err := s.Transport(context.Background())
		if err != nil {
			return nil, fmt.Errorf("receiver %s: error topic needs a transport: %w", cfg.Name, err)
		}
		opts.ErrorPublisher = t.Publisher
	}

	r, err := receiver.New(opts)
	if err != nil {
		return nil, err
	}
	if cfg.PollGuardInterval > 0 {
		wopts := watchdog.OptionsFor(cfg)
		wopts.Logger = s.Logger
		wopts.Metrics = s.metrics
		wopts.Scheduler = s.scheduler
		r.SetWatchdog(watchdog.New(r, wopts))
	}

	s.receiversMu.Lock()
	defer s.receiversMu.Unlock()
	if _, exists := s.receivers[cfg.Name]; exists {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrDuplicateReceiver, cfg.Name)
	}
	s.receivers[cfg.Name] = r
	s.order = append(s.order, cfg.Name)
	return r, nil
}

// Receiver returns the receiver registered under name.
func (s *Service) Receiver(name string) (*receiver.Receiver, bool) {
	s.receiversMu.RLock()
	defer s.receiversMu.RUnlock()
	r, ok := s.receivers[name]
	return r, ok
}

// Receivers returns the receivers in registration order.
func (s *Service) Receivers() []*receiver.Receiver {
	s.receiversMu.RLock()
	defer s.receiversMu.RUnlock()
	out := make([]*receiver.Receiver, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.receivers[name])
	}
	return out
}

// BuildIntake turns the intake settings of cfg into a listener.
func (s *Service) BuildIntake(ctx context.Context, cfg configpkg.ReceiverConfig) (listener.Listener, error) {
	cfg = cfg.WithDefaults()
	switch cfg.Intake {
	case configpkg.IntakeDirectory:
		return intake.NewDirectoryListener(cfg.Directory, intake.DirectoryOptions{Logger: s.Logger})
	case configpkg.IntakeSQLQueue:
		t, err := s.Transport(ctx)
		if err != nil {
			return nil, err
		}
		q, ok := t.Subscriber.(*sqlqueue.Queue)
		if !ok {
			return nil, fmt.Errorf("intake %q needs the sqlite or postgres transport, got %q", cfg.Intake, s.Conf.PubSubSystem)
		}
		if cfg.Topic == "" {
			return nil, errspkg.ErrTopicRequired
		}
		return q.Listener(cfg.Topic), nil
	case configpkg.IntakeSubscriber:
		t, err := s.Transport(ctx)
		if err != nil {
			return nil, err
		}
		return intake.NewSubscriberListener(t.Subscriber, cfg.Topic, intake.SubscriberOptions{
			ReplyPublisher: t.Publisher,
			ReplyTopic:     cfg.ReplyTopic,
			Logger:         s.Logger,
		})
	default:
		return nil, fmt.Errorf("unknown intake %q", cfg.Intake)
	}
}

// Start starts the tm handle, the receivers, the recovery job and the HTTP
// servers, then blocks until ctx is done and shuts everything down. A
// receiver that fails to start is left in EXCEPTION_STARTING and does not
// stop the others.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Open is the non-blocking part of Start.
func (s *Service) Open(ctx context.Context) error {
	if err := s.tm.Start(ctx); err != nil {
		return fmt.Errorf("start transaction manager: %w", err)
	}

	s.registerHTTPHandlers()
	if err := s.startHTTPServers(); err != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		s.stopHTTPServers(cleanupCtx)
		if destroyErr := s.tm.Destroy(cleanupCtx); destroyErr != nil {
			err = errors.Join(err, fmt.Errorf("destroy transaction manager: %w", destroyErr))
		}
		return err
	}

	for _, r := range s.Receivers() {
		if err := r.Start(ctx); err != nil {
			s.Logger.Error("Receiver failed to start", err, loggingpkg.LogFields{"receiver": r.Name()})
		}
	}

	s.recovery = s.scheduler(s.Conf.RecoverEvery(), func() { s.recoverReceivers(context.Background()) })
	s.recovery.Start()
	return nil
}

// recoverReceivers restarts every receiver that went to ERROR.
func (s *Service) recoverReceivers(ctx context.Context) int {
	restarted := 0
	for _, r := range s.Receivers() {
		if r.State() != lifecycle.Error {
			continue
		}
		s.Logger.Info("Recovering receiver", loggingpkg.LogFields{"receiver": r.Name()})
		if err := r.Start(ctx); err != nil {
			s.Logger.Error("Receiver recovery failed", err, loggingpkg.LogFields{"receiver": r.Name()})
			continue
		}
		restarted++
	}
	return restarted
}

// Shutdown stops the recovery job, the HTTP servers and all receivers, then
// closes the transport and destroys the tm handle. Later calls return the
// first result.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Service) shutdown(ctx context.Context) error {
	var errs []error

	if s.recovery != nil {
		s.recovery.Stop()
	}
	s.stopHTTPServers(ctx)

	var wg sync.WaitGroup
	for _, r := range s.Receivers() {
		wg.Add(1)
		go func(r *receiver.Receiver) {
			defer wg.Done()
			r.Stop()
		}(r)
	}
	wg.Wait()

	for _, r := range s.Receivers() {
		if r.State() == lifecycle.ExceptionStopping {
			errs = append(errs, fmt.Errorf("receiver %s did not stop cleanly", r.Name()))
		}
	}

	if s.transport.Publisher != nil || s.transport.Subscriber != nil {
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if err := s.tm.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("destroy transaction manager: %w", err))
	}
	s.Logger.Info("Service stopped", loggingpkg.LogFields{"tm_status": string(s.tm.Status())})
	return errors.Join(errs...)
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with the Service.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	ports := make([]int, 0, len(s.httpServers))
	for port := range s.httpServers {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	for _, port := range ports {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		srv := &http.Server{Handler: s.httpServers[port], ReadHeaderTimeout: 10 * time.Second}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": ln.Addr().String()})
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": ln.Addr().String()})
			}
		}(srv, ln)
	}
	return nil
}

func (s *Service) stopHTTPServers(ctx context.Context) {
	s.httpServersMu.Lock()
	servers := s.servers
	s.servers = nil
	s.httpServersMu.Unlock()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Error("HTTP server shutdown failed", err, nil)
		}
	}
}
