package node

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/singletonkit/bus"
	"github.com/vinayprograms/singletonkit/config"
	skerrors "github.com/vinayprograms/singletonkit/errors"
	"github.com/vinayprograms/singletonkit/logging"
	"github.com/vinayprograms/singletonkit/metrics"
	"github.com/vinayprograms/singletonkit/monitor"
	"github.com/vinayprograms/singletonkit/registry"
	"github.com/vinayprograms/singletonkit/shutdown"
	"github.com/vinayprograms/singletonkit/state"
	"github.com/vinayprograms/singletonkit/telemetry"
	"github.com/vinayprograms/singletonkit/watchdog"
	"github.com/vinayprograms/singletonkit/worker"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("node already running")

// releaseTimeout bounds the claim removal after a local worker exits.
const releaseTimeout = 5 * time.Second

// Option customizes a Node.
type Option func(*options)

type options struct {
	logger   *logging.Logger
	clock    clockwork.Clock
	store    state.Store
	bus      bus.MessageBus
	registry *prometheus.Registry
	stdout   io.Writer
	stderr   io.Writer
	hooks    map[string]func()
}

// WithLogger sets the logger. The configured log level is not applied to it.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the clock driving leases, checks and jitter.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMemory makes a memory-backend node use an existing store and bus.
// Nodes sharing them see each other's claims and Downs. The node does not
// close them.
func WithMemory(store state.Store, b bus.MessageBus) Option {
	return func(o *options) {
		o.store = store
		o.bus = b
	}
}

// WithMetricsRegistry registers the node's collectors on reg instead of a
// fresh registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithWorkerOutput redirects the output of exec workers.
func WithWorkerOutput(stdout, stderr io.Writer) Option {
	return func(o *options) {
		o.stdout = stdout
		o.stderr = stderr
	}
}

// WithConflictHook runs fn each time this node loses the election for name.
func WithConflictHook(name string, fn func()) Option {
	return func(o *options) {
		if o.hooks == nil {
			o.hooks = make(map[string]func())
		}
		o.hooks[name] = fn
	}
}

// Node hosts one watchdog per configured singleton plus the registry,
// worker host and monitor they share.
type Node struct {
	cfg    config.Config
	id     string
	logger *logging.Logger

	transport *transport
	host      *worker.Host
	registry  *registry.Registry
	publisher *monitor.BusPublisher
	facility  *monitor.Facility
	metrics   *prometheus.Registry
	provider  *telemetry.Provider
	watchdogs []*watchdog.Watchdog
	coord     *shutdown.Coordinator

	running atomic.Bool
	runDone chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds a node from cfg. Nothing is elected until Run.
func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *Node, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.logger == nil {
		o.logger = logging.New()
		level, _ := logging.ParseLevel(cfg.Log.Level)
		o.logger.SetLevel(level)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	id := cfg.NodeID
	if id == "" {
		id = uuid.NewString()
	}
	logger := o.logger.WithNode(id)

	n := &Node{
		cfg:     cfg,
		id:      id,
		logger:  logger.WithComponent("node"),
		metrics: o.registry,
		runDone: make(chan struct{}),
	}

	t, err := openTransport(ctx, cfg.Backend, id, o)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if n.registry != nil {
				n.registry.Close()
			}
			t.Close()
		}
	}()
	n.transport = t

	n.host = worker.NewHost(worker.Config{
		Node:   id,
		Stdout: o.stdout,
		Stderr: o.stderr,
		Clock:  o.clock,
		Logger: o.logger,
	})

	n.registry, err = registry.New(registry.Config{
		Backend:       n.transport.claims,
		Spawner:       n.host,
		NodeID:        id,
		LeaseTTL:      cfg.Backend.LeaseTTL.Duration,
		RenewInterval: cfg.Backend.RenewInterval.Duration,
		Clock:         o.clock,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	n.publisher = monitor.NewBusPublisher(n.transport.bus, logger)
	n.host.OnExit(n.announceExit)

	n.facility, err = monitor.NewFacility(monitor.Config{
		Bus:           n.transport.bus,
		Claims:        n.registry,
		CheckInterval: cfg.Backend.CheckInterval.Duration,
		Clock:         o.clock,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	tracer := telemetry.GetTracer()
	if cfg.Telemetry.Endpoint != "" {
		n.provider, err = telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			Protocol:    cfg.Telemetry.Protocol,
			Insecure:    cfg.Telemetry.Insecure,
			NodeID:      id,
		})
		if err != nil {
			return nil, skerrors.WrapWithCode(err, skerrors.ErrCodeInvalidInput, "init telemetry")
		}
		tracer = n.provider.Tracer()
	}

	recorder := metrics.NewPrometheusRecorder(o.registry)

	for _, s := range cfg.Singletons {
		w, err := watchdog.New(watchdog.Spec{
			Name:          s.Name,
			Factory:       s.Factory(),
			ConflictHook:  o.hooks[s.Name],
			LocalIdentity: s.LocalIdentity,
		}, watchdog.Config{
			Elector:   n.registry,
			Monitor:   n.facility,
			JitterMin: cfg.Watchdog.JitterMin.Duration,
			JitterMax: cfg.Watchdog.JitterMax.Duration,
			Clock:     o.clock,
			Logger:    logger,
			Metrics:   recorder,
			Tracer:    tracer,
		})
		if err != nil {
			return nil, err
		}
		n.watchdogs = append(n.watchdogs, w)
	}

	n.coord = shutdown.NewCoordinator(shutdown.Config{
		DefaultTimeout:  30 * time.Second,
		ContinueOnError: true,
		Logger:          logger,
	})
	n.registerShutdown()

	n.logger.Info("node_ready", map[string]interface{}{
		"backend":    n.transport.kind,
		"singletons": len(n.watchdogs),
	})
	return n, nil
}

// ID returns the node ID stamped into handles.
func (n *Node) ID() string {
	return n.id
}

// Register adds a worker kind. Call it before Run.
func (n *Node) Register(kind string, fn worker.Func) error {
	return n.host.Register(kind, fn)
}

// RegisterChecked adds a worker kind whose arguments are checked before spawning.
func (n *Node) RegisterChecked(kind string, fn worker.Func, check worker.CheckFunc) error {
	return n.host.RegisterChecked(kind, fn, check)
}

// Metrics returns the registry holding the node's collectors.
func (n *Node) Metrics() *prometheus.Registry {
	return n.metrics
}

// announceExit tells the cluster a local worker is gone, then gives up its
// claim. The exit record is written before the claim goes away so watchers
// that missed the notification still see the real reason.
func (n *Node) announceExit(d monitor.Down) {
	if err := n.publisher.Publish(d); err != nil {
		n.logger.Warn("down_publish_failed", map[string]interface{}{
			"singleton": d.Handle.Name,
			"handle":    d.Handle.ID,
			"error":     err.Error(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	exit := registry.Exit{Handle: d.Handle, Reason: string(d.Reason), Error: d.Error, At: d.At}
	if err := n.registry.RecordExit(ctx, exit); err != nil {
		n.logger.Warn("exit_record_failed", map[string]interface{}{
			"singleton": d.Handle.Name,
			"handle":    d.Handle.ID,
			"error":     err.Error(),
		})
	}
	if err := n.registry.Release(ctx, d.Handle); err != nil {
		n.logger.Warn("claim_release_failed", map[string]interface{}{
			"singleton": d.Handle.Name,
			"handle":    d.Handle.ID,
			"error":     err.Error(),
		})
	}
}

// Run starts every watchdog and blocks until all of them have stopped or
// ctx is done. A FATAL_INIT from any watchdog stops the others and is
// returned. Cancelling ctx leaves workers running; use Shutdown to stop them.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(n.runDone)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range n.watchdogs {
		g.Go(func() error {
			err := w.Run(gctx)
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	if err != nil {
		n.logger.Error("node_failed", map[string]interface{}{"error": err.Error()})
	}
	return err
}

// stopWatchdogs cancels Run and waits for every watchdog to return.
func (n *Node) stopWatchdogs(ctx context.Context) error {
	if !n.running.Load() {
		return nil
	}
	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	select {
	case <-n.runDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) registerShutdown() {
	n.coord.RegisterFuncWithPhase("watchdogs", n.stopWatchdogs, shutdown.PhaseWatchdogs)
	n.coord.RegisterFuncWithPhase("workers", n.host.StopAll, shutdown.PhaseWorkers)
	n.coord.RegisterFuncWithPhase("registry", func(context.Context) error {
		return n.registry.Close()
	}, shutdown.PhaseRegistry)
	n.coord.RegisterFuncWithPhase("transport", func(context.Context) error {
		return n.transport.Close()
	}, shutdown.PhaseTransport)
	if n.provider != nil {
		n.coord.RegisterFuncWithPhase("telemetry", n.provider.Shutdown, shutdown.PhaseTelemetry)
	}
}

// Shutdown stops the node in phases: watchdogs, then workers (announcing
// reason shutdown so another node takes over), then lease renewal, then
// the transport. Only the first call does anything.
func (n *Node) Shutdown(ctx context.Context) error {
	return n.coord.Shutdown(ctx)
}

// HandleSignals shuts the node down on SIGTERM or SIGINT.
func (n *Node) HandleSignals() {
	n.coord.HandleSignals()
}

// Done is closed once Shutdown has finished.
func (n *Node) Done() <-chan struct{} {
	return n.coord.Done()
}
