package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	skerrors "github.com/vinayprograms/singletonkit/errors"
	"github.com/vinayprograms/singletonkit/logging"
	"github.com/vinayprograms/singletonkit/monitor"
	"github.com/vinayprograms/singletonkit/registry"
)

// Common errors.
var (
	ErrNotRunning   = errors.New("worker not running")
	ErrHostStopped  = errors.New("worker host stopped")
	ErrUnknownKind  = errors.New("unknown worker kind")
	ErrKindExists   = errors.New("worker kind already registered")
	ErrDuplicateRun = errors.New("handle already running")
)

// Func is the body of a worker. It runs until it returns or ctx is cancelled.
// Returning nil is a graceful exit; returning an error is a crash.
type Func func(ctx context.Context, args []string) error

// CheckFunc validates factory arguments before a worker is spawned.
type CheckFunc func(args []string) error

// ExitHook observes every worker exit on this host.
type ExitHook func(d monitor.Down)

// Config configures a Host.
type Config struct {
	// Node is the identity reported in logs.
	Node string

	// Stdout and Stderr receive the output of exec workers.
	// Default: os.Stdout, os.Stderr
	Stdout io.Writer
	Stderr io.Writer

	// StopGrace is how long an exec worker gets between the interrupt
	// signal and a hard kill.
	// Default: 10s
	StopGrace time.Duration

	// Clock stamps Down events. Default: real clock.
	Clock clockwork.Clock

	// Logger. Default: logging.New().
	Logger *logging.Logger
}

// Host runs the workers this node owns.
type Host struct {
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	kinds   map[string]kind
	running map[string]*instance
	hooks   []ExitHook
	stopped bool

	wg sync.WaitGroup
}

type kind struct {
	run   Func
	check CheckFunc
}

type instance struct {
	handle  registry.Handle
	factory registry.Factory
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	// reason is set when the host, not the worker, ends the run.
	// Guarded by Host.mu.
	reason monitor.Reason
}

// NewHost creates a worker host with the built-in exec kind registered.
func NewHost(cfg Config) *Host {
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}

	logger := cfg.Logger.WithComponent("worker")
	if cfg.Node != "" {
		logger = logger.WithNode(cfg.Node)
	}

	h := &Host{
		cfg:     cfg,
		logger:  logger,
		kinds:   make(map[string]kind),
		running: make(map[string]*instance),
	}
	h.kinds[KindExec] = kind{run: h.execWorker, check: checkExecArgs}
	return h
}

// Register adds a worker kind. Every node in a cluster must register the
// same kinds so any of them can run a singleton.
func (h *Host) Register(name string, fn Func) error {
	return h.RegisterChecked(name, fn, nil)
}

// RegisterChecked adds a worker kind whose arguments are validated at spawn.
func (h *Host) RegisterChecked(name string, fn Func, check CheckFunc) error {
	if name == "" || fn == nil {
		return skerrors.InvalidInput("worker kind needs a name and a function")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.kinds[name]; ok {
		return skerrors.WrapWithCode(ErrKindExists, skerrors.ErrCodeAlreadyExists, name)
	}
	h.kinds[name] = kind{run: fn, check: check}
	return nil
}

// Kinds returns the registered kind names, sorted.
func (h *Host) Kinds() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.kinds))
	for n := range h.kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OnExit adds a hook run after every worker exit. Hooks run in
// registration order on the exiting worker's goroutine.
func (h *Host) OnExit(hook ExitHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
}

// Spawn starts a worker for handle hd built by f.
//
// The worker does not inherit ctx: it keeps running after the election
// that started it returns.
func (h *Host) Spawn(ctx context.Context, hd registry.Handle, f registry.Factory) error {
	if hd.IsZero() {
		return skerrors.InvalidInput("cannot spawn the zero handle")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return skerrors.WrapWithCode(ErrHostStopped, skerrors.ErrCodeUnavailable, "spawn",
			skerrors.WithName(hd.Name))
	}
	k, ok := h.kinds[f.Kind]
	if !ok {
		return skerrors.WrapWithCode(ErrUnknownKind, skerrors.ErrCodeUnsupported, f.Kind,
			skerrors.WithName(hd.Name))
	}
	if _, dup := h.running[hd.ID]; dup {
		return skerrors.WrapWithCode(ErrDuplicateRun, skerrors.ErrCodeAlreadyExists, hd.ID,
			skerrors.WithName(hd.Name))
	}
	if k.check != nil {
		if err := k.check(f.Args); err != nil {
			return skerrors.WrapWithCode(err, skerrors.ErrCodeInvalidInput, "worker arguments",
				skerrors.WithName(hd.Name))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		handle:  hd,
		factory: f,
		started: h.cfg.Clock.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	h.running[hd.ID] = inst
	h.wg.Add(1)

	h.logger.Info("worker_started", map[string]interface{}{
		"singleton": hd.Name,
		"handle":    hd.ID,
		"kind":      f.Kind,
	})

	args := append([]string(nil), f.Args...)
	go h.run(runCtx, inst, k.run, args)
	return nil
}

func (h *Host) run(ctx context.Context, inst *instance, fn Func, args []string) {
	defer h.wg.Done()

	err, perr := call(ctx, fn, args)
	inst.cancel()

	h.mu.Lock()
	delete(h.running, inst.handle.ID)
	requested := inst.reason
	hooks := append([]ExitHook(nil), h.hooks...)
	h.mu.Unlock()
	close(inst.done)

	d := monitor.Down{
		Handle: inst.handle,
		At:     h.cfg.Clock.Now(),
	}
	d.Reason, d.Error = classify(inst.handle, requested, err, perr)

	fields := map[string]interface{}{
		"singleton": inst.handle.Name,
		"handle":    inst.handle.ID,
		"reason":    string(d.Reason),
		"uptime":    d.At.Sub(inst.started).String(),
	}
	if d.Error != nil {
		fields["error"] = d.Error.Error()
	}
	if d.Reason.IsNormal() {
		h.logger.Info("worker_exited", fields)
	} else {
		h.logger.Warn("worker_exited", fields)
	}

	for _, hook := range hooks {
		hook(d)
	}
}

// call runs fn, converting a panic into a structured error.
func call(ctx context.Context, fn Func, args []string) (err error, perr *skerrors.Error) {
	defer func() {
		if r := recover(); r != nil {
			perr = skerrors.RecoverPanic(r)
		}
	}()
	return fn(ctx, args), nil
}

// classify maps how a run ended to a Down reason.
func classify(hd registry.Handle, requested monitor.Reason, err error, perr *skerrors.Error) (monitor.Reason, *skerrors.Error) {
	switch {
	case perr != nil:
		skerrors.WithName(hd.Name)(perr)
		skerrors.WithNode(hd.Node)(perr)
		return monitor.ReasonPanic, perr
	case requested == monitor.ReasonKilled:
		return monitor.ReasonKilled, skerrors.LeaseLost(hd.Name,
			skerrors.WithNode(hd.Node), skerrors.WithMetadata("handle", hd.ID))
	case requested != "":
		return requested, nil
	case err == nil:
		return monitor.ReasonNormal, nil
	default:
		return monitor.ReasonCrash, skerrors.WorkerCrashed(hd.Name, err,
			skerrors.WithNode(hd.Node), skerrors.WithMetadata("handle", hd.ID))
	}
}

// Stop ends a worker gracefully. Followers see reason normal and stop too.
func (h *Host) Stop(id string) error {
	return h.end(id, monitor.ReasonNormal)
}

// Kill ends a worker abnormally so the singleton is elected again.
func (h *Host) Kill(id string) error {
	return h.end(id, monitor.ReasonKilled)
}

func (h *Host) end(id string, reason monitor.Reason) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	inst, ok := h.running[id]
	if !ok {
		return ErrNotRunning
	}
	if inst.reason == "" {
		inst.reason = reason
	}
	inst.cancel()
	return nil
}

// Wait blocks until the worker with id exits or ctx is done.
// Returns nil at once if id is not running.
func (h *Host) Wait(ctx context.Context, id string) error {
	h.mu.Lock()
	inst, ok := h.running[id]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-inst.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll ends every worker with reason shutdown, refuses new spawns and
// waits for the exit hooks to finish or ctx to be done.
func (h *Host) StopAll(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = true
	for _, inst := range h.running {
		if inst.reason == "" {
			inst.reason = monitor.ReasonShutdown
		}
		inst.cancel()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the handles of live workers, sorted by name.
func (h *Host) Running() []registry.Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]registry.Handle, 0, len(h.running))
	for _, inst := range h.running {
		out = append(out, inst.handle)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
