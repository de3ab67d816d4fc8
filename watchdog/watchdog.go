package watchdog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	skerrors "github.com/vinayprograms/singletonkit/errors"
	"github.com/vinayprograms/singletonkit/logging"
	"github.com/vinayprograms/singletonkit/metrics"
	"github.com/vinayprograms/singletonkit/monitor"
	"github.com/vinayprograms/singletonkit/registry"
	"github.com/vinayprograms/singletonkit/telemetry"
)

// Common errors.
var (
	ErrAlreadyRunning = errors.New("watchdog already running")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Elector claims a singleton name cluster-wide. *registry.Registry implements it.
type Elector interface {
	// ClaimOrGet makes the caller owner of name and starts its worker, or
	// returns the current owner's handle with RoleFollower.
	ClaimOrGet(ctx context.Context, name string, f registry.Factory) (registry.Handle, registry.Role, error)
}

// Abandoner is optionally implemented by an Elector that can take back an
// ownership it granted: the worker is stopped and the claim removed.
// *registry.Registry implements it.
type Abandoner interface {
	Abandon(ctx context.Context, h registry.Handle) error
}

// Monitor reports the termination of a worker handle. *monitor.Facility implements it.
type Monitor interface {
	// Watch delivers at most one Down for h and then closes the channel.
	// Cancelling ctx ends the watch without a Down.
	Watch(ctx context.Context, h registry.Handle) (<-chan monitor.Down, error)
}

var (
	_ Elector   = (*registry.Registry)(nil)
	_ Abandoner = (*registry.Registry)(nil)
	_ Monitor   = (*monitor.Facility)(nil)
)

// abandonTimeout bounds handing back a claim that cannot be monitored.
const abandonTimeout = 5 * time.Second

// Spec describes one singleton.
type Spec struct {
	// Name is the cluster-unique singleton name.
	Name string

	// Factory builds the worker on whichever node wins the claim.
	Factory registry.Factory

	// ConflictHook, if set, runs once each time this watchdog loses an
	// election, before it becomes a follower. Panics are not recovered.
	ConflictHook func()

	// LocalIdentity names this watchdog on its own node. Reported in
	// status output only.
	LocalIdentity string
}

// Config configures a Watchdog.
type Config struct {
	// Elector claims the name. Required.
	Elector Elector

	// Monitor watches the claimed handle. Required.
	Monitor Monitor

	// JitterMin and JitterMax bound the delay before re-election.
	// Default: 5s and 10s
	JitterMin time.Duration
	JitterMax time.Duration

	// Clock drives the re-election delay. Default: real clock.
	Clock clockwork.Clock

	// Logger. Default: logging.New().
	Logger *logging.Logger

	// Metrics. Default: metrics.NoopRecorder.
	Metrics metrics.Recorder

	// Tracer. Default: telemetry.GetTracer().
	Tracer *telemetry.Tracer

	// OnTransition, if set, is called on the watchdog goroutine after
	// every state change.
	OnTransition func(Transition)
}

// Watchdog keeps one instance of a singleton running across the cluster.
type Watchdog struct {
	spec     Spec
	elector  Elector
	monitor  Monitor
	jitter   Jitter
	clock    clockwork.Clock
	logger   *logging.Logger
	metrics  metrics.Recorder
	tracer   *telemetry.Tracer
	onChange func(Transition)

	running  atomic.Bool
	attempts int

	// inbox carries Down events from the current watch. Read only by Run.
	inbox       chan monitor.Down
	cancelWatch context.CancelFunc

	mu     sync.RWMutex
	state  State
	handle registry.Handle
	role   registry.Role
}

// New creates a watchdog for spec.
func New(spec Spec, cfg Config) (*Watchdog, error) {
	if err := registry.ValidateName(spec.Name); err != nil {
		return nil, err
	}
	if cfg.Elector == nil || cfg.Monitor == nil {
		return nil, skerrors.WrapWithCode(ErrInvalidConfig, skerrors.ErrCodeInvalidInput,
			"elector and monitor required", skerrors.WithName(spec.Name))
	}
	if cfg.JitterMin <= 0 {
		cfg.JitterMin = DefaultJitterMin
	}
	if cfg.JitterMax <= 0 {
		cfg.JitterMax = DefaultJitterMax
	}
	if cfg.JitterMax < cfg.JitterMin {
		return nil, skerrors.WrapWithCode(ErrInvalidConfig, skerrors.ErrCodeInvalidInput,
			"jitter max below jitter min", skerrors.WithName(spec.Name))
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoopRecorder{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}

	return &Watchdog{
		spec:     spec,
		elector:  cfg.Elector,
		monitor:  cfg.Monitor,
		jitter:   Jitter{Min: cfg.JitterMin, Max: cfg.JitterMax},
		clock:    cfg.Clock,
		logger:   cfg.Logger.WithComponent("watchdog"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		onChange: cfg.OnTransition,
		inbox:    make(chan monitor.Down, 1),
		state:    StateElecting,
	}, nil
}

// Spec returns the singleton this watchdog keeps alive.
func (w *Watchdog) Spec() Spec {
	return w.spec
}

// State returns the current state.
func (w *Watchdog) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Handle returns the handle being watched, or the zero Handle.
func (w *Watchdog) Handle() registry.Handle {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handle
}

// Role returns how the watched handle was obtained, or 0 before the first election.
func (w *Watchdog) Role() registry.Role {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.role
}

// Run elects, monitors and re-elects until the watched worker exits
// normally (returns nil), the first election fails (returns a FATAL_INIT
// error) or ctx is done (returns ctx.Err()). Cancelling ctx does not stop
// the worker.
func (w *Watchdog) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer w.stopWatch()

	if err := w.elect(ctx); err != nil {
		if ctx.Err() != nil {
			w.stop(ctx.Err())
			return ctx.Err()
		}
		return w.fatal(err)
	}

	for {
		select {
		case <-ctx.Done():
			w.stop(ctx.Err())
			return ctx.Err()

		case d := <-w.inbox:
			normal, err := w.handleDown(ctx, d)
			if err != nil {
				w.stop(err)
				return err
			}
			if normal {
				return nil
			}
		}
	}
}

// elect runs one claim and starts monitoring its result.
func (w *Watchdog) elect(ctx context.Context) error {
	w.attempts++
	spanCtx, span := w.tracer.StartElectionSpan(ctx, w.spec.Name)

	h, role, err := w.elector.ClaimOrGet(spanCtx, w.spec.Name, w.spec.Factory)
	if err == nil && role != registry.RoleOwner && role != registry.RoleFollower {
		err = skerrors.Internal("registry returned no role", skerrors.WithName(w.spec.Name))
	}
	if err != nil {
		w.tracer.EndElectionSpan(span, telemetry.ElectionSpanOptions{Attempt: w.attempts}, err)
		return err
	}
	w.tracer.EndElectionSpan(span, telemetry.ElectionSpanOptions{
		Role:    role.String(),
		Handle:  h.ID,
		Owner:   h.Node,
		Attempt: w.attempts,
	}, nil)

	next := StateOwner
	if role == registry.RoleOwner {
		w.logger.ElectionWon(w.spec.Name, h.ID)
		w.metrics.IncElection(w.spec.Name, metrics.OutcomeOwner)
	} else {
		next = StateFollower
		w.logger.ElectionLost(w.spec.Name, h.ID, h.Node)
		w.metrics.IncElection(w.spec.Name, metrics.OutcomeFollower)
		if w.spec.ConflictHook != nil {
			w.spec.ConflictHook()
		}
	}

	if err := w.watch(ctx, h); err != nil {
		if role == registry.RoleOwner {
			w.abandon(ctx, h)
		}
		return skerrors.Wrap(err, "monitor handle", skerrors.WithName(w.spec.Name),
			skerrors.WithMetadata("handle", h.ID))
	}
	w.transition(next, h, role)
	return nil
}

// abandon hands back a claim won by this watchdog that it cannot monitor,
// so no unwatched worker keeps the name.
func (w *Watchdog) abandon(ctx context.Context, h registry.Handle) {
	a, ok := w.elector.(Abandoner)
	if !ok {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	if err := a.Abandon(actx, h); err != nil {
		w.logger.Warn("abandon_failed", map[string]interface{}{
			"singleton": w.spec.Name,
			"handle":    h.ID,
			"error":     err.Error(),
		})
	}
}

// watch replaces the current monitor relationship with one on h.
func (w *Watchdog) watch(ctx context.Context, h registry.Handle) error {
	w.stopWatch()

	watchCtx, cancel := context.WithCancel(ctx)
	downs, err := w.monitor.Watch(watchCtx, h)
	if err != nil {
		cancel()
		return err
	}
	w.cancelWatch = cancel

	go func() {
		for d := range downs {
			select {
			case w.inbox <- d:
			case <-watchCtx.Done():
				return
			}
		}
	}()
	return nil
}

func (w *Watchdog) stopWatch() {
	if w.cancelWatch != nil {
		w.cancelWatch()
		w.cancelWatch = nil
	}
}

// handleDown reacts to a termination notification. It reports whether the
// watchdog stopped gracefully; a non-nil error means ctx ended first.
func (w *Watchdog) handleDown(ctx context.Context, d monitor.Down) (bool, error) {
	_, span := w.tracer.StartDownSpan(ctx, w.spec.Name)
	current := w.Handle()

	if d.Handle.ID != current.ID {
		w.logger.Debug("stale_down_ignored", map[string]interface{}{
			"singleton": w.spec.Name,
			"handle":    d.Handle.ID,
			"current":   current.ID,
			"reason":    string(d.Reason),
		})
		w.metrics.IncStaleDown(w.spec.Name)
		w.tracer.EndDownSpan(span, telemetry.DownSpanOptions{
			Handle: d.Handle.ID,
			Reason: string(d.Reason),
			Stale:  true,
		}, nil)
		return false, nil
	}

	w.stopWatch()
	w.metrics.IncWorkerDown(w.spec.Name, string(d.Reason))
	w.tracer.EndDownSpan(span, telemetry.DownSpanOptions{
		Handle: d.Handle.ID,
		Reason: string(d.Reason),
	}, d.Err())

	if d.Reason.IsNormal() {
		w.logger.WatchdogStopped(w.spec.Name, d.Handle.ID)
		w.transition(StateStopped, current, w.Role())
		return true, nil
	}

	w.logger.WorkerDown(w.spec.Name, d.Handle.ID, string(d.Reason), d.Err())
	w.transition(StateElecting, registry.Handle{}, 0)
	return false, w.reelect(ctx)
}

// reelect waits a jittered delay and claims again, retrying failed
// claims after another delay until one succeeds or ctx is done.
func (w *Watchdog) reelect(ctx context.Context) error {
	for {
		delay := w.jitter.Next()
		w.logger.ReelectScheduled(w.spec.Name, delay)
		w.metrics.ObserveReelectDelay(w.spec.Name, delay)
		if err := w.sleep(ctx, delay); err != nil {
			return err
		}

		err := w.elect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.metrics.IncElection(w.spec.Name, metrics.OutcomeError)
		w.logger.Warn("reelect_failed", map[string]interface{}{
			"singleton": w.spec.Name,
			"attempt":   w.attempts,
			"error":     err.Error(),
		})
	}
}

func (w *Watchdog) sleep(ctx context.Context, d time.Duration) error {
	t := w.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fatal ends the watchdog after its first election failed.
func (w *Watchdog) fatal(cause error) error {
	w.logger.FatalInit(w.spec.Name, cause)
	w.metrics.IncElection(w.spec.Name, metrics.OutcomeFatal)
	w.transition(StateFatal, registry.Handle{}, 0)
	return skerrors.FatalInit(w.spec.Name, cause)
}

// stop ends the watchdog because ctx is done. The worker keeps running.
func (w *Watchdog) stop(reason error) {
	w.logger.Info("watchdog_cancelled", map[string]interface{}{
		"singleton": w.spec.Name,
		"reason":    reason.Error(),
	})
	w.transition(StateStopped, w.Handle(), w.Role())
}

func (w *Watchdog) transition(to State, h registry.Handle, role registry.Role) {
	w.mu.Lock()
	from := w.state
	w.state = to
	w.handle = h
	w.role = role
	w.mu.Unlock()

	w.metrics.SetRole(w.spec.Name, to.String())
	if w.onChange != nil {
		w.onChange(Transition{Name: w.spec.Name, From: from, To: to, Handle: h, Role: role})
	}
}
