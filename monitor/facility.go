package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vinayprograms/singletonkit/bus"
	skerrors "github.com/vinayprograms/singletonkit/errors"
	"github.com/vinayprograms/singletonkit/logging"
	"github.com/vinayprograms/singletonkit/registry"
)

// ClaimReader reads the current claim of a singleton.
// *registry.Registry implements it.
type ClaimReader interface {
	Lookup(ctx context.Context, name string) (registry.Claim, error)
}

// ClaimWatcher is optionally implemented by a ClaimReader that can push
// claim changes, so checks run as soon as a claim changes.
type ClaimWatcher interface {
	WatchClaim(ctx context.Context, name string) (<-chan struct{}, error)
}

// ExitReader is optionally implemented by a ClaimReader that keeps the last
// exit of each singleton after its claim is released. Watches that start
// after the worker ended then report its real reason.
type ExitReader interface {
	LastExit(ctx context.Context, name string) (registry.Exit, error)
}

var (
	_ ClaimWatcher = (*registry.Registry)(nil)
	_ ExitReader   = (*registry.Registry)(nil)
)

// Config configures a Facility.
type Config struct {
	// Bus carries Down notifications. Required.
	Bus bus.MessageBus

	// Claims is polled to catch owners that vanish without a notification. Required.
	Claims ClaimReader

	// CheckInterval between claim checks.
	// Default: 1s
	CheckInterval time.Duration

	// Clock for the check ticker and lease comparisons. Default: real clock.
	Clock clockwork.Clock

	// Logger. Default: logging.New().
	Logger *logging.Logger
}

// Facility watches worker handles anywhere in the cluster.
type Facility struct {
	bus      bus.MessageBus
	claims   ClaimReader
	interval time.Duration
	clock    clockwork.Clock
	logger   *logging.Logger
}

// NewFacility creates a monitoring facility.
func NewFacility(cfg Config) (*Facility, error) {
	if cfg.Bus == nil {
		return nil, skerrors.InvalidInput("monitor bus required")
	}
	if cfg.Claims == nil {
		return nil, skerrors.InvalidInput("monitor claim reader required")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	return &Facility{
		bus:      cfg.Bus,
		claims:   cfg.Claims,
		interval: cfg.CheckInterval,
		clock:    cfg.Clock,
		logger:   cfg.Logger.WithComponent("monitor"),
	}, nil
}

// Watch monitors h until it terminates or ctx is done.
//
// The returned channel delivers at most one Down and is then closed.
// Cancelling ctx removes the monitor without delivering anything.
func (f *Facility) Watch(ctx context.Context, h registry.Handle) (<-chan Down, error) {
	if h.IsZero() {
		return nil, skerrors.InvalidInput("cannot watch the zero handle")
	}

	sub, err := f.bus.Subscribe(Subject(h.Name))
	if err != nil {
		return nil, skerrors.WrapWithCode(err, skerrors.ErrCodeUnavailable, "subscribe to down notifications",
			skerrors.WithName(h.Name))
	}

	w := &watch{
		f:      f,
		handle: h,
		sub:    sub,
		out:    make(chan Down, 1),
	}

	if cw, ok := f.claims.(ClaimWatcher); ok {
		changes, err := cw.WatchClaim(ctx, h.Name)
		switch {
		case err == nil:
			w.changes = changes
		case errors.Is(err, registry.ErrWatchUnsupported):
		default:
			f.logger.Debug("claim_watch_unavailable", map[string]interface{}{
				"singleton": h.Name,
				"error":     err.Error(),
			})
		}
	}

	go w.run(ctx)
	return w.out, nil
}

// watch is one monitor relationship.
type watch struct {
	f       *Facility
	handle  registry.Handle
	sub     bus.Subscription
	changes <-chan struct{}
	out     chan Down

	// missing is set when the previous check found no claim. A second miss
	// in a row reports noconnection; the gap lets a Down notification that
	// raced the claim removal arrive first.
	missing bool
}

func (w *watch) run(ctx context.Context) {
	defer close(w.out)
	defer w.sub.Unsubscribe()

	if d, ok := w.initialCheck(ctx); ok {
		w.deliver(ctx, d)
		return
	}

	ticker := w.f.clock.NewTicker(w.f.interval)
	defer ticker.Stop()

	messages := w.sub.Messages()
	changes := w.changes

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-messages:
			if !ok {
				// Bus closed; keep polling the claim.
				messages = nil
				continue
			}
			d, err := UnmarshalDown(msg.Data)
			if err != nil {
				w.f.logger.Warn("down_decode_failed", map[string]interface{}{
					"singleton": w.handle.Name,
					"error":     err.Error(),
				})
				continue
			}
			if d.Handle.ID != w.handle.ID {
				continue
			}
			w.deliver(ctx, d)
			return

		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if d, down := w.check(ctx); down {
				w.deliver(ctx, d)
				return
			}

		case <-ticker.Chan():
			if d, down := w.check(ctx); down {
				w.deliver(ctx, d)
				return
			}
		}
	}
}

func (w *watch) down(reason Reason, err *skerrors.Error) Down {
	return Down{
		Handle: w.handle,
		Reason: reason,
		Error:  err,
		At:     w.f.clock.Now(),
	}
}

// initialCheck reports the handle down if it is already gone when
// monitoring starts: with its recorded exit if there is one, else noproc.
func (w *watch) initialCheck(ctx context.Context) (Down, bool) {
	c, err := w.f.claims.Lookup(ctx, w.handle.Name)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return w.gone(ctx), true
	case err != nil:
		w.lookupFailed(err)
		return Down{}, false
	case c.Handle.ID != w.handle.ID:
		return w.gone(ctx), true
	}
	return Down{}, false
}

// gone builds the Down for a handle whose claim is no longer there.
func (w *watch) gone(ctx context.Context) Down {
	if d, ok := w.recordedExit(ctx); ok {
		return d
	}
	return w.down(ReasonNoProc, nil)
}

// recordedExit returns the exit the watched handle left behind, if any.
func (w *watch) recordedExit(ctx context.Context) (Down, bool) {
	er, ok := w.f.claims.(ExitReader)
	if !ok {
		return Down{}, false
	}
	e, err := er.LastExit(ctx, w.handle.Name)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			w.lookupFailed(err)
		}
		return Down{}, false
	}
	if e.Handle.ID != w.handle.ID {
		return Down{}, false
	}
	return Down{Handle: w.handle, Reason: Reason(e.Reason), Error: e.Error, At: e.At}, true
}

// check re-reads the claim and reports the handle down if it is gone,
// replaced, or its lease expired. A recorded exit for the handle wins over
// the inferred reason.
func (w *watch) check(ctx context.Context) (Down, bool) {
	c, err := w.f.claims.Lookup(ctx, w.handle.Name)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		if d, ok := w.recordedExit(ctx); ok {
			return d, true
		}
		if w.missing {
			return w.down(ReasonNoConnection, nil), true
		}
		w.missing = true
		return Down{}, false
	case err != nil:
		w.lookupFailed(err)
		return Down{}, false
	}

	w.missing = false
	if c.Handle.ID != w.handle.ID {
		return w.gone(ctx), true
	}
	if c.Expired(w.f.clock.Now()) {
		return w.down(ReasonNoConnection, skerrors.LeaseLost(w.handle.Name,
			skerrors.WithNode(w.handle.Node),
			skerrors.WithMetadata("handle", w.handle.ID))), true
	}
	return Down{}, false
}

func (w *watch) lookupFailed(err error) {
	w.f.logger.Debug("claim_check_failed", map[string]interface{}{
		"singleton": w.handle.Name,
		"error":     err.Error(),
	})
}

func (w *watch) deliver(ctx context.Context, d Down) {
	select {
	case w.out <- d:
	case <-ctx.Done():
	}
}
