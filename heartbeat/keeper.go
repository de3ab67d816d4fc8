package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	skerrors "github.com/vinayprograms/singletonkit/errors"
	"github.com/vinayprograms/singletonkit/logging"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("keeper already started")
	ErrNotStarted     = errors.New("keeper not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// RenewFunc extends a lease. It must honour ctx.
type RenewFunc func(ctx context.Context) error

// Config configures a Keeper.
type Config struct {
	// Interval between renewals.
	// Default: 5s
	Interval time.Duration

	// Renew is called once on Start and then on every tick. Required.
	Renew RenewFunc

	// OnLost is called at most once when the lease is gone for good.
	OnLost func(err error)

	// Clock drives the ticker. Default: real clock.
	Clock clockwork.Clock

	// Logger for renewal failures. Default: logging.New().
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Renew == nil {
		return ErrInvalidConfig
	}
	if c.Interval < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Keeper periodically renews a lease.
type Keeper struct {
	interval time.Duration
	renew    RenewFunc
	onLost   func(error)
	clock    clockwork.Clock
	logger   *logging.Logger

	failures atomic.Int64

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewKeeper creates a new lease keeper.
func NewKeeper(cfg Config) (*Keeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	return &Keeper{
		interval: cfg.Interval,
		renew:    cfg.Renew,
		onLost:   cfg.OnLost,
		clock:    cfg.Clock,
		logger:   cfg.Logger.WithComponent("heartbeat"),
	}, nil
}

// Start begins renewing at the configured interval.
func (k *Keeper) Start(ctx context.Context) error {
	if k.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	k.stopCh = make(chan struct{})
	k.doneCh = make(chan struct{})

	go k.run(ctx)
	return nil
}

// run is the main renewal loop. OnLost runs after doneCh is closed so the
// callback may call Stop.
func (k *Keeper) run(ctx context.Context) {
	var lost error
	defer func() {
		close(k.doneCh)
		if lost != nil && k.onLost != nil {
			k.onLost(lost)
		}
	}()

	// Renew immediately
	if lost = k.renewOnce(ctx); lost != nil || ctx.Err() != nil {
		return
	}

	ticker := k.clock.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stopCh:
			return
		case <-ticker.Chan():
			if lost = k.renewOnce(ctx); lost != nil {
				return
			}
		}
	}
}

// renewOnce runs one renewal and returns the error if the lease is lost.
func (k *Keeper) renewOnce(ctx context.Context) error {
	err := k.renew(ctx)
	if err == nil {
		k.failures.Store(0)
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	if IsLost(err) {
		return err
	}
	n := k.failures.Add(1)
	k.logger.Warn("lease_renew_failed", map[string]interface{}{
		"error":    err.Error(),
		"failures": n,
	})
	return nil
}

// IsLost reports whether a renewal error means the lease cannot come back.
func IsLost(err error) bool {
	return skerrors.Is(err, skerrors.ErrCodeLeaseLost) || skerrors.IsPermanent(err)
}

// Failures returns the number of consecutive transient renewal failures.
func (k *Keeper) Failures() int64 {
	return k.failures.Load()
}

// Stop stops renewing and waits for the loop to exit.
// Safe to call after the loop ended on its own.
func (k *Keeper) Stop() error {
	if !k.running.Swap(false) {
		return ErrNotStarted
	}
	close(k.stopCh)
	<-k.doneCh
	return nil
}

// Done is closed when the renewal loop exits.
func (k *Keeper) Done() <-chan struct{} {
	return k.doneCh
}
