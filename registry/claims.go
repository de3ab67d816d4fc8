package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	skerrors "github.com/vinayprograms/singletonkit/errors"
	"github.com/vinayprograms/singletonkit/heartbeat"
	"github.com/vinayprograms/singletonkit/logging"
)

// maxClaimAttempts bounds the create/read/take-over loop when claims keep
// vanishing or changing under us.
const maxClaimAttempts = 8

// Config configures a Registry.
type Config struct {
	// Backend stores claims. Required.
	Backend Backend

	// Spawner starts workers for claims this node wins. Required.
	Spawner Spawner

	// NodeID identifies this node in handles. Default: random UUID.
	NodeID string

	// LeaseTTL is how long a claim stays valid without renewal.
	// Default: 15s
	LeaseTTL time.Duration

	// RenewInterval is how often owned claims are renewed.
	// Default: LeaseTTL / 3
	RenewInterval time.Duration

	// Clock for lease deadlines and renewal ticks. Default: real clock.
	Clock clockwork.Clock

	// Logger. Default: logging.New().
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LeaseTTL: 15 * time.Second,
	}
}

// Registry implements claim-or-get on top of a Backend.
type Registry struct {
	backend Backend
	spawner Spawner
	nodeID  string
	ttl     time.Duration
	renew   time.Duration
	clock   clockwork.Clock
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	owned  map[string]*ownedClaim // by handle ID
	closed atomic.Bool
}

// ownedClaim tracks a claim this node won and keeps renewing.
type ownedClaim struct {
	mu     sync.Mutex
	claim  Claim
	keeper *heartbeat.Keeper
}

func (o *ownedClaim) snapshot() Claim {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.claim
}

// New creates a registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Backend == nil {
		return nil, skerrors.InvalidInput("registry backend required")
	}
	if cfg.Spawner == nil {
		return nil, skerrors.InvalidInput("registry spawner required")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = cfg.LeaseTTL / 3
	}
	if cfg.RenewInterval >= cfg.LeaseTTL {
		return nil, skerrors.InvalidInput("renew interval must be shorter than the lease TTL")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		backend: cfg.Backend,
		spawner: cfg.Spawner,
		nodeID:  cfg.NodeID,
		ttl:     cfg.LeaseTTL,
		renew:   cfg.RenewInterval,
		clock:   cfg.Clock,
		logger:  cfg.Logger.WithComponent("registry"),
		ctx:     ctx,
		cancel:  cancel,
		owned:   make(map[string]*ownedClaim),
	}, nil
}

// NodeID returns the node ID stamped into handles.
func (r *Registry) NodeID() string {
	return r.nodeID
}

// retention is the backend-level expiry of a claim record. It only garbage
// collects records of dead owners; liveness is decided by ExpiresAt.
func (r *Registry) retention() time.Duration {
	return 2 * r.ttl
}

// unavailable classifies a backend failure as transient.
func (r *Registry) unavailable(err error, name, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return skerrors.Wrap(err, op, skerrors.WithName(name), skerrors.WithNode(r.nodeID))
	}
	return skerrors.WrapWithCode(err, skerrors.ErrCodeUnavailable, op,
		skerrors.WithName(name), skerrors.WithNode(r.nodeID))
}

// ClaimOrGet atomically claims name for a new worker built by f, or returns
// the handle of the worker that already holds it.
//
// On RoleOwner the worker has been spawned locally and its lease is being
// renewed. On RoleFollower nothing was started.
func (r *Registry) ClaimOrGet(ctx context.Context, name string, f Factory) (Handle, Role, error) {
	if r.closed.Load() {
		return Handle{}, 0, ErrClosed
	}
	if err := ValidateName(name); err != nil {
		return Handle{}, 0, err
	}
	if f.Kind == "" {
		return Handle{}, 0, skerrors.InvalidInput("worker factory kind is empty", skerrors.WithName(name))
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		now := r.clock.Now()
		c := Claim{
			Name:      name,
			Handle:    Handle{ID: uuid.NewString(), Name: name, Node: r.nodeID},
			Factory:   f,
			ClaimedAt: now,
			ExpiresAt: now.Add(r.ttl),
		}
		data, err := c.Marshal()
		if err != nil {
			return Handle{}, 0, skerrors.Wrap(err, "encode claim", skerrors.WithName(name))
		}

		rev, err := r.backend.Create(ctx, name, data, r.retention())
		if err == nil {
			c.Revision = rev
			return r.own(ctx, c)
		}
		if !errors.Is(err, ErrExists) {
			return Handle{}, 0, r.unavailable(err, name, "create claim")
		}

		existing, err := r.Lookup(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue // released between Create and Get
		}
		if err != nil {
			return Handle{}, 0, err
		}
		if !existing.Expired(now) {
			return existing.Handle, RoleFollower, nil
		}

		rev, err = r.backend.Swap(ctx, name, data, existing.Revision, r.retention())
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			continue // someone else took it over or renewed it
		}
		if err != nil {
			return Handle{}, 0, r.unavailable(err, name, "take over claim")
		}
		r.logger.Info("claim_taken_over", map[string]interface{}{
			"singleton":  name,
			"handle":     c.Handle.ID,
			"stale":      existing.Handle.ID,
			"stale_node": existing.Handle.Node,
		})
		c.Revision = rev
		return r.own(ctx, c)
	}

	return Handle{}, 0, skerrors.New(skerrors.ErrCodeConflict, "claim contention did not settle",
		skerrors.WithName(name), skerrors.WithNode(r.nodeID), skerrors.WithRetryable(true))
}

// own records c as ours, spawns its worker and starts renewing its lease.
// The record exists before Spawn so a worker that exits at once can still
// release its claim.
func (r *Registry) own(ctx context.Context, c Claim) (Handle, Role, error) {
	oc := &ownedClaim{claim: c}
	r.mu.Lock()
	r.owned[c.Handle.ID] = oc
	r.mu.Unlock()

	if err := r.spawner.Spawn(ctx, c.Handle, c.Factory); err != nil {
		r.forget(c.Handle.ID)
		rmCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rmErr := r.backend.Remove(rmCtx, c.Name, c.Revision); rmErr != nil {
			r.logger.Warn("claim_remove_failed", map[string]interface{}{
				"singleton": c.Name,
				"error":     rmErr.Error(),
			})
		}
		return Handle{}, 0, skerrors.SpawnFailed(c.Name, err, skerrors.WithNode(r.nodeID))
	}

	keeper, err := heartbeat.NewKeeper(heartbeat.Config{
		Interval: r.renew,
		Renew:    func(ctx context.Context) error { return r.renewClaim(ctx, oc) },
		OnLost:   func(err error) { r.leaseLost(oc, err) },
		Clock:    r.clock,
		Logger:   r.logger,
	})
	if err != nil {
		return Handle{}, 0, skerrors.Wrap(err, "lease keeper", skerrors.WithName(c.Name))
	}

	// A worker that already exited has released the claim; its keeper
	// must not start.
	r.mu.Lock()
	if _, still := r.owned[c.Handle.ID]; still {
		oc.mu.Lock()
		oc.keeper = keeper
		oc.mu.Unlock()
		keeper.Start(r.ctx)
	}
	r.mu.Unlock()

	return c.Handle, RoleOwner, nil
}

// renewClaim pushes the lease deadline of an owned claim forward.
func (r *Registry) renewClaim(ctx context.Context, oc *ownedClaim) error {
	oc.mu.Lock()
	defer oc.mu.Unlock()

	cur := oc.claim
	now := r.clock.Now()
	next := cur
	next.ExpiresAt = now.Add(r.ttl)
	data, err := next.Marshal()
	if err != nil {
		return skerrors.Wrap(err, "encode claim", skerrors.WithName(cur.Name))
	}

	rev, err := r.backend.Swap(ctx, cur.Name, data, cur.Revision, r.retention())
	switch {
	case err == nil:
		next.Revision = rev
		oc.claim = next
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
		return skerrors.LeaseLost(cur.Name,
			skerrors.WithNode(r.nodeID),
			skerrors.WithMetadata("handle", cur.Handle.ID),
			skerrors.WithCause(err))
	case cur.Expired(now):
		// Could not reach the backend before the deadline; another node may
		// already have taken over.
		return skerrors.LeaseLost(cur.Name,
			skerrors.WithNode(r.nodeID),
			skerrors.WithMetadata("handle", cur.Handle.ID),
			skerrors.WithCause(err))
	default:
		return r.unavailable(err, cur.Name, "renew claim")
	}
}

// leaseLost kills the worker of a claim this node no longer holds.
func (r *Registry) leaseLost(oc *ownedClaim, err error) {
	c := oc.snapshot()
	r.logger.LeaseLost(c.Name, c.Handle.ID, err)
	r.forget(c.Handle.ID)
	if kerr := r.spawner.Kill(c.Handle.ID); kerr != nil {
		r.logger.Debug("kill_after_lease_lost", map[string]interface{}{
			"singleton": c.Name,
			"handle":    c.Handle.ID,
			"error":     kerr.Error(),
		})
	}
}

// forget drops ownership tracking without touching the backend.
func (r *Registry) forget(id string) *ownedClaim {
	r.mu.Lock()
	oc := r.owned[id]
	delete(r.owned, id)
	r.mu.Unlock()
	return oc
}

// Release stops renewing h's claim and removes it if it is still ours.
// Releasing a handle this node does not own is a no-op.
func (r *Registry) Release(ctx context.Context, h Handle) error {
	oc := r.forget(h.ID)
	if oc == nil {
		return nil
	}

	oc.mu.Lock()
	keeper := oc.keeper
	oc.mu.Unlock()
	if keeper != nil {
		keeper.Stop()
	}

	c := oc.snapshot()
	err := r.backend.Remove(ctx, c.Name, c.Revision)
	if errors.Is(err, ErrConflict) {
		// Taken over after our lease lapsed; the record is not ours to delete.
		return nil
	}
	if err != nil {
		return r.unavailable(err, c.Name, "release claim")
	}
	r.logger.Debug("claim_released", map[string]interface{}{
		"singleton": c.Name,
		"handle":    c.Handle.ID,
	})
	return nil
}

// Abandon gives up a claim this node won but cannot follow through on. The
// worker is killed and the claim removed so the next election starts clean.
func (r *Registry) Abandon(ctx context.Context, h Handle) error {
	if err := r.spawner.Kill(h.ID); err != nil {
		r.logger.Debug("kill_on_abandon", map[string]interface{}{
			"singleton": h.Name,
			"handle":    h.ID,
			"error":     err.Error(),
		})
	}
	return r.Release(ctx, h)
}

// RecordExit stores e as the last exit of its singleton. The record is kept
// for twice the lease TTL, replacing any earlier exit.
func (r *Registry) RecordExit(ctx context.Context, e Exit) error {
	name := e.Handle.Name
	data, err := json.Marshal(e)
	if err != nil {
		return skerrors.Wrap(err, "encode exit", skerrors.WithName(name))
	}
	key := exitRecord(name)

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		_, err := r.backend.Create(ctx, key, data, r.retention())
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrExists) {
			return r.unavailable(err, name, "record exit")
		}

		_, rev, err := r.backend.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return r.unavailable(err, name, "record exit")
		}
		_, err = r.backend.Swap(ctx, key, data, rev, r.retention())
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) {
			return r.unavailable(err, name, "record exit")
		}
	}
	return skerrors.New(skerrors.ErrCodeConflict, "exit record contention did not settle",
		skerrors.WithName(name), skerrors.WithNode(r.nodeID), skerrors.WithRetryable(true))
}

// LastExit returns the most recent exit recorded for name.
// Returns ErrNotFound if none is kept.
func (r *Registry) LastExit(ctx context.Context, name string) (Exit, error) {
	data, _, err := r.backend.Get(ctx, exitRecord(name))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Exit{}, ErrNotFound
		}
		return Exit{}, r.unavailable(err, name, "read exit")
	}
	var e Exit
	if err := json.Unmarshal(data, &e); err != nil {
		return Exit{}, skerrors.WrapWithCode(err, skerrors.ErrCodeCorruption, "decode exit",
			skerrors.WithName(name))
	}
	return e, nil
}

// Lookup returns the current claim for name, expired or not.
// Returns ErrNotFound if there is none.
func (r *Registry) Lookup(ctx context.Context, name string) (Claim, error) {
	data, rev, err := r.backend.Get(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Claim{}, ErrNotFound
		}
		return Claim{}, r.unavailable(err, name, "read claim")
	}
	return UnmarshalClaim(data, rev)
}

// WatchClaim signals whenever name's claim changes. Returns
// ErrWatchUnsupported if the backend cannot push changes.
func (r *Registry) WatchClaim(ctx context.Context, name string) (<-chan struct{}, error) {
	w, ok := r.backend.(Watcher)
	if !ok {
		return nil, ErrWatchUnsupported
	}
	return w.Watch(ctx, name)
}

// Owned returns the claims this node currently holds.
func (r *Registry) Owned() []Claim {
	r.mu.Lock()
	list := make([]*ownedClaim, 0, len(r.owned))
	for _, oc := range r.owned {
		list = append(list, oc)
	}
	r.mu.Unlock()

	claims := make([]Claim, 0, len(list))
	for _, oc := range list {
		claims = append(claims, oc.snapshot())
	}
	return claims
}

// Now returns the registry clock's time, the reference for Claim.Expired.
func (r *Registry) Now() time.Time {
	return r.clock.Now()
}

// Close stops renewing all owned claims. Claims are left in place; their
// workers release them on exit, or the leases run out.
func (r *Registry) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.cancel()

	r.mu.Lock()
	list := make([]*ownedClaim, 0, len(r.owned))
	for _, oc := range r.owned {
		list = append(list, oc)
	}
	r.mu.Unlock()

	for _, oc := range list {
		oc.mu.Lock()
		keeper := oc.keeper
		oc.mu.Unlock()
		if keeper != nil {
			keeper.Stop()
		}
	}
	return nil
}
