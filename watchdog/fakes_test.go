package watchdog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	skerrors "github.com/vinayprograms/singletonkit/errors"
	"github.com/vinayprograms/singletonkit/metrics"
	"github.com/vinayprograms/singletonkit/monitor"
	"github.com/vinayprograms/singletonkit/registry"
)

// fakeCluster is a shared in-memory registry and monitoring facility.
// Watchers of a handle see one Down when exit is called for it.
type fakeCluster struct {
	mu       sync.Mutex
	owners   map[string]registry.Handle
	watchers map[string][]chan monitor.Down
	next     int
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		owners:   make(map[string]registry.Handle),
		watchers: make(map[string][]chan monitor.Down),
	}
}

// elector returns a per-node view of the cluster that counts claims.
func (c *fakeCluster) elector(node string) *fakeElector {
	return &fakeElector{cluster: c, node: node}
}

func (c *fakeCluster) owner(name string) (registry.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.owners[name]
	return h, ok
}

func (c *fakeCluster) Watch(ctx context.Context, h registry.Handle) (<-chan monitor.Down, error) {
	ch := make(chan monitor.Down, 1)

	c.mu.Lock()
	cur, ok := c.owners[h.Name]
	if !ok || cur.ID != h.ID {
		c.mu.Unlock()
		ch <- monitor.Down{Handle: h, Reason: monitor.ReasonNoProc}
		close(ch)
		return ch, nil
	}
	c.watchers[h.ID] = append(c.watchers[h.ID], ch)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.watchers[h.ID]
		for i, w := range list {
			if w == ch {
				c.watchers[h.ID] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

// exit ends h's worker: the claim is released and every watcher is told.
func (c *fakeCluster) exit(h registry.Handle, reason monitor.Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.owners[h.Name]; ok && cur.ID == h.ID {
		delete(c.owners, h.Name)
	}
	for _, ch := range c.watchers[h.ID] {
		ch <- monitor.Down{Handle: h, Reason: reason, At: time.Now()}
		close(ch)
	}
	delete(c.watchers, h.ID)
}

// inject delivers d to the watchers of h without ending the watch.
func (c *fakeCluster) inject(h registry.Handle, d monitor.Down) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.watchers[h.ID] {
		ch <- d
	}
}

func (c *fakeCluster) watcherCount(h registry.Handle) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watchers[h.ID])
}

type fakeElector struct {
	cluster *fakeCluster
	node    string
	calls   atomic.Int32

	// failOn, if set, returns an error for the given call number.
	failOn func(call int) error

	// abandoned is guarded by cluster.mu.
	abandoned []registry.Handle
}

func (e *fakeElector) ClaimOrGet(ctx context.Context, name string, f registry.Factory) (registry.Handle, registry.Role, error) {
	n := int(e.calls.Add(1))
	if e.failOn != nil {
		if err := e.failOn(n); err != nil {
			return registry.Handle{}, 0, err
		}
	}

	c := e.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.owners[name]; ok {
		return h, registry.RoleFollower, nil
	}
	c.next++
	h := registry.Handle{ID: fmt.Sprintf("h%d", c.next), Name: name, Node: e.node}
	c.owners[name] = h
	return h, registry.RoleOwner, nil
}

func (e *fakeElector) claimCount() int {
	return int(e.calls.Load())
}

// Abandon drops h's claim if it still holds the name.
func (e *fakeElector) Abandon(ctx context.Context, h registry.Handle) error {
	c := e.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.owners[h.Name]; ok && cur.ID == h.ID {
		delete(c.owners, h.Name)
	}
	e.abandoned = append(e.abandoned, h)
	return nil
}

func (e *fakeElector) abandonedHandles() []registry.Handle {
	e.cluster.mu.Lock()
	defer e.cluster.mu.Unlock()
	return append([]registry.Handle(nil), e.abandoned...)
}

// flakyMonitor watches through the cluster but fails the calls failOn picks.
type flakyMonitor struct {
	cluster *fakeCluster
	calls   atomic.Int32
	failOn  func(call int) bool
}

func (m *flakyMonitor) Watch(ctx context.Context, h registry.Handle) (<-chan monitor.Down, error) {
	if m.failOn(int(m.calls.Add(1))) {
		return nil, skerrors.Unavailable("bus down")
	}
	return m.cluster.Watch(ctx, h)
}

// countingRecorder records metric calls.
type countingRecorder struct {
	mu        sync.Mutex
	elections map[string]int
	downs     map[string]int
	stale     int
	delays    []time.Duration
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{elections: map[string]int{}, downs: map[string]int{}}
}

func (r *countingRecorder) IncElection(name string, outcome metrics.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elections[string(outcome)]++
}

func (r *countingRecorder) IncWorkerDown(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downs[reason]++
}

func (r *countingRecorder) SetRole(name, role string) {}

func (r *countingRecorder) ObserveReelectDelay(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
}

func (r *countingRecorder) IncStaleDown(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale++
}

func (r *countingRecorder) staleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stale
}

func (r *countingRecorder) election(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elections[outcome]
}
