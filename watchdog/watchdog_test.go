package watchdog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	skerrors "github.com/vinayprograms/singletonkit/errors"
	"github.com/vinayprograms/singletonkit/logging"
	"github.com/vinayprograms/singletonkit/monitor"
	"github.com/vinayprograms/singletonkit/registry"
)

var testFactory = registry.Factory{Kind: "job", Args: []string{"--once"}}

type harness struct {
	t       *testing.T
	cluster *fakeCluster
	clock   *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, cluster: newFakeCluster(), clock: clockwork.NewFakeClock()}
}

// watchdog builds a watchdog for name on node, returning it with its elector.
func (h *harness) watchdog(name, node string, mutate func(*Spec, *Config)) (*Watchdog, *fakeElector) {
	h.t.Helper()
	el := h.cluster.elector(node)
	spec := Spec{Name: name, Factory: testFactory, LocalIdentity: name + "_watchdog"}
	cfg := Config{
		Elector: el,
		Monitor: h.cluster,
		Clock:   h.clock,
		Logger:  logging.Discard(),
	}
	if mutate != nil {
		mutate(&spec, &cfg)
	}
	w, err := New(spec, cfg)
	if err != nil {
		h.t.Fatalf("New failed: %v", err)
	}
	return w, el
}

// run starts w and returns a channel receiving Run's result.
func (h *harness) run(ctx context.Context, w *Watchdog) <-chan error {
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return done
}

// advance waits until n watchdogs sleep on the clock, then moves it by d.
func (h *harness) advance(n int, d time.Duration) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(ctx, n); err != nil {
		h.t.Fatalf("waiting for %d sleepers: %v", n, err)
	}
	h.clock.Advance(d)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, w *Watchdog, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return w.State() == want })
}

func settled(ws ...*Watchdog) bool {
	for _, w := range ws {
		s := w.State()
		if s != StateOwner && s != StateFollower {
			return false
		}
	}
	return true
}

// assertOneOwner checks that exactly one watchdog owns and all watch the same handle.
func assertOneOwner(t *testing.T, ws []*Watchdog) registry.Handle {
	t.Helper()
	owners := 0
	h := ws[0].Handle()
	for _, w := range ws {
		if w.State() == StateOwner {
			owners++
		}
		if w.Handle() != h {
			t.Errorf("%s watches %v, want %v", w.Spec().Name, w.Handle(), h)
		}
	}
	if owners != 1 {
		t.Errorf("owners = %d, want 1", owners)
	}
	return h
}

func noClaimFor(t *testing.T, el *fakeElector, want int) {
	t.Helper()
	time.Sleep(30 * time.Millisecond)
	if got := el.claimCount(); got != want {
		t.Errorf("claims = %d, want %d", got, want)
	}
}

// --- Construction ---

func TestNew_Validation(t *testing.T) {
	cluster := newFakeCluster()
	el := cluster.elector("a")

	tests := []struct {
		name string
		spec Spec
		cfg  Config
	}{
		{"empty name", Spec{}, Config{Elector: el, Monitor: cluster}},
		{"bad name", Spec{Name: "a.b"}, Config{Elector: el, Monitor: cluster}},
		{"no elector", Spec{Name: "cron"}, Config{Monitor: cluster}},
		{"no monitor", Spec{Name: "cron"}, Config{Elector: el}},
		{"inverted jitter", Spec{Name: "cron"}, Config{Elector: el, Monitor: cluster, JitterMin: 10 * time.Second, JitterMax: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.spec, tt.cfg); !skerrors.Is(err, skerrors.ErrCodeInvalidInput) {
				t.Errorf("got %v, want INVALID_INPUT", err)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	cluster := newFakeCluster()
	w, err := New(Spec{Name: "cron"}, Config{Elector: cluster.elector("a"), Monitor: cluster})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if w.jitter.Min != DefaultJitterMin || w.jitter.Max != DefaultJitterMax {
		t.Errorf("jitter = %+v", w.jitter)
	}
	if w.State() != StateElecting || !w.Handle().IsZero() || w.Role() != 0 {
		t.Errorf("initial state = %v %v %v", w.State(), w.Handle(), w.Role())
	}
}

// --- Election ---

func TestRun_AtMostOneOwner(t *testing.T) {
	for _, n := range []int{1, 2, 10} {
		t.Run(fmt.Sprintf("%d watchdogs", n), func(t *testing.T) {
			h := newHarness(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var ws []*Watchdog
			for i := 0; i < n; i++ {
				w, _ := h.watchdog("cron", fmt.Sprintf("node-%d", i), nil)
				ws = append(ws, w)
			}
			for _, w := range ws {
				h.run(ctx, w)
			}

			waitFor(t, "all settled", func() bool { return settled(ws...) })
			owner := assertOneOwner(t, ws)
			if cur, _ := h.cluster.owner("cron"); cur != owner {
				t.Errorf("registry owner = %v, watched = %v", cur, owner)
			}
		})
	}
}

func TestRun_ConflictHookOncePerLostElection(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Another node owns the name before the watchdog starts.
	other := h.cluster.elector("node-b")
	first, _, _ := other.ClaimOrGet(ctx, "cron", testFactory)

	var calls atomic.Int32
	var stateAtHook atomic.Value
	var w *Watchdog
	var el *fakeElector
	w, el = h.watchdog("cron", "node-a", func(s *Spec, c *Config) {
		s.ConflictHook = func() {
			calls.Add(1)
			stateAtHook.Store(w.State())
		}
	})
	h.run(ctx, w)

	waitState(t, w, StateFollower)
	if calls.Load() != 1 {
		t.Fatalf("hook calls = %d, want 1", calls.Load())
	}
	if got := stateAtHook.Load(); got != StateElecting {
		t.Errorf("state during hook = %v, want electing", got)
	}
	if w.Handle() != first || w.Role() != registry.RoleFollower {
		t.Errorf("following %v as %v", w.Handle(), w.Role())
	}

	// The owner crashes and node-b wins again before the re-election.
	h.cluster.exit(first, monitor.ReasonCrash)
	waitState(t, w, StateElecting)
	second, _, _ := other.ClaimOrGet(ctx, "cron", testFactory)
	h.advance(1, DefaultJitterMax)

	waitFor(t, "following new owner", func() bool { return w.Handle() == second })
	if calls.Load() != 2 {
		t.Errorf("hook calls = %d, want 2", calls.Load())
	}
	if el.claimCount() != 2 {
		t.Errorf("claims = %d, want 2", el.claimCount())
	}
}

func TestRun_OwnerNeverClaimsTwice(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := newCountingRecorder()
	w, el := h.watchdog("cron", "node-a", func(s *Spec, c *Config) { c.Metrics = rec })
	h.run(ctx, w)
	waitState(t, w, StateOwner)
	owned := w.Handle()

	// A Down for a superseded handle is ignored.
	h.cluster.inject(owned, monitor.Down{
		Handle: registry.Handle{ID: "old", Name: "cron"},
		Reason: monitor.ReasonCrash,
	})
	waitFor(t, "stale down counted", func() bool { return rec.staleCount() == 1 })

	h.clock.Advance(time.Hour)
	noClaimFor(t, el, 1)
	if w.State() != StateOwner || w.Handle() != owned {
		t.Errorf("state = %v handle = %v, want owner of %v", w.State(), w.Handle(), owned)
	}
	if n := h.cluster.watcherCount(owned); n != 1 {
		t.Errorf("monitor relationships = %d, want 1", n)
	}
}

// --- Termination ---

func TestRun_GracefulStop(t *testing.T) {
	for _, role := range []string{"owner", "follower"} {
		t.Run(role, func(t *testing.T) {
			h := newHarness(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if role == "follower" {
				h.cluster.elector("node-b").ClaimOrGet(ctx, "cron", testFactory)
			}
			w, el := h.watchdog("cron", "node-a", nil)
			done := h.run(ctx, w)
			waitFor(t, "settled", func() bool { return settled(w) })

			h.cluster.exit(w.Handle(), monitor.ReasonNormal)

			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("Run returned %v, want nil", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return")
			}
			if w.State() != StateStopped {
				t.Errorf("state = %v, want stopped", w.State())
			}
			h.clock.Advance(time.Hour)
			noClaimFor(t, el, 1)
		})
	}
}

func TestRun_BoundedJitter(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := newCountingRecorder()
	w, el := h.watchdog("cron", "node-a", func(s *Spec, c *Config) { c.Metrics = rec })
	h.run(ctx, w)
	waitState(t, w, StateOwner)

	h.cluster.exit(w.Handle(), monitor.ReasonCrash)

	h.advance(1, DefaultJitterMin-time.Millisecond)
	noClaimFor(t, el, 1)
	if w.State() != StateElecting {
		t.Errorf("state = %v, want electing", w.State())
	}

	h.clock.Advance(DefaultJitterMax - DefaultJitterMin + time.Millisecond)
	waitFor(t, "re-claim", func() bool { return el.claimCount() == 2 })
	waitState(t, w, StateOwner)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.delays) != 1 || rec.delays[0] < DefaultJitterMin || rec.delays[0] > DefaultJitterMax {
		t.Errorf("delays = %v", rec.delays)
	}
	if rec.downs["crash"] != 1 {
		t.Errorf("crash downs = %d, want 1", rec.downs["crash"])
	}
}

func TestRun_CustomJitterWindow(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, el := h.watchdog("cron", "node-a", func(s *Spec, c *Config) {
		c.JitterMin = 2 * time.Second
		c.JitterMax = 2 * time.Second
	})
	h.run(ctx, w)
	waitState(t, w, StateOwner)

	h.cluster.exit(w.Handle(), monitor.ReasonKilled)
	h.advance(1, 2*time.Second)
	waitFor(t, "re-claim", func() bool { return el.claimCount() == 2 })
}

func TestRun_ReelectionAfterOwnerFailure(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := h.watchdog("scheduler", "node-a", nil)
	b, _ := h.watchdog("scheduler", "node-b", nil)
	c, _ := h.watchdog("scheduler", "node-c", nil)
	ws := []*Watchdog{a, b, c}

	// A claims first; B and C follow it.
	h.run(ctx, a)
	waitState(t, a, StateOwner)
	h.run(ctx, b)
	h.run(ctx, c)
	waitFor(t, "followers", func() bool { return settled(ws...) })
	old := assertOneOwner(t, ws)
	if a.State() != StateOwner {
		t.Fatalf("A is %v, want owner", a.State())
	}

	h.cluster.exit(old, monitor.ReasonCrash)

	// All three schedule their own re-election.
	h.advance(3, DefaultJitterMax)

	waitFor(t, "new round settled", func() bool {
		if !settled(ws...) {
			return false
		}
		hd := a.Handle()
		return hd != old && b.Handle() == hd && c.Handle() == hd
	})
	if got := assertOneOwner(t, ws); got == old {
		t.Errorf("still watching the crashed handle %v", old)
	}
}

func TestRun_MonitorReportsNoProc(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The owner vanishes between the claim and the watch.
	el := h.cluster.elector("node-a")
	racy := &vanishingElector{inner: el, cluster: h.cluster}
	w, err := New(Spec{Name: "cron", Factory: testFactory}, Config{
		Elector: racy,
		Monitor: h.cluster,
		Clock:   h.clock,
		Logger:  logging.Discard(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.run(ctx, w)

	h.advance(1, DefaultJitterMax)
	waitState(t, w, StateOwner)
	if el.claimCount() != 2 {
		t.Errorf("claims = %d, want 2", el.claimCount())
	}
}

// vanishingElector releases the first claim right after making it.
type vanishingElector struct {
	inner   *fakeElector
	cluster *fakeCluster
	once    sync.Once
}

func (v *vanishingElector) ClaimOrGet(ctx context.Context, name string, f registry.Factory) (registry.Handle, registry.Role, error) {
	h, role, err := v.inner.ClaimOrGet(ctx, name, f)
	v.once.Do(func() { v.cluster.exit(h, monitor.ReasonCrash) })
	return h, role, err
}

// --- Errors ---

func TestRun_FirstElectionFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	var logs bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&logs)

	cause := skerrors.Unavailable("registry unreachable")
	w, el := h.watchdog("cron", "node-a", func(s *Spec, c *Config) {
		c.Logger = logger
	})
	el.failOn = func(int) error { return cause }

	err := w.Run(context.Background())
	if !skerrors.Is(err, skerrors.ErrCodeFatalInit) {
		t.Fatalf("got %v, want FATAL_INIT", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("fatal error does not wrap the cause: %v", err)
	}
	if skerrors.IsRetryable(err) {
		t.Error("fatal init must not be retryable")
	}
	if w.State() != StateFatal {
		t.Errorf("state = %v, want fatal", w.State())
	}
	out := logs.String()
	if !strings.Contains(out, "fatal_init") || !strings.Contains(out, "singleton=cron") {
		t.Errorf("missing fatal log, got:\n%s", out)
	}

	h.clock.Advance(time.Hour)
	noClaimFor(t, el, 1)
}

func TestRun_FirstMonitorFailureIsFatal(t *testing.T) {
	cluster := newFakeCluster()
	el := cluster.elector("node-a")
	w, _ := New(Spec{Name: "cron", Factory: testFactory}, Config{
		Elector: el,
		Monitor: failingMonitor{},
		Logger:  logging.Discard(),
	})
	if err := w.Run(context.Background()); !skerrors.Is(err, skerrors.ErrCodeFatalInit) {
		t.Errorf("got %v, want FATAL_INIT", err)
	}

	// The won claim must not outlive the watchdog that cannot monitor it.
	if got := el.abandonedHandles(); len(got) != 1 {
		t.Fatalf("abandoned = %v, want one handle", got)
	}
	if h, ok := cluster.owner("cron"); ok {
		t.Errorf("claim still held by %v", h)
	}
}

func TestRun_OwnerMonitorFailureAbandonsClaim(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := &flakyMonitor{cluster: h.cluster, failOn: func(call int) bool { return call == 2 }}
	var hooks atomic.Int32
	w, el := h.watchdog("cron", "node-a", func(s *Spec, c *Config) {
		c.Monitor = mon
		s.ConflictHook = func() { hooks.Add(1) }
	})
	h.run(ctx, w)
	waitState(t, w, StateOwner)
	h.cluster.exit(w.Handle(), monitor.ReasonCrash)

	// Second election wins but cannot watch; the claim is handed back.
	h.advance(1, DefaultJitterMax)
	waitFor(t, "abandon", func() bool { return len(el.abandonedHandles()) == 1 })
	abandoned := el.abandonedHandles()[0]

	// Third election owns again instead of following its own stale claim.
	h.advance(1, DefaultJitterMax)
	waitState(t, w, StateOwner)

	if got := hooks.Load(); got != 0 {
		t.Errorf("conflict hook ran %d times, want 0", got)
	}
	if w.Role() != registry.RoleOwner || w.Handle() == abandoned {
		t.Errorf("role = %v handle = %v, want a fresh owned handle", w.Role(), w.Handle())
	}
	if cur, ok := h.cluster.owner("cron"); !ok || cur != w.Handle() {
		t.Errorf("cluster owner = %v, want %v", cur, w.Handle())
	}
	if got := el.claimCount(); got != 3 {
		t.Errorf("claims = %d, want 3", got)
	}
}

type failingMonitor struct{}

func (failingMonitor) Watch(ctx context.Context, h registry.Handle) (<-chan monitor.Down, error) {
	return nil, skerrors.Unavailable("bus down")
}

func TestRun_LaterElectionFailuresAreRetried(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := newCountingRecorder()
	w, el := h.watchdog("cron", "node-a", func(s *Spec, c *Config) { c.Metrics = rec })
	el.failOn = func(call int) error {
		if call == 2 || call == 3 {
			return skerrors.Unavailable("registry unreachable")
		}
		return nil
	}
	h.run(ctx, w)
	waitState(t, w, StateOwner)
	h.cluster.exit(w.Handle(), monitor.ReasonCrash)

	for i := 2; i <= 4; i++ {
		h.advance(1, DefaultJitterMax)
		want := i
		waitFor(t, fmt.Sprintf("claim %d", want), func() bool { return el.claimCount() == want })
	}
	waitState(t, w, StateOwner)
	if got := rec.election("error"); got != 2 {
		t.Errorf("error elections = %d, want 2", got)
	}
}

func TestRun_CancelLeavesWorker(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	w, _ := h.watchdog("cron", "node-a", nil)
	done := h.run(ctx, w)
	waitState(t, w, StateOwner)
	owned := w.Handle()

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if w.State() != StateStopped {
		t.Errorf("state = %v, want stopped", w.State())
	}
	if cur, ok := h.cluster.owner("cron"); !ok || cur != owned {
		t.Error("cancelling the watchdog must not release the claim")
	}
	waitFor(t, "watch ended", func() bool { return h.cluster.watcherCount(owned) == 0 })
}

func TestRun_CancelDuringJitter(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	w, el := h.watchdog("cron", "node-a", nil)
	done := h.run(ctx, w)
	waitState(t, w, StateOwner)
	h.cluster.exit(w.Handle(), monitor.ReasonCrash)

	ctxWait, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	h.clock.BlockUntilContext(ctxWait, 1)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if el.claimCount() != 1 {
		t.Errorf("claims = %d, want 1", el.claimCount())
	}
}

func TestRun_OnlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, _ := h.watchdog("cron", "node-a", nil)
	h.run(ctx, w)
	waitState(t, w, StateOwner)

	if err := w.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run: got %v, want ErrAlreadyRunning", err)
	}
}

func TestRun_Transitions(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []Transition
	w, _ := h.watchdog("cron", "node-a", func(s *Spec, c *Config) {
		c.OnTransition = func(tr Transition) {
			mu.Lock()
			seen = append(seen, tr)
			mu.Unlock()
		}
	})
	done := h.run(ctx, w)
	waitState(t, w, StateOwner)
	first := w.Handle()

	h.cluster.exit(first, monitor.ReasonCrash)
	h.advance(1, DefaultJitterMax)
	waitFor(t, "second owner", func() bool { return w.State() == StateOwner && w.Handle() != first })
	h.cluster.exit(w.Handle(), monitor.ReasonNormal)
	<-done

	mu.Lock()
	defer mu.Unlock()
	want := []struct{ from, to State }{
		{StateElecting, StateOwner},
		{StateOwner, StateElecting},
		{StateElecting, StateOwner},
		{StateOwner, StateStopped},
	}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %+v", seen)
	}
	for i, tr := range seen {
		if tr.From != want[i].from || tr.To != want[i].to || tr.Name != "cron" {
			t.Errorf("transition %d = %v->%v, want %v->%v", i, tr.From, tr.To, want[i].from, want[i].to)
		}
	}
	if seen[0].Role != registry.RoleOwner || seen[0].Handle != first {
		t.Errorf("first transition = %+v", seen[0])
	}
}
