package node

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/vinayprograms/singletonkit/metrics"
	"github.com/vinayprograms/singletonkit/registry"
)

// SingletonStatus is one watchdog as seen from this node.
type SingletonStatus struct {
	Name          string           `json:"name"`
	LocalIdentity string           `json:"local_identity"`
	State         string           `json:"state"`
	Role          string           `json:"role"`
	Handle        *registry.Handle `json:"handle,omitempty"`
}

// Status is a point-in-time snapshot of a node.
type Status struct {
	Node       string            `json:"node"`
	Backend    string            `json:"backend"`
	Singletons []SingletonStatus `json:"singletons"`

	// Workers are the workers running on this node.
	Workers []registry.Handle `json:"workers"`
}

// Status returns a snapshot of every watchdog and local worker.
func (n *Node) Status() Status {
	st := Status{
		Node:       n.id,
		Backend:    n.transport.kind,
		Singletons: make([]SingletonStatus, 0, len(n.watchdogs)),
		Workers:    n.host.Running(),
	}
	for _, w := range n.watchdogs {
		spec := w.Spec()
		ss := SingletonStatus{
			Name:          spec.Name,
			LocalIdentity: spec.LocalIdentity,
			State:         w.State().String(),
			Role:          w.Role().String(),
		}
		if h := w.Handle(); !h.IsZero() {
			ss.Handle = &h
		}
		st.Singletons = append(st.Singletons, ss)
	}
	return st
}

// AdminHandler serves /metrics in the Prometheus format and /status as JSON.
func (n *Node) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(n.metrics))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(n.Status())
	})
	return mux
}

// ServeAdmin serves AdminHandler on ln until ctx is done.
func (n *Node) ServeAdmin(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           n.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	n.logger.Info("admin_listening", map[string]interface{}{"addr": ln.Addr().String()})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
