package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ai2ai-project/ai2ai-node/health"
	"github.com/ai2ai-project/ai2ai-node/internal/metrics"
	"github.com/ai2ai-project/ai2ai-node/queue"
)

// buildHealthChecker registers the queue-depth, dead-letter-size, and key
// store checks the health endpoint reports, supplementing the protocol-level
// `/ai2ai/health` with a richer internal checker.
func (n *Node) buildHealthChecker() *health.HealthChecker {
	checker := health.NewHealthChecker(0)
	checker.SetLogger(n.log)

	checker.RegisterCheck("queue", func(ctx context.Context) error {
		depth := 0
		for _, e := range n.queue.List() {
			if e.Status == queue.StatusPending || e.Status == queue.StatusRetrying {
				depth++
			}
		}
		metrics.QueueDepth.Set(float64(depth))
		return nil
	})
	checker.RegisterCheck("dlq", func(ctx context.Context) error {
		entries, err := n.dlq.List()
		if err != nil {
			return err
		}
		metrics.DLQSize.Set(float64(len(entries)))
		return nil
	})
	checker.RegisterCheck("keystore", health.KeyStoreHealthCheck(func() error {
		if n.keys.SigningKeyPair() == nil {
			return fmt.Errorf("signing key unavailable")
		}
		return nil
	}))
	return checker
}

// healthMux wraps the ingress handler with /healthz and /metrics, the
// operational surface alongside the protocol-level ingress endpoints.
// Exact-path registrations on a http.ServeMux take precedence over the "/"
// catch-all, so /metrics and /healthz never reach the ingress handler.
func (n *Node) healthMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", n.ingress.Handler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		sys := n.healthChecker.GetSystemHealth(r.Context())
		status := http.StatusOK
		if sys.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeHealthJSON(w, status, sys)
	})
	return mux
}

func writeHealthJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
