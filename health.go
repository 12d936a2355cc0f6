package reshake

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	// Name is the name of the check.
	Name string `json:"name"`

	// Healthy indicates whether the check passed.
	Healthy bool `json:"healthy"`

	// Message provides additional context about the check result.
	Message string `json:"message,omitempty"`

	// Duration is how long the check took.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// HealthStatus represents the overall health status of the node.
type HealthStatus struct {
	// Healthy indicates whether all checks passed.
	Healthy bool `json:"healthy"`

	// Checks contains the results of individual checks.
	Checks []CheckResult `json:"checks"`

	// Timestamp is when the health check was performed.
	Timestamp time.Time `json:"timestamp"`
}

// IsHealthy reports whether the node is started, its host is running and
// its handshake loop accepts work. It is cheap enough for liveness checks.
func (n *Node) IsHealthy() bool {
	if !n.isStarted() {
		return false
	}
	return n.hostRunning() && n.loopRunning()
}

func (n *Node) hostRunning() bool {
	return n.host != nil && n.host.Running()
}

// loopRunning reports whether the handshake loop is accepting work.
func (n *Node) loopRunning() bool {
	if n.loop == nil {
		return false
	}
	select {
	case <-n.loop.Done():
		return false
	default:
		return true
	}
}

var errNotInitialized = errors.New("node not initialized")

func (n *Node) blockedCount() int {
	if n.blocked == nil {
		return 0
	}
	return n.blocked.Count()
}

// readinessCheck is one named check. Informational checks always pass and
// only report state.
type readinessCheck struct {
	name          string
	informational bool
	run           func() (bool, string)
}

func (n *Node) readinessChecks() []readinessCheck {
	return []readinessCheck{
		{name: "node_started", run: func() (bool, string) {
			ok := n.isStarted()
			return ok, boolToMessage(ok, "node is running", "node is not started")
		}},
		{name: "host_running", run: func() (bool, string) {
			ok := n.hostRunning()
			return ok, boolToMessage(ok, "libp2p host is running", "libp2p host is not available")
		}},
		{name: "handshake_loop", run: func() (bool, string) {
			ok := n.loopRunning()
			return ok, boolToMessage(ok, "handshake loop is running", "handshake loop is stopped")
		}},
		{name: "data_dir", run: func() (bool, string) {
			if n.resources == nil || n.config == nil {
				return false, errNotInitialized.Error()
			}
			if _, err := n.resources.WorkDir(n.config.NonceTag); err != nil {
				return false, err.Error()
			}
			return true, "nonce directory is writable"
		}},
		{name: "block_list", informational: true, run: func() (bool, string) {
			return true, fmt.Sprintf("%d peers blocked", n.blockedCount())
		}},
		{name: "sessions", informational: true, run: func() (bool, string) {
			n.sessionsMu.RLock()
			count := len(n.sessions)
			n.sessionsMu.RUnlock()
			return true, fmt.Sprintf("%d open sessions", count)
		}},
		{name: "resource_serving", informational: true, run: func() (bool, string) {
			if n.resources == nil || n.config == nil {
				return true, "resource exchange not initialized"
			}
			return true, fmt.Sprintf("%d of %d serve slots in use",
				n.resources.ActiveServes(), n.config.MaxConcurrentServes)
		}},
	}
}

// ReadinessChecks runs every readiness check and returns the results. The
// node is ready when all non-informational checks pass:
//   - node_started, host_running, handshake_loop
//   - data_dir: the nonce working directory can be created
//
// block_list, sessions and resource_serving only report counts.
func (n *Node) ReadinessChecks() HealthStatus {
	checks := n.readinessChecks()
	status := HealthStatus{
		Healthy:   true,
		Checks:    make([]CheckResult, 0, len(checks)),
		Timestamp: time.Now(),
	}

	for _, c := range checks {
		start := time.Now()
		ok, msg := c.run()
		status.Checks = append(status.Checks, CheckResult{
			Name:     c.name,
			Healthy:  ok,
			Message:  msg,
			Duration: time.Since(start),
		})
		if !ok && !c.informational {
			status.Healthy = false
		}
	}
	return status
}

// boolToMessage returns trueMsg if b is true, otherwise falseMsg.
func boolToMessage(b bool, trueMsg, falseMsg string) string {
	if b {
		return trueMsg
	}
	return falseMsg
}

func writeHealthJSON(w http.ResponseWriter, healthy bool, body any) {
	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler returns an http.Handler serving ReadinessChecks as JSON with
// status 200 when the node is ready and 503 otherwise.
//
//	http.Handle("/health", reshake.HealthHandler(node))
func HealthHandler(node *Node) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := node.ReadinessChecks()
		writeHealthJSON(w, status.Healthy, status)
	})
}

// LivenessHandler returns an http.Handler serving IsHealthy as
// {"healthy": bool} with status 200 or 503.
//
//	http.Handle("/live", reshake.LivenessHandler(node))
func LivenessHandler(node *Node) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		healthy := node.IsHealthy()
		writeHealthJSON(w, healthy, struct {
			Healthy bool `json:"healthy"`
		}{healthy})
	})
}
