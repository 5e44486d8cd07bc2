package hub

import (
	"net/http"
	"time"

	"relaymesh/hub/internal/registry"
)

// Stats summarizes the hub's live state for the stats() surface (§6).
type Stats struct {
	ConnectedSessions int                 `json:"connectedSessions"`
	RegisteredAgents  int                 `json:"registeredAgents"`
	PendingMessages   int                 `json:"pendingMessages"`
	Instances         []registry.Instance `json:"instances,omitempty"`
}

// Stats reports the hub's current counters.
func (h *Hub) Stats() Stats {
	pushStats := h.Push.Stats()
	return Stats{
		ConnectedSessions: pushStats.ConnectedSessions,
		RegisteredAgents:  pushStats.RegisteredAgents,
		PendingMessages:   pushStats.PendingMessages,
		Instances:         h.Registry.Snapshot(),
	}
}

// Uptime reports how long the hub has been running since Start.
func (h *Hub) Uptime() time.Duration {
	if h.startedAt.IsZero() {
		return 0
	}
	return h.now().Sub(h.startedAt)
}

// Ready reports whether the hub is accepting traffic. The hub has no
// recovery phase of its own (unlike the reference service's state
// snapshot replay), so readiness is unconditional once constructed.
func (h *Hub) Ready() (bool, string) {
	return true, ""
}

// HandleWS upgrades an HTTP request to the push channel.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.Push.HandleWS(w, r)
}
