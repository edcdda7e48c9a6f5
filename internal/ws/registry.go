package ws

import (
	"fmt"
	"sync"
	"time"

	"github.com/DivinityQQ/iaq-monitor-server/internal/logging"
	"github.com/DivinityQQ/iaq-monitor-server/internal/metrics"
)

// slot is one entry in the fixed-capacity session table. A slot is reused
// once active goes false.
type slot struct {
	client   *Client
	active   bool
	lastSeen time.Time
}

// Registry is the bounded table of connected streaming sessions. Capacity
// is a real embedded constraint: when all slots are active new sessions are
// rejected, never evicted.
type Registry struct {
	mu    sync.Mutex
	slots []slot

	// signals fired on the 0→1 and 1→0 active-count transitions.
	// Invoked outside the registry lock.
	onNonEmpty func()
	onEmpty    func()

	now func() time.Time
}

// NewRegistry creates a Registry with a fixed number of slots.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		slots: make([]slot, capacity),
		now:   time.Now,
	}
}

// SetSignals installs the became-non-empty / became-empty callbacks.
// Must be called before the first Add.
func (r *Registry) SetSignals(onNonEmpty, onEmpty func()) {
	r.onNonEmpty = onNonEmpty
	r.onEmpty = onEmpty
}

// Add occupies a free slot for c. It fails when the table is full or when a
// session with the same socket id is already active.
func (r *Registry) Add(c *Client) error {
	r.mu.Lock()
	free := -1
	count := 0
	for i := range r.slots {
		if r.slots[i].active {
			count++
			if r.slots[i].client.id == c.id {
				r.mu.Unlock()
				return fmt.Errorf("session %s already registered", c.id)
			}
		} else if free < 0 {
			free = i
		}
	}
	if free < 0 {
		r.mu.Unlock()
		return fmt.Errorf("session table full (%d slots)", len(r.slots))
	}
	r.slots[free] = slot{client: c, active: true, lastSeen: r.now()}
	becameNonEmpty := count == 0
	r.mu.Unlock()

	metrics.ActiveSessions.Inc()
	logging.LogSession(c.id, "registered")
	if becameNonEmpty && r.onNonEmpty != nil {
		r.onNonEmpty()
	}
	return nil
}

// Remove marks the session's slot inactive. Removing an unknown id is a
// no-op. Returns true when the id was active.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	removed := false
	remaining := 0
	for i := range r.slots {
		if !r.slots[i].active {
			continue
		}
		if r.slots[i].client.id == id {
			r.slots[i].active = false
			r.slots[i].client = nil
			removed = true
			continue
		}
		remaining++
	}
	becameEmpty := removed && remaining == 0
	r.mu.Unlock()

	if removed {
		metrics.ActiveSessions.Dec()
		logging.LogSession(id, "removed")
	}
	if becameEmpty && r.onEmpty != nil {
		r.onEmpty()
	}
	return removed
}

// Touch refreshes the liveness timestamp for an active session.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		if r.slots[i].active && r.slots[i].client.id == id {
			r.slots[i].lastSeen = r.now()
			return
		}
	}
}

// ActiveCount returns the number of active sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.slots {
		if r.slots[i].active {
			n++
		}
	}
	return n
}

// ActiveClients returns a copy of the active clients, so callers can fan
// out without holding the registry lock.
func (r *Registry) ActiveClients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.slots))
	for i := range r.slots {
		if r.slots[i].active {
			out = append(out, r.slots[i].client)
		}
	}
	return out
}

// Prune marks every session whose liveness timestamp is older than timeout
// as inactive and returns the pruned clients. Closing them is the caller's
// job, outside the registry lock.
func (r *Registry) Prune(timeout time.Duration) []*Client {
	cutoff := r.now().Add(-timeout)

	r.mu.Lock()
	var pruned []*Client
	remaining := 0
	for i := range r.slots {
		if !r.slots[i].active {
			continue
		}
		if r.slots[i].lastSeen.Before(cutoff) {
			pruned = append(pruned, r.slots[i].client)
			r.slots[i].active = false
			r.slots[i].client = nil
			continue
		}
		remaining++
	}
	becameEmpty := len(pruned) > 0 && remaining == 0
	r.mu.Unlock()

	for _, c := range pruned {
		metrics.ActiveSessions.Dec()
		metrics.PrunedSessions.Inc()
		logging.LogSession(c.id, "pruned")
	}
	if becameEmpty && r.onEmpty != nil {
		r.onEmpty()
	}
	return pruned
}
