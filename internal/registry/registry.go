// Package registry is the in-memory directory of live connections: the
// authoritative agent connection per machine and the set of browser
// connections per user. It is created by the hub and passed by handle to
// every connection task; there is no package-level state.
package registry

import "sync"

// ReasonSuperseded is the close reason given to an agent connection that is
// replaced by a newer registration for the same machine.
const ReasonSuperseded = "superseded by new connection"

// Conn is the minimal surface the registry needs from a live connection.
// Close must be safe to call from any goroutine, non-blocking, and
// idempotent.
type Conn interface {
	Close(reason string)
}

type agentEntry struct {
	conn  Conn
	epoch uint64
}

// Registry is a mutex-guarded directory of live connections. All operations
// are safe under concurrent access; no operation observes a half-registered
// connection.
type Registry struct {
	mu       sync.Mutex
	agents   map[string]agentEntry
	epochs   map[string]uint64 // per-machine, monotonic across reconnects
	browsers map[string]map[string]Conn
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		agents:   make(map[string]agentEntry),
		epochs:   make(map[string]uint64),
		browsers: make(map[string]map[string]Conn),
	}
}

// RegisterAgent installs conn as the authoritative connection for the
// machine and returns its epoch. If a prior connection exists it is closed
// with ReasonSuperseded before the replacement becomes visible, under the
// same critical section, so no two connections are ever simultaneously
// authoritative for one machine.
func (r *Registry) RegisterAgent(machineID string, conn Conn) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.agents[machineID]; ok {
		prev.conn.Close(ReasonSuperseded)
	}
	r.epochs[machineID]++
	epoch := r.epochs[machineID]
	r.agents[machineID] = agentEntry{conn: conn, epoch: epoch}
	return epoch
}

// UnregisterAgent removes the agent connection for the machine, but only if
// the given epoch is still the registered one. A stale close event from a
// superseded connection is a no-op. It reports whether a removal happened.
func (r *Registry) UnregisterAgent(machineID string, epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.agents[machineID]
	if !ok || entry.epoch != epoch {
		return false
	}
	delete(r.agents, machineID)
	return true
}

// LookupAgent returns the authoritative connection and epoch for a machine.
func (r *Registry) LookupAgent(machineID string) (Conn, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.agents[machineID]
	if !ok {
		return nil, 0, false
	}
	return entry.conn, entry.epoch, true
}

// RegisterBrowser adds a connection to the user's set. Multiple connections
// per user (tabs, devices) are independent. When max > 0 and the user is
// already at the cap, the connection is not registered and false is
// returned; the check and insert happen under one lock acquisition.
func (r *Registry) RegisterBrowser(userID, connID string, conn Conn, max int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max > 0 && len(r.browsers[userID]) >= max {
		return false
	}
	if r.browsers[userID] == nil {
		r.browsers[userID] = make(map[string]Conn)
	}
	r.browsers[userID][connID] = conn
	return true
}

// UnregisterBrowser removes one of the user's connections; the user's other
// connections are unaffected.
func (r *Registry) UnregisterBrowser(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.browsers[userID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.browsers, userID)
	}
}

// LookupBrowsers returns a snapshot of the user's connections, possibly empty.
func (r *Registry) LookupBrowsers(userID string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.browsers[userID]
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// BrowserCount returns the number of live connections for a user.
func (r *Registry) BrowserCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.browsers[userID])
}
