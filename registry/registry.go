// Package registry implements the process-wide collection of live
// sessions plus admission policy (§4.4): a map keyed by session id in
// place of the source's intrusive LIST_HEAD, guarded by one lock that is
// never held across a network call or a PTY syscall.
package registry

import "sync"

// Entry is the subset of session.Session the registry needs: enough to
// admit, count, and fan out termination, without importing package
// session (which itself depends on registry for Register/Remove).
type Entry interface {
	ID() string
	QueueNonEmpty() bool
	RequestWritable()
	Terminate()
}

// Registry is the process-wide live-session collection.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]Entry
	once       bool
	maxClients int
	shutdown   bool
	// reserved counts capacity claimed by Admit but not yet turned into a
	// live session by Register (or given back by Release). Folding this
	// into the same critical section as Admit's own check is what makes
	// admission atomic: a second, concurrent Admit sees the first one's
	// claim even though its Session doesn't exist yet.
	reserved int
}

// New builds a Registry. once and maxClients mirror Config.Once and
// Config.MaxClients; maxClients == 0 means unlimited.
func New(once bool, maxClients int) *Registry {
	return &Registry{
		sessions:   make(map[string]Entry),
		once:       once,
		maxClients: maxClients,
	}
}

// Admit applies the once/max-clients policy from the FILTER_PROTOCOL
// callback in protocol.c before a Session is even constructed, and — to
// stay correct under concurrent handshakes, unlike the source's
// single-threaded event loop — reserves the capacity it grants in the
// same critical section. A caller that receives true must later call
// exactly one of Register or Release.
func (r *Registry) Admit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return false
	}
	live := len(r.sessions) + r.reserved
	if r.once && live > 0 {
		return false
	}
	if r.maxClients > 0 && live >= r.maxClients {
		return false
	}
	r.reserved++
	return true
}

// Release gives back a reservation an Admit call made that never turned
// into a registered session — e.g. the WebSocket upgrade itself failed
// after admission succeeded.
func (r *Registry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved > 0 {
		r.reserved--
	}
}

// Register converts an Admit reservation into a live, linked session.
func (r *Registry) Register(s Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved > 0 {
		r.reserved--
	}
	r.sessions[s.ID()] = s
}

// Remove unlinks a session; idempotent, matching tty_client_remove's
// LIST_FOREACH-then-maybe-found semantics.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Count returns the number of sessions currently registered — the
// invariant client_count == len(live) holds by construction since both
// are this one map.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ForEachLive calls fn for every currently-registered session. fn must
// not call back into the registry (Register/Remove) — it runs under the
// registry lock, exactly like the source's LIST_FOREACH under
// server->lock.
func (r *Registry) ForEachLive(fn func(Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		fn(s)
	}
}

// Shutdown marks the registry closed (no further Admit succeeds) and
// terminates every live session — the registry-walk half of an orderly
// shutdown (§4.6).
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	sessions := make([]Entry, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Terminate()
	}
}

// IsShutdown reports whether Shutdown has been called.
func (r *Registry) IsShutdown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdown
}
