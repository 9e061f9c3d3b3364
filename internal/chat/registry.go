package chat

import (
	"sort"
	"sync"
)

// Registry maps handles to live peers. At most one peer holds a handle at a
// time. The zero value is not usable; construct it with NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]registration
	seq   uint64
}

type registration struct {
	peer *Peer
	seq  uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]registration),
	}
}

// Register claims handle for p. It returns false, leaving both the registry
// and p untouched, if the handle is already held.
func (r *Registry) Register(handle string, p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.peers[handle]; taken {
		return false
	}
	r.seq++
	p.handle = handle
	r.peers[handle] = registration{peer: p, seq: r.seq}
	return true
}

// Deregister releases handle if p still holds it and reports whether an entry
// was removed. Repeated calls are harmless, and a stale peer never evicts a
// newer holder of the same handle.
func (r *Registry) Deregister(handle string, p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.peers[handle]
	if !ok || reg.peer != p {
		return false
	}
	delete(r.peers, handle)
	return true
}

// Lookup returns the peer holding handle.
func (r *Registry) Lookup(handle string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.peers[handle]
	return reg.peer, ok
}

// Count returns the number of registered handles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Snapshot returns the registered peers in registration order. The slice is
// a copy; iterating it never holds the registry lock.
func (r *Registry) Snapshot() []*Peer {
	r.mu.RLock()
	regs := make([]registration, 0, len(r.peers))
	for _, reg := range r.peers {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].seq < regs[j].seq })

	peers := make([]*Peer, len(regs))
	for i, reg := range regs {
		peers[i] = reg.peer
	}
	return peers
}

// Handles returns the registered handles in registration order.
func (r *Registry) Handles() []string {
	peers := r.Snapshot()
	handles := make([]string, len(peers))
	for i, p := range peers {
		handles[i] = p.handle
	}
	return handles
}
