package registry

import (
	"sync"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/domain"
	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/ports"
)

// Registry is the in-memory peer-id -> connection map the relay routes
// through. All mutation happens from the relay's connection handlers, which
// may run on different goroutines, so the map is mutex-guarded and every
// operation is atomic.
type Registry struct {
	mu    sync.RWMutex
	peers map[domain.PeerID]ports.Conn
}

func New() *Registry {
	return &Registry{
		peers: make(map[domain.PeerID]ports.Conn),
	}
}

// Register inserts or replaces the entry for peerID. The previous handle, if
// any, is returned so the caller can decide whether to close it; the registry
// never closes handles itself.
func (r *Registry) Register(peerID domain.PeerID, conn ports.Conn) (ports.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, replaced := r.peers[peerID]
	r.peers[peerID] = conn
	return previous, replaced
}

// Lookup returns the handle currently bound to peerID. Absence means the
// peer is offline; it is not an error.
func (r *Registry) Lookup(peerID domain.PeerID) (ports.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.peers[peerID]
	return conn, ok
}

// Unregister removes the entry for peerID, but only while it still points at
// conn. A close event from a connection that was already replaced by a
// re-registration must not evict the new handle. Idempotent.
func (r *Registry) Unregister(peerID domain.PeerID, conn ports.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.peers[peerID]; ok && current == conn {
		delete(r.peers, peerID)
		return true
	}
	return false
}

// Peers returns a snapshot of registered peer ids.
func (r *Registry) Peers() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]domain.PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
