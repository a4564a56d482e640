package ports

import (
	"context"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/domain"
)

// Conn is the transport handle the registry holds for a registered peer.
// Implementations must serialize their own writes; the relay calls WriteEnvelope
// from the goroutine servicing the sending connection.
type Conn interface {
	WriteEnvelope(env domain.Envelope) error
	Close() error
}

// Registry is the authoritative map from peer id to the one connection
// currently representing that peer. All operations are atomic.
type Registry interface {
	// Register binds peerID to conn, replacing any previous handle. The
	// replaced handle, if any, is returned; closing it is the caller's
	// responsibility.
	Register(peerID domain.PeerID, conn Conn) (previous Conn, replaced bool)

	// Lookup returns the handle for peerID. Absence is a normal outcome
	// (peer offline), not an error.
	Lookup(peerID domain.PeerID) (Conn, bool)

	// Unregister removes the entry for peerID if it still points at conn
	// and reports whether an entry was removed. Idempotent; a stale handle
	// never evicts a re-registered peer.
	Unregister(peerID domain.PeerID, conn Conn) bool

	// Peers returns a snapshot of currently registered peer ids.
	Peers() []domain.PeerID

	Len() int
}

// PresenceStore mirrors the set of online peers into shared storage so the
// surrounding application can answer "is this expert reachable" without
// talking to the relay. Best-effort: relay routing never depends on it.
type PresenceStore interface {
	MarkOnline(ctx context.Context, peerID domain.PeerID) error
	MarkOffline(ctx context.Context, peerID domain.PeerID) error
	Online(ctx context.Context) ([]domain.PeerID, error)
}
