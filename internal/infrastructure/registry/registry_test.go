package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/domain"
)

type fakeConn struct {
	id string
}

func (f *fakeConn) WriteEnvelope(env domain.Envelope) error { return nil }
func (f *fakeConn) Close() error                            { return nil }

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	conn := &fakeConn{id: "a"}

	previous, replaced := r.Register("alice", conn)
	assert.Nil(t, previous)
	assert.False(t, replaced)

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, conn, got.(*fakeConn))
	assert.Equal(t, 1, r.Len())
}

func TestLookupUnknownPeer(t *testing.T) {
	r := New()

	_, ok := r.Lookup("nobody")
	assert.False(t, ok)
}

func TestReRegisterReplacesBinding(t *testing.T) {
	r := New()
	first := &fakeConn{id: "first"}
	second := &fakeConn{id: "second"}

	r.Register("alice", first)
	previous, replaced := r.Register("alice", second)

	require.True(t, replaced)
	assert.Same(t, first, previous.(*fakeConn))

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, got.(*fakeConn))
	assert.Equal(t, 1, r.Len())
}

func TestUnregisterRequiresMatchingHandle(t *testing.T) {
	r := New()
	first := &fakeConn{id: "first"}
	second := &fakeConn{id: "second"}

	r.Register("alice", first)
	r.Register("alice", second)

	// The stale handle must not evict the new binding.
	assert.False(t, r.Unregister("alice", first))
	_, ok := r.Lookup("alice")
	assert.True(t, ok)

	assert.True(t, r.Unregister("alice", second))
	_, ok = r.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New()
	conn := &fakeConn{}

	r.Register("alice", conn)
	assert.True(t, r.Unregister("alice", conn))
	assert.False(t, r.Unregister("alice", conn))
}

func TestPeersSnapshot(t *testing.T) {
	r := New()
	r.Register("alice", &fakeConn{})
	r.Register("bob", &fakeConn{})

	peers := r.Peers()
	assert.ElementsMatch(t, []domain.PeerID{"alice", "bob"}, peers)
}

func TestConcurrentAccess(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := domain.PeerID(fmt.Sprintf("peer-%d", n))
			conn := &fakeConn{}
			r.Register(id, conn)
			r.Lookup(id)
			r.Unregister(id, conn)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
}
