package statement

import (
	"sync/atomic"

	"github.com/jabrown93/plex-postgresql/pkg/thread"
)

// ring geometry, slot count and bytes per slot. Text pointers handed to the
// host stay valid for at least a full lap of reads on the same thread.
const (
	ringSlots     = 4096
	ringSlotBytes = 16 << 10
)

// textRing recycles buffers for column text. Each goroutine gets its own
// ring, so host threads never overwrite each other's column reads.
type textRing struct {
	next  atomic.Uint64
	slots [ringSlots][]byte
}

// copy puts b into the next slot, cut at the slot size, and returns the
// stored copy, never nil. The ring keeps the slot referenced until the same
// slot comes around again.
func (r *textRing) copy(b []byte) []byte {
	if len(b) > ringSlotBytes {
		b = b[:ringSlotBytes]
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	i := (r.next.Add(1) - 1) % ringSlots
	r.slots[i] = buf
	return buf
}

// ringCopy copies b into the calling goroutine's text ring.
func (m *Manager) ringCopy(b []byte) []byte {
	gid := thread.ID()
	v, ok := m.rings.Load(gid)
	if !ok {
		v, _ = m.rings.LoadOrStore(gid, &textRing{})
	}
	return v.(*textRing).copy(b)
}

// ResetAfterFork drops every goroutine's text ring. Ring memory inherited
// from the parent belongs to its goroutines.
func (m *Manager) ResetAfterFork() {
	m.rings.Range(func(k, _ any) bool {
		m.rings.Delete(k)
		return true
	})
}
