// Package ports implements the ephemeral port allocator: a sorted-set
// allocator over the dynamic/private range, one instance per transport
// protocol (§4.3).
package ports

import (
	"sort"
	"sync"
)

const (
	Base = 49152
	End  = 65535
)

// Pool allocates and releases ports from [Base, End], one per protocol.
// allocate() is O(n) in the number of currently allocated ports, which is
// bounded by the number of concurrent virtual sockets.
type Pool struct {
	mu        sync.Mutex
	allocated []uint16 // kept sorted ascending
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{}
}

// Allocate returns the lowest free port in range, or 0 if the range is
// exhausted.
func (p *Pool) Allocate() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	want := uint16(Base)
	idx := 0
	for {
		if want > End {
			return 0
		}
		if idx >= len(p.allocated) || p.allocated[idx] != want {
			// insert want at idx, keeping allocated sorted
			p.allocated = append(p.allocated, 0)
			copy(p.allocated[idx+1:], p.allocated[idx:])
			p.allocated[idx] = want
			return want
		}
		want++
		idx++
	}
}

// Release returns port to the pool. Releasing a port not currently held is
// a no-op, so a repeated release of the same port is harmless.
func (p *Pool) Release(port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := sort.Search(len(p.allocated), func(i int) bool { return p.allocated[i] >= port })
	if i < len(p.allocated) && p.allocated[i] == port {
		p.allocated = append(p.allocated[:i], p.allocated[i+1:]...)
	}
}

// IsAllocated reports whether port is currently held by some socket.
func (p *Pool) IsAllocated(port uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := sort.Search(len(p.allocated), func(i int) bool { return p.allocated[i] >= port })
	return i < len(p.allocated) && p.allocated[i] == port
}

// Len reports the number of currently allocated ports.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
