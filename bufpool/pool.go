// Package bufpool implements the fixed-count, fixed-size buffer pool that
// bounds peak memory in the wire-protocol hot path (§4.1).
package bufpool

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSlotSize matches the protocol's maximum frame size so a single
// borrowed buffer always fits one packet.
const DefaultSlotSize = 16 * 1024

// DefaultCapacity is the default slot count; the reference implementation
// runs with three.
const DefaultCapacity = 3

var ErrExhausted = errors.New("bufpool: exhausted")

// Pool is a fixed array of byte slices handed out under borrow/return,
// guarded by a mutex and a per-slot in-use flag. Unlike sync.Pool it never
// grows: callers under memory pressure get ErrExhausted instead of a fresh
// allocation, which is the point.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	slots    [][]byte
	inUse    []bool
	slotSize int
}

// New creates a pool of capacity buffers, each slotSize bytes.
func New(capacity, slotSize int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if slotSize <= 0 {
		slotSize = DefaultSlotSize
	}
	p := &Pool{
		slots:    make([][]byte, capacity),
		inUse:    make([]bool, capacity),
		slotSize: slotSize,
	}
	for i := range p.slots {
		p.slots[i] = make([]byte, slotSize)
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Borrow returns an available buffer within timeout, or ErrExhausted once
// it elapses. A timeout of zero returns immediately if nothing is free.
func (p *Pool) Borrow(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		for i, busy := range p.inUse {
			if !busy {
				p.inUse[i] = true
				return p.slots[i], nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrExhausted
		}

		// Wake periodically rather than waiting indefinitely on cond, so a
		// timeout is honored even if no Return ever signals.
		timer := time.AfterFunc(minDuration(remaining, 5*time.Millisecond), p.cond.Broadcast)
		p.cond.Wait()
		timer.Stop()

		if time.Now().After(deadline) {
			return nil, ErrExhausted
		}
	}
}

// Return hands a buffer back to the pool. It is idempotent against
// double-return (logged and ignored) and ignores buffers it did not hand
// out.
func (p *Pool) Return(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.indexOf(buf)
	if idx < 0 {
		log.Warn().Msg("bufpool: return of unrecognized buffer ignored")
		return
	}
	if !p.inUse[idx] {
		log.Warn().Int("slot", idx).Msg("bufpool: double return ignored")
		return
	}
	p.inUse[idx] = false
	p.cond.Broadcast()
}

func (p *Pool) indexOf(buf []byte) int {
	for i, slot := range p.slots {
		if &slot[0] == &buf[0] {
			return i
		}
	}
	return -1
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Scoped borrows a buffer and returns a guard whose Release returns it.
// Release is safe to call multiple times and on every exit path, matching
// the reference's scoped-buffer RAII wrapper.
type Scoped struct {
	pool *Pool
	buf  []byte
	done bool
}

// BorrowScoped borrows a buffer and wraps it for scope-exit release.
func BorrowScoped(p *Pool, timeout time.Duration) (*Scoped, error) {
	buf, err := p.Borrow(timeout)
	if err != nil {
		return nil, err
	}
	return &Scoped{pool: p, buf: buf}, nil
}

// Bytes returns the underlying buffer. Valid only until Release.
func (s *Scoped) Bytes() []byte { return s.buf }

// Release returns the buffer to its pool. Idempotent.
func (s *Scoped) Release() {
	if s.done {
		return
	}
	s.done = true
	s.pool.Return(s.buf)
}
