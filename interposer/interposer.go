// Package interposer implements the BSD-socket interposer: a fixed-capacity
// fd table that classifies each descriptor as real or virtual and routes
// virtual-subnet traffic through the router instead of the host kernel
// (§4.10).
package interposer

import (
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ryuldn-go/ryuldn-bridge/router"
	"github.com/ryuldn-go/ryuldn-bridge/vsocket"
)

// Capacity is the fixed fd-table size; "sufficient and matches the host's
// small FD range" (§9 Design Notes).
const Capacity = 128

// Kind classifies a table entry.
type Kind int

const (
	KindUnused Kind = iota
	KindReal
	KindVirtual
)

var (
	ErrBadFD        = errors.New("interposer: bad descriptor")
	ErrTooManyFDs   = errors.New("interposer: descriptor table exhausted")
	ErrNotConnected = errors.New("interposer: virtual socket has no destination")
)

type entry struct {
	kind   Kind
	realFD int
	vsock  *vsocket.Socket
	proto  router.Protocol
}

// Table is the fd → {real, virtual} registry. Classification is sticky:
// once an fd is marked virtual it stays virtual until Close.
type Table struct {
	mu      sync.Mutex
	entries [Capacity]entry
	r       *router.Router
}

// New builds a table bound to r. r may be nil if this process never hosts a
// virtual subnet; in that case every fd stays real.
func New(r *router.Router) *Table {
	return &Table{r: r}
}

func (t *Table) allocLocked() (int, error) {
	for i := range t.entries {
		if t.entries[i].kind == KindUnused {
			return i, nil
		}
	}
	return -1, ErrTooManyFDs
}

func (t *Table) get(fd int) (*entry, error) {
	if fd < 0 || fd >= Capacity {
		return nil, ErrBadFD
	}
	e := &t.entries[fd]
	if e.kind == KindUnused {
		return nil, ErrBadFD
	}
	return e, nil
}

// Socket forwards to the host and registers the new fd as real.
func (t *Table) Socket(domain, typ, protocol int) (int, error) {
	realFD, err := unix.Socket(domain, typ, protocol)
	if err != nil {
		return -1, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	slot, err := t.allocLocked()
	if err != nil {
		unix.Close(realFD)
		return -1, err
	}
	proto := router.ProtocolUDP
	if typ == unix.SOCK_STREAM {
		proto = router.ProtocolTCP
	}
	t.entries[slot] = entry{kind: KindReal, realFD: realFD, proto: proto}
	return slot, nil
}

// Bind inspects the address: a non-wildcard address inside the virtual
// subnet marks the socket virtual and is handled entirely in-process.
func (t *Table) Bind(fd int, sa unix.Sockaddr) error {
	t.mu.Lock()
	e, err := t.get(fd)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	if ip, port, ok := virtualTarget(t.r, sa); ok {
		e.kind = KindVirtual
		proto := e.proto
		t.mu.Unlock()

		e.vsock = vsocket.New(t.r, proto)
		e.vsock.Bind(vsocket.Endpoint{IP: ip, Port: port})
		return nil
	}
	realFD := e.realFD
	t.mu.Unlock()
	return unix.Bind(realFD, sa)
}

// Connect analogously marks virtual when the destination is in the virtual
// subnet.
func (t *Table) Connect(fd int, sa unix.Sockaddr) error {
	t.mu.Lock()
	e, err := t.get(fd)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	if ip, port, ok := virtualTarget(t.r, sa); ok {
		e.kind = KindVirtual
		proto := e.proto
		vs := e.vsock
		t.mu.Unlock()

		if vs == nil {
			vs = vsocket.New(t.r, proto)
			t.mu.Lock()
			e.vsock = vs
			t.mu.Unlock()
			vs.Bind(vsocket.Endpoint{})
		}
		return vs.Connect(vsocket.Endpoint{IP: ip, Port: port})
	}
	realFD := e.realFD
	t.mu.Unlock()
	return unix.Connect(realFD, sa)
}

// Send requires a prior Connect on a virtual UDP fd; without a destination
// it fails with ENOTCONN, matching a real disconnected-UDP-socket send.
func (t *Table) Send(fd int, buf []byte) (int, error) {
	t.mu.Lock()
	e, err := t.get(fd)
	if err != nil {
		t.mu.Unlock()
		return -1, err
	}
	if e.kind != KindVirtual {
		realFD := e.realFD
		t.mu.Unlock()
		return unix.Write(realFD, buf)
	}
	vs := e.vsock
	t.mu.Unlock()

	n, err := vs.Send(buf)
	if err == vsocket.ErrNotConnected {
		return -1, unix.ENOTCONN
	}
	return n, err
}

// SendTo routes a virtual destination through the router; on failure it
// returns EHOSTUNREACH, matching a real unreachable-destination send.
func (t *Table) SendTo(fd int, buf []byte, sa unix.Sockaddr) (int, error) {
	t.mu.Lock()
	e, err := t.get(fd)
	if err != nil {
		t.mu.Unlock()
		return -1, err
	}
	if e.kind != KindVirtual {
		realFD := e.realFD
		t.mu.Unlock()
		if err := unix.Sendto(realFD, buf, 0, sa); err != nil {
			return -1, err
		}
		return len(buf), nil
	}
	vs := e.vsock
	t.mu.Unlock()

	ip, port, _ := virtualTarget(t.r, sa)
	n, err := vs.SendTo(buf, vsocket.Endpoint{IP: ip, Port: port})
	if err != nil {
		return -1, unix.EHOSTUNREACH
	}
	return n, nil
}

// Recv dequeues one packet from a virtual fd's receive queue; an empty
// queue on a non-blocking fd returns EWOULDBLOCK.
func (t *Table) Recv(fd int, buf []byte) (int, error) {
	t.mu.Lock()
	e, err := t.get(fd)
	if err != nil {
		t.mu.Unlock()
		return -1, err
	}
	if e.kind != KindVirtual {
		realFD := e.realFD
		t.mu.Unlock()
		return unix.Read(realFD, buf)
	}
	vs := e.vsock
	t.mu.Unlock()

	n, err := vs.Recv(buf, false)
	if err == vsocket.ErrWouldBlock {
		return -1, unix.EWOULDBLOCK
	}
	return n, err
}

// RecvFrom is Recv reporting the sender.
func (t *Table) RecvFrom(fd int, buf []byte) (int, unix.Sockaddr, error) {
	t.mu.Lock()
	e, err := t.get(fd)
	if err != nil {
		t.mu.Unlock()
		return -1, nil, err
	}
	if e.kind != KindVirtual {
		realFD := e.realFD
		t.mu.Unlock()
		n, sa, err := unix.Recvfrom(realFD, buf, 0)
		return n, sa, err
	}
	vs := e.vsock
	t.mu.Unlock()

	n, from, err := vs.RecvFrom(buf, false)
	if err == vsocket.ErrWouldBlock {
		return -1, nil, unix.EWOULDBLOCK
	}
	if err != nil {
		return n, nil, err
	}
	return n, endpointToSockaddr(from), nil
}

// Close notifies the router to clean up a virtual socket, forwards close to
// the host in all cases, and resets the slot.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	e, err := t.get(fd)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	kind := e.kind
	realFD := e.realFD
	vs := e.vsock
	t.entries[fd] = entry{}
	t.mu.Unlock()

	if kind == KindVirtual && vs != nil {
		vs.Close()
	}
	return unix.Close(realFD)
}

// virtualTarget extracts (ip, port) from sa and reports whether it names a
// non-wildcard address inside r's virtual subnet.
func virtualTarget(r *router.Router, sa unix.Sockaddr) (uint32, uint16, bool) {
	if r == nil {
		return 0, 0, false
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, 0, false
	}
	// The rest of the package treats IPs as the raw octets reinterpreted via
	// LittleEndian.Uint32, matching wire.ProxyConfig/ProxyInfo's encoding of
	// the same field (§6 Wire) -- not a "host byte order" IP.
	ip := binary.LittleEndian.Uint32(sa4.Addr[:])
	if ip == 0 {
		return 0, 0, false
	}
	if !r.IsVirtualIP(ip) {
		return 0, 0, false
	}
	return ip, uint16(sa4.Port), true
}

func endpointToSockaddr(ep vsocket.Endpoint) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(ep.Port)}
	binary.LittleEndian.PutUint32(sa.Addr[:], ep.IP)
	return sa
}
