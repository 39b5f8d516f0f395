// Package vsocket implements the virtual socket: a BSD-socket-shaped
// endpoint scoped to the LDN proxy's virtual subnet, backed by ProxyConnect
// / ProxyData / ProxyDisconnect frames instead of a real kernel socket
// (§4.6).
package vsocket

import (
	"errors"
	"sync"
	"time"

	"github.com/ryuldn-go/ryuldn-bridge/internal/event"
	"github.com/ryuldn-go/ryuldn-bridge/router"
	"github.com/ryuldn-go/ryuldn-bridge/wire"
)

var (
	ErrWouldBlock   = errors.New("vsocket: would block")
	ErrNotBound     = errors.New("vsocket: not bound")
	ErrNotConnected = errors.New("vsocket: not connected")
	ErrListening    = errors.New("vsocket: socket is listening")
	ErrRefused      = errors.New("vsocket: connection refused")
	ErrTimeout      = errors.New("vsocket: timed out")
	ErrMessageSize  = errors.New("vsocket: message truncated")
	ErrShutdown     = errors.New("vsocket: shut down")
)

// Endpoint is a virtual (ip, port) pair.
type Endpoint struct {
	IP   uint32
	Port uint16
}

// How selects which half of a socket shutdown() affects.
type How int

const (
	ShutRead How = iota
	ShutWrite
	ShutBoth
)

const (
	DefaultAcceptTimeout  = 10 * time.Second
	DefaultReceiveTimeout = 5 * time.Second
)

// packet is one queued datagram (UDP) or stream chunk (TCP) awaiting recv.
type packet struct {
	from Endpoint
	data []byte
}

// Socket is a virtual BSD-style socket. The zero value is not usable; build
// one with New.
type Socket struct {
	router   *router.Router
	protocol router.Protocol

	mu          sync.Mutex
	local       Endpoint
	remote      Endpoint
	bound       bool
	listening   bool
	connecting  bool
	connected   bool
	blocking    bool
	broadcast   bool
	shutRead    bool
	shutWrite   bool
	acceptQueue []wire.ProxyInfo
	recvQueue   []packet

	acceptEvt  *event.Event
	connectEvt *event.Event
	recvEvt    *event.Event

	acceptTimeout  time.Duration
	receiveTimeout time.Duration

	lastConnectRefused bool
}

// New builds a virtual socket bound to r and registers it immediately so it
// can receive dispatch before bind() assigns a concrete local port.
func New(r *router.Router, protocol router.Protocol) *Socket {
	s := &Socket{
		router:         r,
		protocol:       protocol,
		blocking:       true,
		acceptEvt:      event.New(),
		connectEvt:     event.New(),
		recvEvt:        event.New(),
		acceptTimeout:  DefaultAcceptTimeout,
		receiveTimeout: DefaultReceiveTimeout,
	}
	r.RegisterSocket(s)
	return s
}

// Protocol implements router.Socket.
func (s *Socket) Protocol() router.Protocol { return s.protocol }

// LocalPort implements router.Socket.
func (s *Socket) LocalPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.Port
}

// LocalIP implements router.Socket.
func (s *Socket) LocalIP() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.IP
}

// AcceptsBroadcast implements router.Socket.
func (s *Socket) AcceptsBroadcast() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcast
}

// SetBroadcast toggles whether this socket receives broadcast-addressed
// traffic on its port.
func (s *Socket) SetBroadcast(v bool) {
	s.mu.Lock()
	s.broadcast = v
	s.mu.Unlock()
}

// SetBlocking toggles blocking mode; non-blocking calls return ErrWouldBlock
// instead of waiting on an event.
func (s *Socket) SetBlocking(v bool) {
	s.mu.Lock()
	s.blocking = v
	s.mu.Unlock()
}

// SetAcceptTimeout overrides the default accept() wait bound.
func (s *Socket) SetAcceptTimeout(d time.Duration) {
	s.mu.Lock()
	s.acceptTimeout = d
	s.mu.Unlock()
}

// SetReceiveTimeout overrides the default recv() wait bound.
func (s *Socket) SetReceiveTimeout(d time.Duration) {
	s.mu.Lock()
	s.receiveTimeout = d
	s.mu.Unlock()
}

// LocalEndpoint returns the bound local endpoint, zero if unbound.
func (s *Socket) LocalEndpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Bind allocates an ephemeral port if local.Port is 0, or keeps a prior
// ephemeral assignment across repeat calls.
func (s *Socket) Bind(local Endpoint) Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound {
		return s.local
	}

	if local.Port == 0 {
		local.Port = s.router.PortPool(s.protocol).Allocate()
	}
	s.local = local
	s.bound = true
	return s.local
}

// Connect requests a proxy connection to remote. Blocking sockets wait (up
// to acceptTimeout, matching the reference's connect timeout reuse) for a
// ProxyConnectReply; a reply with SourceIP==0 means refused.
func (s *Socket) Connect(remote Endpoint) error {
	s.mu.Lock()
	if !s.bound {
		s.mu.Unlock()
		return ErrNotBound
	}
	if s.listening {
		s.mu.Unlock()
		return ErrListening
	}
	s.remote = remote
	s.connecting = true
	local := s.local
	blocking := s.blocking
	timeout := s.acceptTimeout
	s.mu.Unlock()

	info := wire.ProxyInfo{
		SourceIP:   local.IP,
		SourcePort: local.Port,
		DestIP:     remote.IP,
		DestPort:   remote.Port,
		Protocol:   protocolCode(s.protocol),
	}
	if err := s.router.RequestConnection(info); err != nil {
		return err
	}

	if !blocking {
		return ErrWouldBlock
	}

	if !s.connectEvt.Wait(timeout) {
		return ErrTimeout
	}

	s.mu.Lock()
	refused := s.lastConnectRefused
	s.mu.Unlock()
	if refused {
		return ErrRefused
	}
	return nil
}

// Listen marks this socket as a listener; subsequent matching ProxyConnect
// requests enqueue for Accept instead of being treated as unsolicited data.
func (s *Socket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bound {
		return ErrNotBound
	}
	s.listening = true
	return nil
}

// Accept waits up to acceptTimeout for a pending connect request and
// returns a newly connected child socket.
func (s *Socket) Accept() (*Socket, Endpoint, error) {
	for {
		s.mu.Lock()
		if len(s.acceptQueue) > 0 {
			info := s.acceptQueue[0]
			s.acceptQueue = s.acceptQueue[1:]
			timeout := s.acceptTimeout
			s.mu.Unlock()
			_ = timeout
			child := s.asAccepted(info)
			return child, Endpoint{IP: info.SourceIP, Port: info.SourcePort}, nil
		}
		timeout := s.acceptTimeout
		s.mu.Unlock()

		if !s.acceptEvt.Wait(timeout) {
			return nil, Endpoint{}, ErrTimeout
		}
	}
}

// asAccepted builds the child socket for an accepted connection: allocates
// its own ephemeral local endpoint sharing the listener's IP, marks it
// connected (New has already registered it), and replies with
// ProxyConnectReply.
func (s *Socket) asAccepted(info wire.ProxyInfo) *Socket {
	child := New(s.router, s.protocol)
	child.mu.Lock()
	child.local = Endpoint{IP: info.DestIP, Port: s.router.PortPool(s.protocol).Allocate()}
	child.remote = Endpoint{IP: info.SourceIP, Port: info.SourcePort}
	child.bound = true
	child.connected = true
	child.mu.Unlock()

	reply := wire.ProxyInfo{
		SourceIP:   child.local.IP,
		SourcePort: child.local.Port,
		DestIP:     info.SourceIP,
		DestPort:   info.SourcePort,
		Protocol:   protocolCode(s.protocol),
	}
	s.router.SignalConnected(reply)
	return child
}

// Send requires a connected socket and forwards to the stored remote.
func (s *Socket) Send(buf []byte) (int, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}
	remote := s.remote
	s.mu.Unlock()
	return s.SendTo(buf, remote)
}

// SendTo emits a ProxyData frame to dest. UDP never blocks.
func (s *Socket) SendTo(buf []byte, dest Endpoint) (int, error) {
	s.mu.Lock()
	local := s.local
	writeShut := s.shutWrite
	connected := s.connected
	s.mu.Unlock()
	if writeShut {
		return 0, ErrShutdown
	}
	if s.protocol == router.ProtocolTCP && !connected {
		return 0, ErrNotConnected
	}

	info := wire.ProxyInfo{
		SourceIP:   local.IP,
		SourcePort: local.Port,
		DestIP:     dest.IP,
		DestPort:   dest.Port,
		Protocol:   protocolCode(s.protocol),
	}
	if err := s.router.SendData(info, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// RecvFrom pops the next queued packet. When buf is smaller than the packet,
// TCP keeps the unread remainder queued, while UDP drops it and returns
// ErrMessageSize.
func (s *Socket) RecvFrom(buf []byte, peek bool) (int, Endpoint, error) {
	for {
		s.mu.Lock()
		if len(s.recvQueue) > 0 {
			head := s.recvQueue[0]
			n := copy(buf, head.data)

			if peek {
				s.mu.Unlock()
				return n, head.from, nil
			}

			if n < len(head.data) {
				if s.protocol == router.ProtocolTCP {
					s.recvQueue[0].data = head.data[n:]
					s.mu.Unlock()
					return n, head.from, nil
				}
				s.recvQueue = s.recvQueue[1:]
				s.mu.Unlock()
				return n, head.from, ErrMessageSize
			}

			s.recvQueue = s.recvQueue[1:]
			s.mu.Unlock()
			return n, head.from, nil
		}

		if s.shutRead {
			s.mu.Unlock()
			return 0, Endpoint{}, nil
		}

		blocking := s.blocking
		timeout := s.receiveTimeout
		s.mu.Unlock()

		if !blocking {
			return 0, Endpoint{}, ErrWouldBlock
		}
		if !s.recvEvt.Wait(timeout) {
			return 0, Endpoint{}, ErrTimeout
		}
	}
}

// Recv is RecvFrom discarding the sender.
func (s *Socket) Recv(buf []byte, peek bool) (int, error) {
	n, _, err := s.RecvFrom(buf, peek)
	return n, err
}

// Shutdown sets the requested half-close flags; shutting down read also
// wakes any blocked receiver with a graceful EOF.
func (s *Socket) Shutdown(how How) {
	s.mu.Lock()
	if how == ShutRead || how == ShutBoth {
		s.shutRead = true
	}
	if how == ShutWrite || how == ShutBoth {
		s.shutWrite = true
	}
	s.mu.Unlock()
	if how == ShutRead || how == ShutBoth {
		s.recvEvt.Signal()
	}
}

// Close unregisters from the router, releases the ephemeral port, and
// signals a proxy disconnect if the socket was connected.
func (s *Socket) Close() {
	s.mu.Lock()
	local := s.local
	remote := s.remote
	wasConnected := s.connected
	bound := s.bound
	s.mu.Unlock()

	s.router.UnregisterSocket(s)
	if bound {
		s.router.PortPool(s.protocol).Release(local.Port)
	}
	if wasConnected {
		info := wire.ProxyInfo{
			SourceIP:   local.IP,
			SourcePort: local.Port,
			DestIP:     remote.IP,
			DestPort:   remote.Port,
			Protocol:   protocolCode(s.protocol),
		}
		s.router.EndConnection(info, wire.DisconnectedByUser)
	}
}

// HandleProxyConnect implements router.Socket: a listening socket enqueues
// the request for Accept; a non-listening socket silently ignores it
// (unsolicited connect attempts are not a recv-queue event).
func (s *Socket) HandleProxyConnect(info wire.ProxyInfo) {
	s.mu.Lock()
	listening := s.listening
	if listening {
		s.acceptQueue = append(s.acceptQueue, info)
	}
	s.mu.Unlock()
	if listening {
		s.acceptEvt.Signal()
	}
}

// HandleProxyConnectReply implements router.Socket.
func (s *Socket) HandleProxyConnectReply(info wire.ProxyInfo) {
	s.mu.Lock()
	if !s.connecting {
		s.mu.Unlock()
		return
	}
	s.connecting = false
	s.lastConnectRefused = info.SourceIP == 0
	if !s.lastConnectRefused {
		s.connected = true
	}
	s.mu.Unlock()
	s.connectEvt.Signal()
}

// HandleProxyData implements router.Socket.
func (s *Socket) HandleProxyData(info wire.ProxyInfo, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.recvQueue = append(s.recvQueue, packet{from: Endpoint{IP: info.SourceIP, Port: info.SourcePort}, data: cp})
	s.mu.Unlock()
	s.recvEvt.Signal()
}

// HandleProxyDisconnect implements router.Socket.
func (s *Socket) HandleProxyDisconnect(info wire.ProxyInfo, reason wire.DisconnectReason) {
	s.mu.Lock()
	s.connected = false
	s.shutRead = true
	s.mu.Unlock()
	s.recvEvt.Signal()
}

func protocolCode(p router.Protocol) uint32 {
	if p == router.ProtocolTCP {
		return 6
	}
	return 17
}
