// Package router implements the LDN proxy router: the registry of virtual
// sockets and the per-protocol ephemeral port pools backing them, plus
// dispatch of inbound proxy control/data frames to the sockets they target
// (§4.7).
package router

import (
	"sync"

	"github.com/ryuldn-go/ryuldn-bridge/ports"
	"github.com/ryuldn-go/ryuldn-bridge/wire"
)

// Protocol distinguishes UDP and TCP virtual sockets, each with its own
// ephemeral port pool.
type Protocol int

const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
)

// Uplink is how the router emits encoded frames upstream — either the
// master relay client (fallback path) or an attached peer relay client
// (direct path). Both satisfy this interface.
type Uplink interface {
	SendProxyConnect(info wire.ProxyInfo) error
	SendProxyConnectReply(info wire.ProxyInfo) error
	SendProxyData(info wire.ProxyInfo, data []byte) error
	SendProxyDisconnect(info wire.ProxyInfo, reason wire.DisconnectReason) error
}

// Socket is the subset of a virtual socket's behavior the router needs to
// dispatch inbound events to it.
type Socket interface {
	Protocol() Protocol
	LocalPort() uint16
	AcceptsBroadcast() bool
	LocalIP() uint32
	HandleProxyConnect(info wire.ProxyInfo)
	HandleProxyConnectReply(info wire.ProxyInfo)
	HandleProxyData(info wire.ProxyInfo, data []byte)
	HandleProxyDisconnect(info wire.ProxyInfo, reason wire.DisconnectReason)
}

// Router owns the socket registry and port pools for one virtual subnet
// assignment.
type Router struct {
	cfg    wire.ProxyConfig
	uplink Uplink

	mu      sync.RWMutex
	sockets []Socket // registration order preserved for tie-break fan-out

	portsUDP *ports.Pool
	portsTCP *ports.Pool

	// encodeMu serializes the shared packet-encode path, matching §4.7's
	// per-router shared encode buffer; Go's per-call allocation does not
	// need the buffer itself serialized, but outbound ordering for a given
	// destination still flows through here under one lock.
	encodeMu sync.Mutex
}

// New constructs a router for the given virtual subnet assignment.
func New(cfg wire.ProxyConfig, uplink Uplink) *Router {
	return &Router{
		cfg:      cfg,
		uplink:   uplink,
		portsUDP: ports.New(),
		portsTCP: ports.New(),
	}
}

// Config returns the virtual subnet assignment this router was built with.
func (r *Router) Config() wire.ProxyConfig { return r.cfg }

// IsVirtualIP reports whether ip falls inside this router's subnet.
func (r *Router) IsVirtualIP(ip uint32) bool {
	return (ip & r.cfg.SubnetMask) == (r.cfg.ProxyIP & r.cfg.SubnetMask)
}

// IsBroadcast reports whether ip is this subnet's broadcast address.
func (r *Router) IsBroadcast(ip uint32) bool {
	return ip == r.cfg.Broadcast()
}

// PortPool returns the ephemeral port pool for the given protocol.
func (r *Router) PortPool(p Protocol) *ports.Pool {
	if p == Protocol(ProtocolTCP) {
		return r.portsTCP
	}
	return r.portsUDP
}

// RegisterSocket adds s to the registry. Sockets register themselves on
// construction (§3 Virtual socket ownership invariant).
func (r *Router) RegisterSocket(s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets = append(r.sockets, s)
}

// UnregisterSocket removes s from the registry. Sockets unregister on
// close.
func (r *Router) UnregisterSocket(s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.sockets {
		if existing == s {
			r.sockets = append(r.sockets[:i], r.sockets[i+1:]...)
			return
		}
	}
}

// matching returns, in registration order, every socket whose protocol and
// local port match the packet's destination.
func (r *Router) matching(proto Protocol, destPort uint16, broadcast bool) []Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Socket
	for _, s := range r.sockets {
		if s.Protocol() != proto || s.LocalPort() != destPort {
			continue
		}
		if broadcast && !s.AcceptsBroadcast() {
			continue
		}
		out = append(out, s)
	}
	return out
}

func protocolFromWire(p uint32) Protocol {
	if p == 6 {
		return ProtocolTCP
	}
	return ProtocolUDP
}

// HandleProxyConnect dispatches an inbound connection request to every
// listening socket matching (protocol, dest port), in registration order.
// A unicast destination matching no socket is silently dropped (§4.7).
func (r *Router) HandleProxyConnect(info wire.ProxyInfo) {
	broadcast := r.IsBroadcast(info.DestIP)
	for _, s := range r.matching(protocolFromWire(info.Protocol), info.DestPort, broadcast) {
		s.HandleProxyConnect(info)
	}
}

// HandleProxyConnectReply dispatches a connect reply to the requesting
// socket.
func (r *Router) HandleProxyConnectReply(info wire.ProxyInfo) {
	for _, s := range r.matching(protocolFromWire(info.Protocol), info.DestPort, false) {
		s.HandleProxyConnectReply(info)
	}
}

// HandleProxyData dispatches incoming data to every matching socket.
func (r *Router) HandleProxyData(info wire.ProxyInfo, data []byte) {
	broadcast := r.IsBroadcast(info.DestIP)
	for _, s := range r.matching(protocolFromWire(info.Protocol), info.DestPort, broadcast) {
		s.HandleProxyData(info, data)
	}
}

// HandleProxyDisconnect dispatches a proxy teardown notice.
func (r *Router) HandleProxyDisconnect(info wire.ProxyInfo, reason wire.DisconnectReason) {
	for _, s := range r.matching(protocolFromWire(info.Protocol), info.DestPort, false) {
		s.HandleProxyDisconnect(info, reason)
	}
}

// RequestConnection encodes and forwards a ProxyConnect to the parent
// relay.
func (r *Router) RequestConnection(info wire.ProxyInfo) error {
	r.encodeMu.Lock()
	defer r.encodeMu.Unlock()
	return r.uplink.SendProxyConnect(info)
}

// SignalConnected encodes and forwards a ProxyConnectReply.
func (r *Router) SignalConnected(info wire.ProxyInfo) error {
	r.encodeMu.Lock()
	defer r.encodeMu.Unlock()
	return r.uplink.SendProxyConnectReply(info)
}

// EndConnection encodes and forwards a ProxyDisconnect.
func (r *Router) EndConnection(info wire.ProxyInfo, reason wire.DisconnectReason) error {
	r.encodeMu.Lock()
	defer r.encodeMu.Unlock()
	return r.uplink.SendProxyDisconnect(info, reason)
}

// SendData encodes and forwards a ProxyData frame.
func (r *Router) SendData(info wire.ProxyInfo, data []byte) error {
	r.encodeMu.Lock()
	defer r.encodeMu.Unlock()
	return r.uplink.SendProxyData(info, data)
}
