package masterclient

import (
	"github.com/ryuldn-go/ryuldn-bridge/wire"
)

// CreateNetworkResult is returned by CreateNetwork/CreateNetworkPrivate.
type CreateNetworkResult struct {
	OK    bool
	Error wire.NetworkErrorCode
}

// CreateNetwork sends CreateAccessPoint, immediately emits a synthetic
// "dummy" NetworkInfo so games observing an instantaneous state change are
// satisfied (§9 Design Notes: a deliberate causality violation the
// implementation must preserve), then waits up to FailureTimeout for
// Connected.
func (c *Client) CreateNetwork(request []byte, advertiseData []byte) CreateNetworkResult {
	return c.createNetwork(wire.TypeCreateAccessPoint, request, advertiseData)
}

// CreateNetworkPrivate is the same shape with a different packet id.
func (c *Client) CreateNetworkPrivate(request []byte, advertiseData []byte) CreateNetworkResult {
	return c.createNetwork(wire.TypeCreateAccessPointPrivate, request, advertiseData)
}

func (c *Client) createNetwork(t wire.PacketType, request []byte, advertiseData []byte) CreateNetworkResult {
	c.setState(StateHostCreating)
	if err := c.send(t, request); err != nil {
		c.setState(StateError)
		return CreateNetworkResult{OK: false}
	}

	if c.cb.OnNetworkChange != nil {
		dummy, release := c.acquireBuf(wire.NetworkInfoSize)
		for i := range dummy {
			dummy[i] = 0
		}
		c.cb.OnNetworkChange(dummy, true)
		release()
	}

	if c.connectedEvt.Wait(FailureTimeout) {
		return CreateNetworkResult{OK: true}
	}
	if code, ok := c.takeLastError(); ok {
		return CreateNetworkResult{OK: false, Error: code}
	}
	return CreateNetworkResult{OK: false, Error: wire.NetErrConnectTimeout}
}

// ConnectResult is returned by Connect/ConnectPrivate.
type ConnectResult struct {
	OK    bool
	Error wire.NetworkErrorCode
}

// peerRelayReady is called by Connect after the request is sent, to wait for
// an attached peer-relay client to be ready; false fails the connect with
// NetErrConnectTimeout. nil means no peer-relay client is attached, so this
// step is skipped.
type peerRelayReady func() bool

// Connect sends Connect, optionally waits for an attached peer-relay
// client's readiness signal, then waits for Connected. A concurrently
// received NetworkError is consumed atomically and surfaces as the
// failure code.
func (c *Client) Connect(request []byte, ready peerRelayReady) ConnectResult {
	return c.connect(wire.TypeConnect, request, ready)
}

// ConnectPrivate is the private variant.
func (c *Client) ConnectPrivate(request []byte, ready peerRelayReady) ConnectResult {
	return c.connect(wire.TypeConnectPrivate, request, ready)
}

func (c *Client) connect(t wire.PacketType, request []byte, ready peerRelayReady) ConnectResult {
	c.setState(StateClientConnecting)
	if err := c.send(t, request); err != nil {
		c.setState(StateError)
		return ConnectResult{OK: false}
	}

	if ready != nil && !ready() {
		return ConnectResult{OK: false, Error: wire.NetErrConnectTimeout}
	}

	if c.connectedEvt.Wait(FailureTimeout) {
		c.setState(StateClientConnected)
		return ConnectResult{OK: true}
	}
	if code, ok := c.takeLastError(); ok {
		return ConnectResult{OK: false, Error: code}
	}
	return ConnectResult{OK: false, Error: wire.NetErrConnectTimeout}
}

// ScanResult holds the networks accumulated during one Scan call.
type ScanResult struct {
	Networks [][wire.NetworkInfoSize]byte
}

// Scan clears accumulated results, sends Scan, and waits up to ScanTimeout
// for ScanReplyEnd; each intervening ScanReply appends to the result. The
// caller's maxResults bounds how many are returned (the reference fills
// the caller's output buffer up to its capacity).
func (c *Client) Scan(filter []byte, maxResults int) ScanResult {
	c.setState(StateScanning)

	c.scanMu.Lock()
	c.scanResults = nil
	c.scanMu.Unlock()

	if err := c.send(wire.TypeScan, filter); err != nil {
		return ScanResult{}
	}

	c.scanEndEvt.Wait(ScanTimeout)

	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	results := c.scanResults
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	out := make([][wire.NetworkInfoSize]byte, len(results))
	copy(out, results)
	return ScanResult{Networks: out}
}

// RejectResult is returned by Reject.
type RejectResult struct {
	OK bool
}

// Reject sends a Reject request and waits for RejectReply up to
// InactiveTimeout.
func (c *Client) Reject(nodeID uint32, reason wire.DisconnectReason) RejectResult {
	req := wire.RejectRequest{NodeID: nodeID, DisconnectReason: reason}
	buf, release := c.acquireBuf(wire.RejectRequestSize)
	req.Encode(buf)
	err := c.send(wire.TypeReject, buf)
	release()
	if err != nil {
		return RejectResult{OK: false}
	}
	ok := c.rejectReplyEvt.Wait(InactiveTimeout)
	return RejectResult{OK: ok}
}

// SendPassphrase sends (or queues, if not yet connected) a passphrase
// update.
func (c *Client) SendPassphrase(passphrase string) error {
	p := wire.NewPassphrase(passphrase)
	if !c.connected.Load() {
		c.cfg.Passphrase = passphrase
		c.pendingPassphrase = true
		return nil
	}
	return c.send(wire.TypePassphrase, p[:])
}

// SendAdvertiseData pushes an updated advertise-data blob (SetAdvertiseData).
func (c *Client) SendAdvertiseData(data []byte) error {
	return c.send(wire.TypeSetAdvertiseData, data)
}

// SendDisconnect tells the server this client is leaving the network.
func (c *Client) SendDisconnect(ip uint32) error {
	buf, release := c.acquireBuf(wire.DisconnectMessageSize)
	defer release()
	copy(buf, []byte{byte(ip), byte(ip >> 8), byte(ip >> 16), byte(ip >> 24)})
	return c.send(wire.TypeDisconnect, buf)
}

// SendProxyData submits an outbound ProxyData frame — the fallback path
// used when no peer-relay client is attached.
func (c *Client) SendProxyData(info wire.ProxyInfo, data []byte) error {
	return c.send(wire.TypeProxyData, wire.EncodeProxyData(info, data))
}

// SendProxyConnect requests a proxy connection on behalf of a virtual
// socket.
func (c *Client) SendProxyConnect(info wire.ProxyInfo) error {
	buf, release := c.acquireBuf(wire.ProxyInfoSize)
	defer release()
	info.Encode(buf)
	return c.send(wire.TypeProxyConnect, buf)
}

// SendProxyConnectReply answers an inbound ProxyConnect.
func (c *Client) SendProxyConnectReply(info wire.ProxyInfo) error {
	buf, release := c.acquireBuf(wire.ProxyInfoSize)
	defer release()
	info.Encode(buf)
	return c.send(wire.TypeProxyConnectReply, buf)
}

// SendProxyDisconnect notifies the relay a proxied flow is torn down.
func (c *Client) SendProxyDisconnect(info wire.ProxyInfo, reason wire.DisconnectReason) error {
	d := wire.ProxyDisconnect{Info: info, Reason: reason}
	buf, release := c.acquireBuf(wire.ProxyDisconnectSize)
	defer release()
	d.Encode(buf)
	return c.send(wire.TypeProxyDisconnect, buf)
}
