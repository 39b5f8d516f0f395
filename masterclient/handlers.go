package masterclient

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ryuldn-go/ryuldn-bridge/wire"
)

// handlePacket is installed as the streaming decoder's dispatch callback;
// it runs on the worker goroutine and must not block.
func (c *Client) handlePacket(t wire.PacketType, payload []byte) {
	switch t {
	case wire.TypeInitialize:
		c.onInitializeReply(payload)
	case wire.TypeConnected:
		c.onConnected(payload)
	case wire.TypeSyncNetwork:
		c.onSyncNetwork(payload)
	case wire.TypeDisconnect:
		c.onDisconnect(payload)
	case wire.TypeRejectReply:
		c.rejectReplyEvt.Signal()
	case wire.TypeScanReply:
		c.onScanReply(payload)
	case wire.TypeScanReplyEnd:
		c.scanEndEvt.Signal()
	case wire.TypeProxyConfig:
		c.onProxyConfig(payload)
	case wire.TypeProxyData:
		c.onProxyData(payload)
	case wire.TypePing:
		c.onPing(payload)
	case wire.TypeNetworkError:
		c.onNetworkError(payload)
	case wire.TypeExternalProxy:
		c.onExternalProxy(payload)
	case wire.TypeExternalProxyToken:
		c.onExternalProxyToken(payload)
	case wire.TypeExternalProxyState:
		c.onExternalProxyState(payload)
	default:
		log.Debug().Str("type", t.String()).Msg("masterclient: unhandled packet type")
	}
}

func (c *Client) onInitializeReply(payload []byte) {
	m, err := wire.DecodeInitialize(payload)
	if err != nil {
		return
	}
	c.identity = m.ID
}

func (c *Client) onConnected(payload []byte) {
	c.setState(StateHostActive)
	c.connectedEvt.Signal()
	if c.cb.OnNetworkChange != nil {
		c.cb.OnNetworkChange(payload, true)
	}
}

func (c *Client) onSyncNetwork(payload []byte) {
	if c.cb.OnNetworkChange != nil {
		c.cb.OnNetworkChange(payload, true)
	}
}

func (c *Client) onDisconnect(payload []byte) {
	c.setState(StateNone)
	if c.cb.OnNetworkChange != nil {
		c.cb.OnNetworkChange(nil, false)
	}
}

func (c *Client) onScanReply(payload []byte) {
	info, err := wire.DecodeNetworkInfo(payload)
	if err != nil {
		log.Warn().Err(err).Msg("masterclient: malformed ScanReply")
		return
	}
	c.scanMu.Lock()
	c.scanResults = append(c.scanResults, info)
	c.scanMu.Unlock()
}

func (c *Client) onProxyConfig(payload []byte) {
	cfg, err := wire.DecodeProxyConfig(payload)
	if err != nil {
		return
	}
	if c.cb.OnProxyConfig != nil {
		c.cb.OnProxyConfig(cfg)
	}
}

func (c *Client) onProxyData(payload []byte) {
	info, data, err := wire.DecodeProxyData(payload)
	if err != nil {
		return
	}
	if c.cb.OnProxyData != nil {
		c.cb.OnProxyData(info, data)
	}
}

func (c *Client) onPing(payload []byte) {
	p, err := wire.DecodePingMessage(payload)
	if err != nil {
		return
	}
	if p.Requester == 0 {
		// server-originated ping: echo immediately.
		buf := make([]byte, wire.PingMessageSize)
		p.Encode(buf)
		if err := c.send(wire.TypePing, buf); err != nil {
			log.Warn().Err(err).Msg("masterclient: ping echo failed")
		}
		return
	}

	// echoed reply to a ping we originated: record RTT.
	c.pingMu.Lock()
	sentAt, ok := c.pingSent[p.ID]
	if ok {
		delete(c.pingSent, p.ID)
	}
	c.pingMu.Unlock()
	if ok {
		c.pingMu.Lock()
		c.lastPing = time.Since(sentAt)
		c.pingMu.Unlock()
	}
}

// SendPing originates a ping round-trip and records its send time for RTT
// accounting (SPEC_FULL supplemented feature #4).
func (c *Client) SendPing() error {
	c.pingMu.Lock()
	c.pingSeq++
	id := c.pingSeq
	c.pingSent[id] = time.Now()
	c.pingMu.Unlock()

	p := wire.PingMessage{Requester: 1, ID: id}
	buf := make([]byte, wire.PingMessageSize)
	p.Encode(buf)
	return c.send(wire.TypePing, buf)
}

func (c *Client) onNetworkError(payload []byte) {
	m, err := wire.DecodeNetworkErrorMessage(payload)
	if err != nil {
		return
	}
	if m.Error == wire.NetErrPortUnreachable {
		c.peerRelayDisabled.Store(true)
	}
	c.errMu.Lock()
	c.lastError = m.Error
	c.haveError = true
	c.errMu.Unlock()
}

func (c *Client) onExternalProxy(payload []byte) {
	cfg, err := wire.DecodeExternalProxyConfig(payload)
	if err != nil {
		return
	}
	if c.cb.OnExternalProxy != nil {
		c.cb.OnExternalProxy(cfg)
	}
}

func (c *Client) onExternalProxyToken(payload []byte) {
	tok, err := wire.DecodeExternalProxyToken(payload)
	if err != nil {
		return
	}
	if c.cb.OnExternalProxyToken != nil {
		c.cb.OnExternalProxyToken(tok)
	}
}

func (c *Client) onExternalProxyState(payload []byte) {
	st, err := wire.DecodeExternalProxyConnectionState(payload)
	if err != nil {
		return
	}
	if c.cb.OnExternalProxyState != nil {
		c.cb.OnExternalProxyState(st)
	}
}

// takeLastError consumes and clears the last stored protocol error, per
// the "consumed once" contract (§7).
func (c *Client) takeLastError() (wire.NetworkErrorCode, bool) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if !c.haveError {
		return 0, false
	}
	c.haveError = false
	return c.lastError, true
}

// PeerRelayDisabled reports whether a PortUnreachable error has disabled
// peer-relay mode for subsequent CreateNetwork calls.
func (c *Client) PeerRelayDisabled() bool {
	return c.peerRelayDisabled.Load()
}

// SetAcceptPolicy updates the access point's incoming-connection gate
// (SPEC_FULL supplemented feature #3) and notifies the server.
func (c *Client) SetAcceptPolicy(p wire.AcceptPolicy) error {
	c.acceptPolicyMu.Lock()
	c.acceptPolicy = p
	c.acceptPolicyMu.Unlock()
	return c.send(wire.TypeSetAcceptPolicy, []byte{byte(p)})
}

// AcceptPolicy returns the currently configured accept policy.
func (c *Client) AcceptPolicy() wire.AcceptPolicy {
	c.acceptPolicyMu.Lock()
	defer c.acceptPolicyMu.Unlock()
	return c.acceptPolicy
}
