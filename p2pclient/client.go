// Package p2pclient implements the peer relay client: the direct,
// master-bypassing connection a joining client opens to a hosting peer's
// relay server once the master advertises it (§4.9).
package p2pclient

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ryuldn-go/ryuldn-bridge/bufpool"
	"github.com/ryuldn-go/ryuldn-bridge/internal/event"
	"github.com/ryuldn-go/ryuldn-bridge/wire"
)

var (
	ErrNotConnected = errors.New("p2pclient: not connected")
	ErrTimeout      = errors.New("p2pclient: timed out")
)

// Callbacks bundles the hooks the router installs to receive proxy traffic
// arriving over this direct connection.
type Callbacks struct {
	OnProxyConnect      func(info wire.ProxyInfo)
	OnProxyConnectReply func(info wire.ProxyInfo)
	OnProxyData         func(info wire.ProxyInfo, data []byte)
	OnProxyDisconnect   func(info wire.ProxyInfo, reason wire.DisconnectReason)
}

// Client is one direct peer-relay connection. It satisfies router.Uplink so
// the router can be pointed at it in place of the master client once a
// direct path is ready.
type Client struct {
	cb Callbacks

	connMu sync.Mutex
	conn   net.Conn

	sendMu sync.Mutex

	decoder *wire.Decoder

	connectedEvt *event.Event
	readyEvt     *event.Event

	mu       sync.Mutex
	proxyCfg wire.ProxyConfig

	stopCh chan struct{}
	wg     sync.WaitGroup

	pool *bufpool.Pool
}

// New builds an unconnected client.
func New(cb Callbacks) *Client {
	return &Client{
		cb:           cb,
		decoder:      wire.NewDecoder(),
		connectedEvt: event.New(),
		readyEvt:     event.New(),
		pool:         bufpool.New(bufpool.DefaultCapacity, bufpool.DefaultSlotSize),
	}
}

// bufBorrowTimeout bounds how long an outbound-encode call waits for a
// pool slot before falling back to a direct allocation.
const bufBorrowTimeout = 5 * time.Millisecond

// acquireBuf returns a size-length scratch buffer, preferring the client's
// pool and falling back to a direct allocation when it is exhausted. The
// returned release func must be called once the buffer is no longer needed.
func (c *Client) acquireBuf(size int) (buf []byte, release func()) {
	full, err := c.pool.Borrow(bufBorrowTimeout)
	if err != nil {
		return make([]byte, size), func() {}
	}
	return full[:size], func() { c.pool.Return(full) }
}

// Dial opens the TCP connection, sets TCP_NODELAY, and starts the receive
// goroutine.
func (c *Client) Dial(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.recvLoop()

	c.connectedEvt.Signal()
	return nil
}

// Close shuts the connection down and waits for the receive goroutine to
// exit.
func (c *Client) Close() {
	if c.stopCh != nil {
		select {
		case <-c.stopCh:
		default:
			close(c.stopCh)
		}
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
}

// PerformAuth waits for the connection event, then sends the token issued
// by the master's ExternalProxy advertisement.
func (c *Client) PerformAuth(token [16]byte, timeout time.Duration) error {
	if !c.connectedEvt.Wait(timeout) {
		return ErrTimeout
	}
	auth := wire.ExternalProxyAuth{Token: token}
	buf, release := c.acquireBuf(wire.ExternalProxyAuthSize)
	defer release()
	auth.Encode(buf)
	return c.send(wire.TypeExternalProxy, buf)
}

// EnsureProxyReady waits up to timeout for the ProxyConfig that follows
// successful authentication.
func (c *Client) EnsureProxyReady(timeout time.Duration) bool {
	return c.readyEvt.Wait(timeout)
}

// ProxyConfig returns the virtual subnet assignment received from the host,
// valid once EnsureProxyReady returns true.
func (c *Client) ProxyConfig() wire.ProxyConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proxyCfg
}

func (c *Client) recvLoop() {
	defer c.wg.Done()
	// Held for the connection's whole lifetime, unlike the short-lived
	// encode scratch buffers routed through acquireBuf, so it is allocated
	// directly rather than pinning a slot out of the small shared pool.
	buf := make([]byte, 4096)
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := c.decoder.Feed(buf[:n], c.handlePacket); ferr != nil {
				log.Warn().Err(ferr).Msg("p2pclient: framing error")
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) handlePacket(t wire.PacketType, payload []byte) {
	switch t {
	case wire.TypeProxyConfig:
		cfg, err := wire.DecodeProxyConfig(payload)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.proxyCfg = cfg
		c.mu.Unlock()
		c.readyEvt.Signal()
	case wire.TypeProxyConnect:
		info, err := wire.DecodeProxyInfo(payload)
		if err == nil && c.cb.OnProxyConnect != nil {
			c.cb.OnProxyConnect(info)
		}
	case wire.TypeProxyConnectReply:
		info, err := wire.DecodeProxyInfo(payload)
		if err == nil && c.cb.OnProxyConnectReply != nil {
			c.cb.OnProxyConnectReply(info)
		}
	case wire.TypeProxyData:
		info, data, err := wire.DecodeProxyData(payload)
		if err == nil && c.cb.OnProxyData != nil {
			c.cb.OnProxyData(info, data)
		}
	case wire.TypeProxyDisconnect:
		d, err := wire.DecodeProxyDisconnect(payload)
		if err == nil && c.cb.OnProxyDisconnect != nil {
			c.cb.OnProxyDisconnect(d.Info, d.Reason)
		}
	}
}

func (c *Client) send(t wire.PacketType, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	_, err := conn.Write(wire.Encode(t, payload))
	return err
}

// SendProxyConnect implements router.Uplink.
func (c *Client) SendProxyConnect(info wire.ProxyInfo) error {
	buf, release := c.acquireBuf(wire.ProxyInfoSize)
	defer release()
	info.Encode(buf)
	return c.send(wire.TypeProxyConnect, buf)
}

// SendProxyConnectReply implements router.Uplink.
func (c *Client) SendProxyConnectReply(info wire.ProxyInfo) error {
	buf, release := c.acquireBuf(wire.ProxyInfoSize)
	defer release()
	info.Encode(buf)
	return c.send(wire.TypeProxyConnectReply, buf)
}

// SendProxyData implements router.Uplink.
func (c *Client) SendProxyData(info wire.ProxyInfo, data []byte) error {
	return c.send(wire.TypeProxyData, wire.EncodeProxyData(info, data))
}

// SendProxyDisconnect implements router.Uplink.
func (c *Client) SendProxyDisconnect(info wire.ProxyInfo, reason wire.DisconnectReason) error {
	d := wire.ProxyDisconnect{Info: info, Reason: reason}
	buf, release := c.acquireBuf(wire.ProxyDisconnectSize)
	defer release()
	d.Encode(buf)
	return c.send(wire.TypeProxyDisconnect, buf)
}
