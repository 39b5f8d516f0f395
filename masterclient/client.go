// Package masterclient implements the long-lived TCP client to the
// rendezvous (master) relay server: connection lifecycle, the receive
// worker, and scan/connect/reject request-reply coordination with timeouts
// (§4.5).
package masterclient

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ryuldn-go/ryuldn-bridge/bufpool"
	"github.com/ryuldn-go/ryuldn-bridge/internal/event"
	"github.com/ryuldn-go/ryuldn-bridge/wire"
)

// Timeouts match the reference implementation exactly (§4.5, network_timeout.hpp).
const (
	FailureTimeout  = 4000 * time.Millisecond
	ScanTimeout     = 1000 * time.Millisecond
	InactiveTimeout = 6000 * time.Millisecond

	workerIdle  = 10 * time.Millisecond
	sendRetryN  = 1000
	sendRetryDt = 1 * time.Millisecond
)

// State is the session lifecycle exposed to the orchestrator's session
// snapshot (§3).
type State int

const (
	StateNone State = iota
	StateInitialized
	StateScanning
	StateHostCreating
	StateHostActive
	StateClientConnecting
	StateClientConnected
	StateDisconnecting
	StateError
)

var stateNames = [...]string{
	"none", "initialized", "scanning", "host_creating", "host_active",
	"client_connecting", "client_connected", "disconnecting", "error",
}

// String names the state for logging and metric labels.
func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var ErrNotConnected = errors.New("masterclient: not connected")
var ErrTimeout = errors.New("masterclient: request timed out")
var ErrRefused = errors.New("masterclient: connect refused")

// Config holds everything needed to reach the rendezvous server.
type Config struct {
	ServerHost string
	ServerPort uint16
	Passphrase string
	UseP2P     bool
}

// NetworkChangeFunc is invoked on every network state transition; info is
// the raw (possibly synthetic) NetworkInfo blob, exactly as the reference
// client's network-change callback delivers it.
type NetworkChangeFunc func(info []byte, connected bool)

// ProxyConfigFunc fires once per ProxyConfig receipt, the orchestrator's
// signal to construct the router.
type ProxyConfigFunc func(cfg wire.ProxyConfig)

// ProxyDataFunc forwards decoded ProxyData frames to the router.
type ProxyDataFunc func(info wire.ProxyInfo, data []byte)

// ExternalProxyFunc fires on an ExternalProxy advertisement, carrying the
// peer-relay endpoint and auth token the orchestrator should connect to.
type ExternalProxyFunc func(cfg wire.ExternalProxyConfig)

// ExternalProxyTokenFunc fires when hosting: the master pre-authorizes an
// inbound peer-relay connection from a virtual IP with a token.
type ExternalProxyTokenFunc func(tok wire.ExternalProxyToken)

// ExternalProxyStateFunc fires on peer-relay connection-state reconciliation
// from the master (§4.8 State reconciliation).
type ExternalProxyStateFunc func(st wire.ExternalProxyConnectionState)

// Callbacks bundles every hook the orchestrator installs.
type Callbacks struct {
	OnNetworkChange      NetworkChangeFunc
	OnProxyConfig        ProxyConfigFunc
	OnProxyData          ProxyDataFunc
	OnExternalProxy      ExternalProxyFunc
	OnExternalProxyToken ExternalProxyTokenFunc
	OnExternalProxyState ExternalProxyStateFunc
}

// Client is the master relay client.
type Client struct {
	cfg Config
	cb  Callbacks

	identity [16]byte
	mac      [6]byte

	connMu sync.Mutex
	conn   net.Conn

	sendMu sync.Mutex

	connected atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup

	decoder *wire.Decoder

	stateMu sync.Mutex
	state   State

	connectedEvt   *event.Event
	rejectReplyEvt *event.Event
	scanEndEvt     *event.Event

	scanMu      sync.Mutex
	scanResults [][wire.NetworkInfoSize]byte

	errMu     sync.Mutex
	lastError wire.NetworkErrorCode
	haveError bool

	pendingPassphrase bool

	acceptPolicyMu sync.Mutex
	acceptPolicy   wire.AcceptPolicy

	peerRelayDisabled atomic.Bool

	pingMu   sync.Mutex
	pingSent map[byte]time.Time
	lastPing time.Duration
	pingSeq  byte

	pool *bufpool.Pool
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

// New constructs a client. Call Initialize to start the worker.
func New(cfg Config, cb Callbacks) *Client {
	var id [16]byte
	u := uuid.New()
	copy(id[:], u[:])
	return &Client{
		cfg:      cfg,
		cb:       cb,
		identity: id,
		mac:      DeriveLocalMAC(id[:]),
		decoder:  wire.NewDecoder(),
		pingSent: make(map[byte]time.Time),
		pool:     bufpool.New(bufpool.DefaultCapacity, bufpool.DefaultSlotSize),
	}
}

// DeriveLocalMAC synthesizes a locally-administered MAC address from seed,
// the same fallback the reference client uses when no real MAC is
// available (SPEC_FULL supplemented feature #2).
func DeriveLocalMAC(seed []byte) [6]byte {
	var mac [6]byte
	if len(seed) >= 6 {
		copy(mac[:], seed[:6])
	} else {
		copy(mac[:], seed)
	}
	mac[0] = (mac[0] & 0xfc) | 0x02 // locally administered, unicast
	return mac
}

// Initialize spawns the receive worker. No socket is opened here; the
// worker opens the connection itself before performing any I/O.
func (c *Client) Initialize() {
	c.stopCh = make(chan struct{})
	c.connectedEvt = event.New()
	c.rejectReplyEvt = event.New()
	c.scanEndEvt = event.New()
	c.setState(StateInitialized)
	c.wg.Add(1)
	go c.worker()
}

// Finalize stops the worker and tears down the connection. Blocks until the
// worker goroutine exits.
func (c *Client) Finalize() {
	if c.stopCh == nil {
		return
	}
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.disconnect()
	c.wg.Wait()
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// LastPing returns the most recently measured master round-trip time.
func (c *Client) LastPing() time.Duration {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	return c.lastPing
}

// SetPendingPassphrase marks a passphrase update to be sent as soon as the
// connection is (re)established.
func (c *Client) SetPendingPassphrase() {
	c.pendingPassphrase = true
}

// ensureConnected opens a TCP connection, bounded by FailureTimeout,
// resets the parser, and sends Initialize (+ a pending passphrase).
func (c *Client) ensureConnected() error {
	if c.connected.Load() {
		return nil
	}

	addr := net.JoinHostPort(c.cfg.ServerHost, portString(c.cfg.ServerPort))
	conn, err := net.DialTimeout("tcp", addr, FailureTimeout)
	if err != nil {
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.decoder.Reset()
	c.connected.Store(true)

	init := wire.Initialize{ID: c.identity, MAC: c.mac}
	buf, release := c.acquireBuf(wire.InitializeSize)
	init.Encode(buf)
	err = c.send(wire.TypeInitialize, buf)
	release()
	if err != nil {
		c.disconnect()
		return err
	}

	if c.pendingPassphrase {
		p := wire.NewPassphrase(c.cfg.Passphrase)
		if err := c.send(wire.TypePassphrase, p[:]); err != nil {
			log.Warn().Err(err).Msg("masterclient: failed to send pending passphrase")
		} else {
			c.pendingPassphrase = false
		}
	}

	return nil
}

// disconnect closes the socket. Safe to call repeatedly.
func (c *Client) disconnect() {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.peerRelayDisabled.Store(false)
	if c.cb.OnNetworkChange != nil {
		c.cb.OnNetworkChange(nil, false)
	}
	c.setState(StateDisconnecting)
}

// worker alternates a non-blocking-ish read (bounded by a short deadline)
// with a fixed idle sleep, matching §5's "non-blocking recv + 10ms sleep"
// scheduling model without needing raw non-blocking sockets.
func (c *Client) worker() {
	defer c.wg.Done()
	buf := make([]byte, 4096)

	for {
		select {
		case <-c.stopCh:
			c.disconnect()
			return
		default:
		}

		if !c.connected.Load() {
			if err := c.ensureConnected(); err != nil {
				time.Sleep(workerIdle)
				continue
			}
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			time.Sleep(workerIdle)
			continue
		}

		conn.SetReadDeadline(time.Now().Add(workerIdle))
		n, err := conn.Read(buf)
		if n > 0 {
			if err := c.decoder.Feed(buf[:n], c.handlePacket); err != nil {
				log.Warn().Err(err).Msg("masterclient: framing error, dropping connection")
				c.disconnect()
				continue
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// EOF or a real error: disconnect.
			c.disconnect()
			continue
		}
	}
}

// send serializes one frame under the send mutex, tolerating transient
// would-block by retrying with a short sleep up to sendRetryN times.
func (c *Client) send(t wire.PacketType, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame := wire.Encode(t, payload)
	for attempt := 0; attempt < sendRetryN; attempt++ {
		conn.SetWriteDeadline(time.Now().Add(sendRetryDt))
		_, err := conn.Write(frame)
		if err == nil {
			return nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			time.Sleep(sendRetryDt)
			continue
		}
		return err
	}
	return errors.New("masterclient: send retry budget exhausted")
}

func portString(p uint16) string {
	return strconv.Itoa(int(p))
}
