// Package p2prelay implements the peer relay server: the direct,
// master-bypassing TCP relay a hosting client runs once a session has
// authenticated (§4.8).
package p2prelay

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"github.com/ryuldn-go/ryuldn-bridge/bufpool"
	"github.com/ryuldn-go/ryuldn-bridge/internal/event"
	"github.com/ryuldn-go/ryuldn-bridge/internal/ratelimit"
	"github.com/ryuldn-go/ryuldn-bridge/upnpclient"
	"github.com/ryuldn-go/ryuldn-bridge/wire"
)

// tokenFingerprint renders a short, irreversible stand-in for a token so
// auth logs stay useful for correlation without ever printing the secret
// itself.
func tokenFingerprint(token [16]byte) string {
	sum := blake2b.Sum256(token[:])
	return hex.EncodeToString(sum[:6])
}

// AuthWait bounds how long a connected-but-unauthenticated session is kept
// alive waiting for a matching token to arrive from the master.
const AuthWait = 1 * time.Second

const (
	DefaultBasePort  = 39990
	DefaultPortRange = 10
	DefaultPoolSize  = 8
)

var legacyBroadcastIP = binary.LittleEndian.Uint32(net.IPv4(192, 168, 0, 255).To4())

var (
	ErrNoFreeSlot  = errors.New("p2prelay: session pool exhausted")
	ErrBindFailed  = errors.New("p2prelay: could not bind any port in range")
)

type pendingToken struct {
	virtualIP     uint32
	token         [16]byte
	physicalIP    [16]byte
	addressFamily uint32
	wildcard      bool
}

// Config parameterizes one server instance.
type Config struct {
	BasePort  int
	PortRange int
	PoolSize  int

	// RateLimitBPS caps each session's inbound proxy-data throughput in
	// bytes/second. Zero means unlimited.
	RateLimitBPS int64
}

// OnFirstPlayer is invoked once, when the first session authenticates,
// carrying the virtual subnet assignment the server should install into the
// router.
type OnFirstPlayer func(cfg wire.ProxyConfig)

// Router is the subset of router.Router the server needs to fan data into
// (kept as an interface so p2prelay does not import router).
type Router interface {
	HandleProxyConnect(info wire.ProxyInfo)
	HandleProxyConnectReply(info wire.ProxyInfo)
	HandleProxyData(info wire.ProxyInfo, data []byte)
	HandleProxyDisconnect(info wire.ProxyInfo, reason wire.DisconnectReason)
}

// Server accepts peer-relay TCP connections, authenticates them against
// master-issued tokens, and fans proxy traffic between authenticated
// sessions (and, if attached, the local virtual-socket router).
type Server struct {
	cfg Config

	mu          sync.Mutex
	slots       []*Session
	free        []bool
	players     map[uint32]*Session
	tokens      []pendingToken
	newTokenEvt *event.Event

	routerCfg       wire.ProxyConfig
	routerInstalled bool
	onFirstPlayer   OnFirstPlayer
	localRouter     Router

	ln          net.Listener
	upnp        *upnpclient.Client
	boundPort   int
	publicPort  int
	leaseCancel context.CancelFunc

	stopCh chan struct{}
	wg     sync.WaitGroup

	pool *bufpool.Pool
}

// bufBorrowTimeout bounds how long an outbound-encode call waits for a
// pool slot before falling back to a direct allocation; fan-out to many
// sessions must not stall behind a momentarily exhausted pool.
const bufBorrowTimeout = 5 * time.Millisecond

// acquireBuf returns a size-length scratch buffer, preferring the server's
// pool and falling back to a direct allocation when it is exhausted. The
// returned release func must be called once the buffer is no longer needed.
func (s *Server) acquireBuf(size int) (buf []byte, release func()) {
	full, err := s.pool.Borrow(bufBorrowTimeout)
	if err != nil {
		return make([]byte, size), func() {}
	}
	buf = full[:size]
	return buf, func() { s.pool.Return(full) }
}

// New constructs a server with the given pool size (capacity of concurrent
// sessions).
func New(cfg Config, onFirstPlayer OnFirstPlayer) *Server {
	if cfg.BasePort == 0 {
		cfg.BasePort = DefaultBasePort
	}
	if cfg.PortRange == 0 {
		cfg.PortRange = DefaultPortRange
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	s := &Server{
		cfg:           cfg,
		players:       make(map[uint32]*Session),
		newTokenEvt:   event.New(),
		onFirstPlayer: onFirstPlayer,
		upnp:          upnpclient.New(),
		pool:          bufpool.New(bufpool.DefaultCapacity, bufpool.DefaultSlotSize),
	}
	s.slots = make([]*Session, cfg.PoolSize)
	s.free = make([]bool, cfg.PoolSize)
	for i := range s.slots {
		s.slots[i] = newSession(s, i)
		s.free[i] = true
	}
	return s
}

// AttachLocalRouter wires in the LDN proxy router for the socket set
// belonging to this process, so fan-out also reaches local virtual sockets
// (not just other peer-relay sessions).
func (s *Server) AttachLocalRouter(r Router) {
	s.mu.Lock()
	s.localRouter = r
	s.mu.Unlock()
}

// Start scans [BasePort, BasePort+PortRange) for the first bindable port,
// begins accepting, and attempts UPnP mapping of the same port externally;
// on any UPnP failure it falls back silently to internal-port-only mode
// (§4.8 UPnP lifecycle).
func (s *Server) Start(ctx context.Context) error {
	var ln net.Listener
	var port int
	for p := s.cfg.BasePort; p < s.cfg.BasePort+s.cfg.PortRange; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(p)))
		if err == nil {
			ln = l
			port = p
			break
		}
	}
	if ln == nil {
		return ErrBindFailed
	}
	s.ln = ln
	s.boundPort = port
	s.publicPort = port

	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.acceptLoop()

	go s.trySetupUPnP(ctx, port)
	return nil
}

func (s *Server) trySetupUPnP(ctx context.Context, port int) {
	discCtx, cancel := context.WithTimeout(ctx, upnpclient.DiscoveryTimeout)
	defer cancel()
	if err := s.upnp.Discover(discCtx); err != nil {
		log.Info().Err(err).Msg("p2prelay: no UPnP gateway found, staying in internal-port mode")
		return
	}

	localIP := localOutboundIP()
	mapping := upnpclient.PortMapping{Protocol: "TCP", InternalPort: uint16(port), ExternalPort: uint16(port), LeaseSeconds: upnpclient.DefaultLeaseSeconds}
	if err := s.upnp.CreatePortMapping(localIP, mapping); err != nil {
		log.Info().Err(err).Msg("p2prelay: UPnP mapping failed, staying in internal-port mode")
		return
	}

	renew := (upnpclient.DefaultLeaseSeconds / 2) * time.Second
	s.leaseCancel = s.upnp.StartRenewal(ctx, localIP, mapping, renew)
}

func localOutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// BoundPort returns the internal TCP port the server accepted on.
func (s *Server) BoundPort() int { return s.boundPort }

// PublicPort returns the externally-mapped port, equal to BoundPort when no
// UPnP mapping exists.
func (s *Server) PublicPort() int { return s.publicPort }

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.Warn().Err(err).Msg("p2prelay: accept failed")
				continue
			}
		}

		sess, err := s.acquire()
		if err != nil {
			log.Warn().Msg("p2prelay: session pool exhausted, dropping connection")
			conn.Close()
			continue
		}
		sess.start(conn)
	}
}

// Stop closes the listener, stops every live session, and cancels lease
// renewal. Blocks until the accept goroutine exits.
func (s *Server) Stop() {
	if s.stopCh != nil {
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
	}
	if s.ln != nil {
		s.ln.Close()
	}
	if s.leaseCancel != nil {
		s.leaseCancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	slots := append([]*Session(nil), s.slots...)
	s.mu.Unlock()
	for i, sess := range slots {
		s.mu.Lock()
		inUse := !s.free[i]
		s.mu.Unlock()
		if inUse {
			sess.stop()
		}
	}
}

func (s *Server) acquire() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, free := range s.free {
		if free {
			s.free[i] = false
			return s.slots[i], nil
		}
	}
	return nil, ErrNoFreeSlot
}

func (s *Server) release(sess *Session) {
	s.mu.Lock()
	s.free[sess.slot] = true
	s.mu.Unlock()
}

// AddToken registers a pending token issued by the master ahead of a
// client's connection attempt.
func (s *Server) AddToken(tok wire.ExternalProxyToken) {
	s.mu.Lock()
	s.tokens = append(s.tokens, pendingToken{
		virtualIP:     tok.VirtualIP,
		token:         tok.Token,
		physicalIP:    tok.PhysicalIP,
		addressFamily: tok.AddressFamily,
		wildcard:      tok.PhysicalIPIsWildcard(),
	})
	s.mu.Unlock()
	log.Debug().Str("token", tokenFingerprint(tok.Token)).Msg("p2prelay: token pre-authorized")
	s.newTokenEvt.Signal()
}

// PurgeTokensForIP removes every pending token for virtualIP and stops any
// already-authenticated session for it (§4.8 State reconciliation).
func (s *Server) PurgeTokensForIP(virtualIP uint32) {
	s.mu.Lock()
	kept := s.tokens[:0]
	for _, t := range s.tokens {
		if t.virtualIP != virtualIP {
			kept = append(kept, t)
		}
	}
	s.tokens = kept
	sess := s.players[virtualIP]
	s.mu.Unlock()

	if sess != nil {
		sess.stop()
	}
}

// authenticate scans the waiting-token list for a match, waiting up to
// AuthWait for a late-arriving token. Matched tokens are consumed (removed)
// so a second attempt with the same credential fails (§8 property: "token
// consumed on first match").
func (s *Server) authenticate(token [16]byte, physicalIP net.IP) (uint32, bool) {
	deadline := time.Now().Add(AuthWait)
	family := addressFamilyOf(physicalIP)
	for {
		if vip, ok := s.tryConsumeToken(token, physicalIP, family); ok {
			return vip, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.Warn().Str("token", tokenFingerprint(token)).Msg("p2prelay: auth timed out, no matching token")
			return 0, false
		}
		s.newTokenEvt.Wait(remaining)
	}
}

// addressFamilyOf classifies an IP the way the wire's AddressFamily field
// expects: AF_INET (2) for IPv4, AF_INET6 (10) otherwise.
func addressFamilyOf(ip net.IP) uint32 {
	if ip != nil && ip.To4() != nil {
		return 2
	}
	return 10
}

func (s *Server) tryConsumeToken(token [16]byte, physicalIP net.IP, family uint32) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pip [16]byte
	if physicalIP != nil {
		copy(pip[:], physicalIP.To16())
	}

	for i, t := range s.tokens {
		if t.token != token {
			continue
		}
		if !t.wildcard && (t.physicalIP != pip || t.addressFamily != family) {
			continue
		}
		s.tokens = append(s.tokens[:i], s.tokens[i+1:]...)
		return t.virtualIP, true
	}
	return 0, false
}

func (s *Server) registerPlayer(virtualIP uint32, sess *Session) {
	s.mu.Lock()
	s.players[virtualIP] = sess
	first := len(s.players) == 1
	cfg := s.routerCfg
	installed := s.routerInstalled
	s.mu.Unlock()

	if first && !installed && s.onFirstPlayer != nil {
		s.onFirstPlayer(cfg)
		s.mu.Lock()
		s.routerInstalled = true
		s.mu.Unlock()
	}

	buf, release := s.acquireBuf(wire.ProxyConfigSize)
	cfg.Encode(buf)
	err := sess.send(wire.TypeProxyConfig, buf)
	release()
	if err != nil {
		log.Warn().Err(err).Msg("p2prelay: failed to send ProxyConfig to new player")
	}
}

// SetRouterConfig records the virtual subnet assignment new players should
// receive. Called once, by the orchestrator, before the server is started.
func (s *Server) SetRouterConfig(cfg wire.ProxyConfig) {
	s.mu.Lock()
	s.routerCfg = cfg
	s.mu.Unlock()
}

func (s *Server) unregisterPlayer(virtualIP uint32, sess *Session) {
	s.mu.Lock()
	if s.players[virtualIP] == sess {
		delete(s.players, virtualIP)
	}
	s.mu.Unlock()
}

func (s *Server) playerFor(ip uint32) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.players[ip]
}

func (s *Server) allPlayers() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.players))
	for _, sess := range s.players {
		out = append(out, sess)
	}
	return out
}

// routeConnect fans out a sanitized ProxyConnect (§4.8 Routing step 3).
func (s *Server) routeConnect(info wire.ProxyInfo) {
	s.fanOut(info, func(sess *Session) {
		buf, release := s.acquireBuf(wire.ProxyInfoSize)
		info.Encode(buf)
		sess.send(wire.TypeProxyConnect, buf)
		release()
	}, func(r Router) { r.HandleProxyConnect(info) })
}

func (s *Server) routeConnectReply(info wire.ProxyInfo) {
	s.fanOut(info, func(sess *Session) {
		buf, release := s.acquireBuf(wire.ProxyInfoSize)
		info.Encode(buf)
		sess.send(wire.TypeProxyConnectReply, buf)
		release()
	}, func(r Router) { r.HandleProxyConnectReply(info) })
}

func (s *Server) routeData(info wire.ProxyInfo, data []byte) {
	s.fanOut(info, func(sess *Session) {
		sess.send(wire.TypeProxyData, wire.EncodeProxyData(info, data))
	}, func(r Router) { r.HandleProxyData(info, data) })
}

func (s *Server) routeDisconnect(info wire.ProxyInfo, reason wire.DisconnectReason) {
	s.fanOut(info, func(sess *Session) {
		d := wire.ProxyDisconnect{Info: info, Reason: reason}
		buf, release := s.acquireBuf(wire.ProxyDisconnectSize)
		d.Encode(buf)
		sess.send(wire.TypeProxyDisconnect, buf)
		release()
	}, func(r Router) { r.HandleProxyDisconnect(info, reason) })
}

// fanOut implements the broadcast/unicast split shared by all four routing
// paths: broadcast → every connected player (and the local router, if any);
// unicast → the single matching player if present, otherwise dropped.
func (s *Server) fanOut(info wire.ProxyInfo, toSession func(*Session), toRouter func(Router)) {
	s.mu.Lock()
	r := s.localRouter
	broadcast := info.DestIP == s.routerCfg.Broadcast()
	s.mu.Unlock()

	if broadcast {
		for _, sess := range s.allPlayers() {
			toSession(sess)
		}
		if r != nil {
			toRouter(r)
		}
		return
	}

	if sess := s.playerFor(info.DestIP); sess != nil {
		toSession(sess)
		return
	}
	if r != nil && s.localVirtualIP() == info.DestIP {
		toRouter(r)
	}
}

// broadcastAddr returns the current subnet's broadcast address.
func (s *Server) broadcastAddr() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routerCfg.Broadcast()
}

// localVirtualIP is the IP the local router owns; since the server does not
// import router to avoid a cycle, this process's own virtual IP is the
// router config's ProxyIP, which is also what SetRouterConfig recorded.
func (s *Server) localVirtualIP() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routerCfg.ProxyIP
}
