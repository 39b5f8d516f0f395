package p2prelay

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ryuldn-go/ryuldn-bridge/internal/ratelimit"
	"github.com/ryuldn-go/ryuldn-bridge/wire"
)

// Session wraps one accepted peer-relay TCP connection with its own
// receive goroutine and protocol decoder (§4.8). Sessions are pooled by the
// Server and reset on reuse rather than freed.
type Session struct {
	server *Server
	slot   int

	mu            sync.Mutex
	conn          net.Conn
	decoder       *wire.Decoder
	virtualIP     uint32
	authenticated bool
	stopCh        chan struct{}
	wg            sync.WaitGroup
	limiter       *ratelimit.Bucket
}

func newSession(server *Server, slot int) *Session {
	return &Session{server: server, slot: slot, decoder: wire.NewDecoder()}
}

// start resets the session for a fresh connection and begins its receive
// loop. Sessions are created up front by New and reset here on every reuse.
func (s *Session) start(conn net.Conn) {
	stopCh := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.decoder.Reset()
	s.virtualIP = 0
	s.authenticated = false
	s.stopCh = stopCh
	s.limiter = ratelimit.NewBucket(s.server.cfg.RateLimitBPS, 0)
	s.mu.Unlock()

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	s.wg.Add(1)
	go s.recvLoop()

	// Drop the session if it has not authenticated within AuthWait.
	go func() {
		select {
		case <-stopCh:
		case <-time.After(AuthWait):
			s.mu.Lock()
			authed := s.authenticated
			s.mu.Unlock()
			if !authed {
				s.stop()
			}
		}
	}()
}

// stop forces the connection closed and waits for the receive goroutine to
// exit, then returns the slot to the server's free pool.
func (s *Session) stop() {
	s.mu.Lock()
	conn := s.conn
	virtualIP := s.virtualIP
	authenticated := s.authenticated
	if s.stopCh != nil {
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
	}
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()

	if authenticated {
		s.server.unregisterPlayer(virtualIP, s)
	}
	s.server.release(s)
}

func (s *Session) recvLoop() {
	defer s.wg.Done()
	// Allocated once per accepted connection, not per read: unlike the
	// short-lived encode scratch buffers routed through server.acquireBuf,
	// this buffer is held for the session's whole lifetime, so borrowing it
	// from the (small, fixed-capacity) pool would starve the other
	// concurrently active sessions instead of bounding memory.
	buf := make([]byte, 4096)
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := s.decoder.Feed(buf[:n], s.handlePacket); ferr != nil {
				log.Warn().Err(ferr).Msg("p2prelay: framing error, dropping session")
				go s.stop()
				return
			}
		}
		if err != nil {
			go s.stop()
			return
		}
	}
}

func (s *Session) handlePacket(t wire.PacketType, payload []byte) {
	switch t {
	case wire.TypeExternalProxy:
		s.onAuth(payload)
	case wire.TypeProxyConnect:
		s.onProxyConnect(payload)
	case wire.TypeProxyConnectReply:
		s.onProxyConnectReply(payload)
	case wire.TypeProxyData:
		s.onProxyData(payload)
	case wire.TypeProxyDisconnect:
		s.onProxyDisconnect(payload)
	}
}

func (s *Session) onAuth(payload []byte) {
	auth, err := wire.DecodeExternalProxyAuth(payload)
	if err != nil {
		return
	}
	addr, _ := s.conn.RemoteAddr().(*net.TCPAddr)
	var physicalIP net.IP
	if addr != nil {
		physicalIP = addr.IP
	}

	virtualIP, ok := s.server.authenticate(auth.Token, physicalIP)
	if !ok {
		go func() {
			time.Sleep(AuthWait)
			s.mu.Lock()
			authed := s.authenticated
			s.mu.Unlock()
			if !authed {
				s.stop()
			}
		}()
		return
	}

	s.mu.Lock()
	s.virtualIP = virtualIP
	s.authenticated = true
	s.mu.Unlock()

	s.server.registerPlayer(virtualIP, s)
}

// sanitize applies the anti-spoofing and broadcast-rewrite rules to an
// inbound routing key before fan-out (§4.8 Routing, steps 1-2).
func (s *Session) sanitize(info wire.ProxyInfo) (wire.ProxyInfo, bool) {
	s.mu.Lock()
	vip := s.virtualIP
	s.mu.Unlock()

	if info.SourceIP == 0 {
		info.SourceIP = vip
	} else if info.SourceIP != vip {
		return info, false
	}

	if info.DestIP == legacyBroadcastIP {
		info.DestIP = s.server.broadcastAddr()
	}
	return info, true
}

func (s *Session) onProxyConnect(payload []byte) {
	info, err := wire.DecodeProxyInfo(payload)
	if err != nil {
		return
	}
	info, ok := s.sanitize(info)
	if !ok {
		return
	}
	s.server.routeConnect(info)
}

func (s *Session) onProxyConnectReply(payload []byte) {
	info, err := wire.DecodeProxyInfo(payload)
	if err != nil {
		return
	}
	info, ok := s.sanitize(info)
	if !ok {
		return
	}
	s.server.routeConnectReply(info)
}

func (s *Session) onProxyData(payload []byte) {
	info, data, err := wire.DecodeProxyData(payload)
	if err != nil {
		return
	}
	info, ok := s.sanitize(info)
	if !ok {
		return
	}
	s.mu.Lock()
	limiter := s.limiter
	s.mu.Unlock()
	limiter.Take(int64(len(data)))
	s.server.routeData(info, data)
}

func (s *Session) onProxyDisconnect(payload []byte) {
	d, err := wire.DecodeProxyDisconnect(payload)
	if err != nil {
		return
	}
	info, ok := s.sanitize(d.Info)
	if !ok {
		return
	}
	s.server.routeDisconnect(info, d.Reason)
}

// send serializes one outbound frame to this session's peer.
func (s *Session) send(t wire.PacketType, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	_, err := conn.Write(wire.Encode(t, payload))
	return err
}
