package p2prelay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ryuldn-go/ryuldn-bridge/wire"
)

func readFrame(t *testing.T, conn net.Conn) (wire.PacketType, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	hdr := make([]byte, wire.HeaderSize)
	if _, err := readFullN(conn, hdr); err != nil {
		t.Fatal(err)
	}
	pt, size, err := wire.ParseHeader(hdr)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, size)
	if size > 0 {
		if _, err := readFullN(conn, payload); err != nil {
			t.Fatal(err)
		}
	}
	return pt, payload
}

func readFullN(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(srv.BoundPort())))
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	var gotCfg wire.ProxyConfig
	srv := New(Config{BasePort: 41000, PortRange: 200, PoolSize: 4}, func(cfg wire.ProxyConfig) { gotCfg = cfg })
	srv.SetRouterConfig(wire.ProxyConfig{ProxyIP: 0x0a730b01, SubnetMask: 0xffffff00})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)
	_ = gotCfg
	return srv
}

func TestAuthenticateMatchesPrivateNetworkToken(t *testing.T) {
	srv := newTestServer(t)
	srv.AddToken(wire.ExternalProxyToken{VirtualIP: 0x0a730b02, Token: [16]byte{1, 2, 3}})

	conn := dialServer(t, srv)
	defer conn.Close()

	auth := wire.ExternalProxyAuth{Token: [16]byte{1, 2, 3}}
	buf := make([]byte, wire.ExternalProxyAuthSize)
	auth.Encode(buf)
	conn.Write(wire.Encode(wire.TypeExternalProxy, buf))

	pt, payload := readFrame(t, conn)
	if pt != wire.TypeProxyConfig {
		t.Fatalf("got %v, want ProxyConfig after successful auth", pt)
	}
	cfg, err := wire.DecodeProxyConfig(payload)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProxyIP != 0x0a730b01 {
		t.Fatalf("proxy ip = %x, want %x", cfg.ProxyIP, 0x0a730b01)
	}
}

func TestAuthenticateFailsOnTokenMismatch(t *testing.T) {
	srv := newTestServer(t)
	srv.AddToken(wire.ExternalProxyToken{VirtualIP: 0x0a730b02, Token: [16]byte{9, 9, 9}})

	conn := dialServer(t, srv)
	defer conn.Close()

	auth := wire.ExternalProxyAuth{Token: [16]byte{1, 2, 3}}
	buf := make([]byte, wire.ExternalProxyAuthSize)
	auth.Encode(buf)
	conn.Write(wire.Encode(wire.TypeExternalProxy, buf))

	conn.SetReadDeadline(time.Now().Add(AuthWait + 500*time.Millisecond))
	one := make([]byte, 1)
	_, err := conn.Read(one)
	if err == nil {
		t.Fatal("expected the connection to be closed after auth-wait timeout")
	}
}

func TestTokenConsumedOnFirstMatch(t *testing.T) {
	srv := newTestServer(t)
	srv.AddToken(wire.ExternalProxyToken{VirtualIP: 0x0a730b02, Token: [16]byte{5, 5, 5}})

	conn1 := dialServer(t, srv)
	defer conn1.Close()
	auth := wire.ExternalProxyAuth{Token: [16]byte{5, 5, 5}}
	buf := make([]byte, wire.ExternalProxyAuthSize)
	auth.Encode(buf)
	conn1.Write(wire.Encode(wire.TypeExternalProxy, buf))
	readFrame(t, conn1) // ProxyConfig: first attempt succeeds

	conn2 := dialServer(t, srv)
	defer conn2.Close()
	conn2.Write(wire.Encode(wire.TypeExternalProxy, buf))

	conn2.SetReadDeadline(time.Now().Add(AuthWait + 500*time.Millisecond))
	one := make([]byte, 1)
	if _, err := conn2.Read(one); err == nil {
		t.Fatal("expected second attempt with the same (now-consumed) token to fail")
	}
}

func TestTokenFingerprintIsStableAndNotRawToken(t *testing.T) {
	tok := [16]byte{1, 2, 3, 4, 5}
	a := tokenFingerprint(tok)
	b := tokenFingerprint(tok)
	if a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}
	if a == string(tok[:]) {
		t.Fatal("fingerprint must not equal the raw token bytes")
	}
	other := tokenFingerprint([16]byte{9, 9, 9})
	if a == other {
		t.Fatal("distinct tokens produced the same fingerprint")
	}
}

func TestRateLimitThrottlesProxyDataDelivery(t *testing.T) {
	srv := New(Config{BasePort: 41500, PortRange: 200, PoolSize: 4, RateLimitBPS: 1024}, nil)
	srv.SetRouterConfig(wire.ProxyConfig{ProxyIP: 0x0a730b01, SubnetMask: 0xffffff00})

	sess := newSession(srv, 0)
	sess.start(newNopConn())
	defer sess.stop()
	sess.virtualIP = 0x0a730b02
	sess.authenticated = true

	payload := make([]byte, 4096) // 4x the configured per-second budget
	start := time.Now()
	sess.onProxyData(wire.EncodeProxyData(wire.ProxyInfo{DestIP: 0x0a730b03}, payload))
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Fatalf("onProxyData with a 4x-budget payload returned after %v, want throttled delivery", elapsed)
	}
}

// nopConn is a net.Conn stand-in with no real transport, used to let a
// Session.start spin up its receive goroutine harmlessly for unit tests
// that drive handlePacket directly instead of over the wire. Read blocks
// until Close, mirroring an idle real connection's behavior.
type nopConn struct {
	net.Conn
	closed chan struct{}
}

func newNopConn() nopConn { return nopConn{closed: make(chan struct{})} }

func (c nopConn) Read(b []byte) (int, error) {
	<-c.closed
	return 0, net.ErrClosed
}
func (c nopConn) Write(b []byte) (int, error) { return len(b), nil }
func (c nopConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func TestPurgeTokensForIPStopsActiveSession(t *testing.T) {
	srv := newTestServer(t)
	srv.AddToken(wire.ExternalProxyToken{VirtualIP: 0x0a730b02, Token: [16]byte{7, 7, 7}})

	conn := dialServer(t, srv)
	defer conn.Close()
	auth := wire.ExternalProxyAuth{Token: [16]byte{7, 7, 7}}
	buf := make([]byte, wire.ExternalProxyAuthSize)
	auth.Encode(buf)
	conn.Write(wire.Encode(wire.TypeExternalProxy, buf))
	readFrame(t, conn)

	srv.PurgeTokensForIP(0x0a730b02)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	one := make([]byte, 1)
	if _, err := conn.Read(one); err == nil {
		t.Fatal("expected session to be closed after purge")
	}
}
