package vsocket

import (
	"sync"
	"testing"
	"time"

	"github.com/ryuldn-go/ryuldn-bridge/router"
	"github.com/ryuldn-go/ryuldn-bridge/wire"
)

type captureUplink struct {
	mu       sync.Mutex
	connects []wire.ProxyInfo
	replies  []wire.ProxyInfo
	data     []struct {
		info wire.ProxyInfo
		buf  []byte
	}
	disconnects []wire.ProxyInfo
}

func (u *captureUplink) SendProxyConnect(info wire.ProxyInfo) error {
	u.mu.Lock()
	u.connects = append(u.connects, info)
	u.mu.Unlock()
	return nil
}

func (u *captureUplink) SendProxyConnectReply(info wire.ProxyInfo) error {
	u.mu.Lock()
	u.replies = append(u.replies, info)
	u.mu.Unlock()
	return nil
}

func (u *captureUplink) SendProxyData(info wire.ProxyInfo, data []byte) error {
	u.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	u.data = append(u.data, struct {
		info wire.ProxyInfo
		buf  []byte
	}{info, cp})
	u.mu.Unlock()
	return nil
}

func (u *captureUplink) SendProxyDisconnect(info wire.ProxyInfo, reason wire.DisconnectReason) error {
	u.mu.Lock()
	u.disconnects = append(u.disconnects, info)
	u.mu.Unlock()
	return nil
}

func testRouter(up router.Uplink) *router.Router {
	return router.New(wire.ProxyConfig{ProxyIP: 0x0a000001, SubnetMask: 0xffffff00}, up)
}

func TestBindAllocatesEphemeralPortOnce(t *testing.T) {
	r := testRouter(&captureUplink{})
	s := New(r, router.ProtocolUDP)

	ep := s.Bind(Endpoint{IP: 0x0a000002})
	if ep.Port == 0 {
		t.Fatal("expected an allocated port")
	}
	again := s.Bind(Endpoint{IP: 0x0a000002})
	if again.Port != ep.Port {
		t.Fatalf("second bind changed the port: %d vs %d", again.Port, ep.Port)
	}
}

func TestSendToEmitsProxyDataThroughRouter(t *testing.T) {
	up := &captureUplink{}
	r := testRouter(up)
	s := New(r, router.ProtocolUDP)
	s.Bind(Endpoint{IP: 0x0a000002, Port: 7000})

	n, err := s.SendTo([]byte("hello"), Endpoint{IP: 0x0a000003, Port: 8000})
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("n = %d, want 5", n)
	}
	if len(up.data) != 1 || string(up.data[0].buf) != "hello" {
		t.Fatalf("uplink payload mismatch: %+v", up.data)
	}
	if up.data[0].info.DestPort != 8000 {
		t.Fatalf("dest port = %d, want 8000", up.data[0].info.DestPort)
	}
}

func TestRecvFromDeliversQueuedPacket(t *testing.T) {
	r := testRouter(&captureUplink{})
	s := New(r, router.ProtocolUDP)
	s.Bind(Endpoint{IP: 0x0a000002, Port: 9000})

	s.HandleProxyData(wire.ProxyInfo{SourceIP: 0x0a000003, SourcePort: 1234}, []byte("payload"))

	buf := make([]byte, 64)
	n, from, err := s.RecvFrom(buf, false)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "payload" {
		t.Fatalf("got %q, want payload", buf[:n])
	}
	if from.Port != 1234 {
		t.Fatalf("from port = %d, want 1234", from.Port)
	}
}

func TestRecvFromUDPOversizeDropsRemainder(t *testing.T) {
	r := testRouter(&captureUplink{})
	s := New(r, router.ProtocolUDP)
	s.Bind(Endpoint{Port: 9001})
	s.HandleProxyData(wire.ProxyInfo{}, []byte("0123456789"))

	buf := make([]byte, 4)
	n, _, err := s.RecvFrom(buf, false)
	if err != ErrMessageSize {
		t.Fatalf("err = %v, want ErrMessageSize", err)
	}
	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}

	// the remainder must have been dropped, not left queued.
	buf2 := make([]byte, 4)
	s.SetBlocking(false)
	if _, _, err := s.RecvFrom(buf2, false); err != ErrWouldBlock {
		t.Fatalf("expected empty queue after UDP oversize drop, got err=%v", err)
	}
}

func TestRecvFromTCPOversizeKeepsRemainder(t *testing.T) {
	r := testRouter(&captureUplink{})
	s := New(r, router.ProtocolTCP)
	s.Bind(Endpoint{Port: 9002})
	s.HandleProxyData(wire.ProxyInfo{}, []byte("0123456789"))

	buf := make([]byte, 4)
	n, _, err := s.RecvFrom(buf, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || string(buf) != "0123" {
		t.Fatalf("first read = %q", buf[:n])
	}

	buf2 := make([]byte, 64)
	n2, _, err := s.RecvFrom(buf2, false)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf2[:n2]) != "456789" {
		t.Fatalf("remainder = %q, want 456789", buf2[:n2])
	}
}

func TestRecvFromNonBlockingWouldBlockOnEmptyQueue(t *testing.T) {
	r := testRouter(&captureUplink{})
	s := New(r, router.ProtocolUDP)
	s.Bind(Endpoint{Port: 9003})
	s.SetBlocking(false)

	buf := make([]byte, 4)
	if _, _, err := s.RecvFrom(buf, false); err != ErrWouldBlock {
		t.Fatalf("err = %v, want ErrWouldBlock", err)
	}
}

func TestShutdownReadReturnsGracefulEOF(t *testing.T) {
	r := testRouter(&captureUplink{})
	s := New(r, router.ProtocolTCP)
	s.Bind(Endpoint{Port: 9004})
	s.Shutdown(ShutRead)

	buf := make([]byte, 4)
	n, _, err := s.RecvFrom(buf, false)
	if err != nil {
		t.Fatalf("expected no error on graceful EOF, got %v", err)
	}
	if n != 0 {
		t.Fatalf("n = %d, want 0", n)
	}
}

func TestConnectRefusedWhenReplyHasZeroSourceIP(t *testing.T) {
	up := &captureUplink{}
	r := testRouter(up)
	s := New(r, router.ProtocolTCP)
	s.Bind(Endpoint{IP: 0x0a000002, Port: 9005})

	done := make(chan error, 1)
	go func() { done <- s.Connect(Endpoint{IP: 0x0a000003, Port: 9100}) }()

	time.Sleep(20 * time.Millisecond)
	s.HandleProxyConnectReply(wire.ProxyInfo{SourceIP: 0})

	select {
	case err := <-done:
		if err != ErrRefused {
			t.Fatalf("err = %v, want ErrRefused", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
	}
	if len(up.connects) != 1 {
		t.Fatalf("expected one ProxyConnect sent, got %d", len(up.connects))
	}
}

func TestAcceptCreatesConnectedChildAndReplies(t *testing.T) {
	up := &captureUplink{}
	r := testRouter(up)
	listener := New(r, router.ProtocolTCP)
	listener.Bind(Endpoint{IP: 0x0a000002, Port: 9006})
	if err := listener.Listen(1); err != nil {
		t.Fatal(err)
	}

	listener.HandleProxyConnect(wire.ProxyInfo{SourceIP: 0x0a000003, SourcePort: 5555, DestIP: 0x0a000002, DestPort: 9006})

	child, from, err := listener.Accept()
	if err != nil {
		t.Fatal(err)
	}
	if from.Port != 5555 {
		t.Fatalf("peer port = %d, want 5555", from.Port)
	}
	if !child.connected {
		t.Fatal("expected accepted child to be connected")
	}
	if len(up.replies) != 1 {
		t.Fatalf("expected one ProxyConnectReply, got %d", len(up.replies))
	}
}

func TestCloseReleasesPortAndSendsDisconnectWhenConnected(t *testing.T) {
	up := &captureUplink{}
	r := testRouter(up)
	s := New(r, router.ProtocolUDP)
	ep := s.Bind(Endpoint{Port: 0})
	s.connected = true

	s.Close()

	if r.PortPool(router.ProtocolUDP).IsAllocated(ep.Port) {
		t.Fatal("expected port to be released on close")
	}
	if len(up.disconnects) != 1 {
		t.Fatalf("expected one ProxyDisconnect, got %d", len(up.disconnects))
	}
}
