package masterclient

import (
	"net"
	"testing"
	"time"

	"github.com/ryuldn-go/ryuldn-bridge/wire"
)

// fakeServer accepts one connection and lets the test script frames to
// and from it.
type fakeServer struct {
	ln   net.Listener
	conn net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return &fakeServer{ln: ln}
}

func (s *fakeServer) accept(t *testing.T) {
	t.Helper()
	conn, err := s.ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	s.conn = conn
}

func (s *fakeServer) send(t *testing.T, pt wire.PacketType, payload []byte) {
	t.Helper()
	if _, err := s.conn.Write(wire.Encode(pt, payload)); err != nil {
		t.Fatal(err)
	}
}

func (s *fakeServer) readFrame(t *testing.T) (wire.PacketType, []byte) {
	t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	hdr := make([]byte, wire.HeaderSize)
	if _, err := readFull(s.conn, hdr); err != nil {
		t.Fatal(err)
	}
	pt, size, err := wire.ParseHeader(hdr)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, size)
	if size > 0 {
		if _, err := readFull(s.conn, payload); err != nil {
			t.Fatal(err)
		}
	}
	return pt, payload
}

func readFull(conn net.Conn, buf []byte) (int, error) {
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

func hostPort(addr net.Addr) (string, uint16) {
	tcpAddr := addr.(*net.TCPAddr)
	return tcpAddr.IP.String(), uint16(tcpAddr.Port)
}

func TestClientSendsInitializeOnConnect(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.ln.Close()

	host, port := hostPort(srv.ln.Addr())
	c := New(Config{ServerHost: host, ServerPort: port}, Callbacks{})
	c.Initialize()
	defer c.Finalize()

	srv.accept(t)
	pt, payload := srv.readFrame(t)
	if pt != wire.TypeInitialize {
		t.Fatalf("got %v, want Initialize", pt)
	}
	if len(payload) != wire.InitializeSize {
		t.Fatalf("payload size = %d, want %d", len(payload), wire.InitializeSize)
	}
}

func TestCreateNetworkEmitsSyntheticDummyThenWaitsForConnected(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.ln.Close()

	host, port := hostPort(srv.ln.Addr())

	var changes []bool
	c := New(Config{ServerHost: host, ServerPort: port}, Callbacks{
		OnNetworkChange: func(info []byte, connected bool) {
			changes = append(changes, connected)
		},
	})
	c.Initialize()
	defer c.Finalize()

	srv.accept(t)
	srv.readFrame(t) // Initialize

	done := make(chan CreateNetworkResult, 1)
	go func() {
		done <- c.CreateNetwork([]byte{1, 2, 3}, nil)
	}()

	pt, _ := srv.readFrame(t)
	if pt != wire.TypeCreateAccessPoint {
		t.Fatalf("got %v, want CreateAccessPoint", pt)
	}

	srv.send(t, wire.TypeConnected, make([]byte, wire.NetworkInfoSize))

	select {
	case res := <-done:
		if !res.OK {
			t.Fatalf("result not ok: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CreateNetwork did not return")
	}

	if len(changes) != 2 || changes[0] != true || changes[1] != true {
		t.Fatalf("network-change calls = %v, want [true true] (synthetic dummy + real Connected)", changes)
	}
}

func TestScanAccumulatesRepliesUntilEnd(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.ln.Close()

	host, port := hostPort(srv.ln.Addr())
	c := New(Config{ServerHost: host, ServerPort: port}, Callbacks{})
	c.Initialize()
	defer c.Finalize()

	srv.accept(t)
	srv.readFrame(t) // Initialize

	done := make(chan ScanResult, 1)
	go func() {
		done <- c.Scan(nil, 0)
	}()

	pt, _ := srv.readFrame(t)
	if pt != wire.TypeScan {
		t.Fatalf("got %v, want Scan", pt)
	}

	var a, b [wire.NetworkInfoSize]byte
	a[0] = 'A'
	b[0] = 'B'
	srv.send(t, wire.TypeScanReply, a[:])
	srv.send(t, wire.TypeScanReply, b[:])
	srv.send(t, wire.TypeScanReplyEnd, nil)

	select {
	case res := <-done:
		if len(res.Networks) != 2 {
			t.Fatalf("got %d networks, want 2", len(res.Networks))
		}
		if res.Networks[0][0] != 'A' || res.Networks[1][0] != 'B' {
			t.Fatalf("unexpected network order")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Scan did not return")
	}
}

func TestScanEmptyResultReturnsWithinTimeout(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.ln.Close()

	host, port := hostPort(srv.ln.Addr())
	c := New(Config{ServerHost: host, ServerPort: port}, Callbacks{})
	c.Initialize()
	defer c.Finalize()

	srv.accept(t)
	srv.readFrame(t) // Initialize

	start := time.Now()
	done := make(chan ScanResult, 1)
	go func() {
		done <- c.Scan(nil, 0)
	}()
	srv.readFrame(t) // Scan
	time.Sleep(50 * time.Millisecond)
	srv.send(t, wire.TypeScanReplyEnd, nil)

	res := <-done
	if len(res.Networks) != 0 {
		t.Fatalf("got %d networks, want 0", len(res.Networks))
	}
	if time.Since(start) >= ScanTimeout {
		t.Fatalf("scan did not return promptly on ScanReplyEnd")
	}
}

func TestNetworkErrorConsumedOnce(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.ln.Close()

	host, port := hostPort(srv.ln.Addr())
	c := New(Config{ServerHost: host, ServerPort: port}, Callbacks{})
	c.Initialize()
	defer c.Finalize()

	srv.accept(t)
	srv.readFrame(t)

	errPayload := make([]byte, wire.NetworkErrorMessageSize)
	m := wire.NetworkErrorMessage{Error: wire.NetErrTooManyPlayers}
	m.Encode(errPayload)
	srv.send(t, wire.TypeNetworkError, errPayload)

	time.Sleep(100 * time.Millisecond)

	code, ok := c.takeLastError()
	if !ok || code != wire.NetErrTooManyPlayers {
		t.Fatalf("first take: ok=%v code=%v", ok, code)
	}
	if _, ok := c.takeLastError(); ok {
		t.Fatal("second take should find nothing: error must be consumed once")
	}
}

func TestPingEchoedImmediatelyWhenServerOriginated(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.ln.Close()

	host, port := hostPort(srv.ln.Addr())
	c := New(Config{ServerHost: host, ServerPort: port}, Callbacks{})
	c.Initialize()
	defer c.Finalize()

	srv.accept(t)
	srv.readFrame(t)

	srv.send(t, wire.TypePing, []byte{0, 42})

	pt, payload := srv.readFrame(t)
	if pt != wire.TypePing {
		t.Fatalf("got %v, want Ping echo", pt)
	}
	if len(payload) != 2 || payload[1] != 42 {
		t.Fatalf("echoed payload = %v", payload)
	}
}
