package p2pclient

import (
	"net"
	"testing"
	"time"

	"github.com/ryuldn-go/ryuldn-bridge/wire"
)

func readFrame(t *testing.T, conn net.Conn) (wire.PacketType, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	hdr := make([]byte, wire.HeaderSize)
	if _, err := readFull(conn, hdr); err != nil {
		t.Fatal(err)
	}
	pt, size, err := wire.ParseHeader(hdr)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, size)
	if size > 0 {
		if _, err := readFull(conn, payload); err != nil {
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

func TestPerformAuthSendsTokenAfterConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	c := New(Callbacks{})
	if err := c.Dial(ln.Addr().String(), time.Second); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	srvConn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer srvConn.Close()

	token := [16]byte{1, 2, 3, 4}
	if err := c.PerformAuth(token, time.Second); err != nil {
		t.Fatal(err)
	}

	pt, payload := readFrame(t, srvConn)
	if pt != wire.TypeExternalProxy {
		t.Fatalf("got %v, want ExternalProxy", pt)
	}
	auth, err := wire.DecodeExternalProxyAuth(payload)
	if err != nil {
		t.Fatal(err)
	}
	if auth.Token != token {
		t.Fatalf("token = %v, want %v", auth.Token, token)
	}
}

func TestEnsureProxyReadySignalsOnProxyConfig(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	c := New(Callbacks{})
	if err := c.Dial(ln.Addr().String(), time.Second); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	srvConn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer srvConn.Close()

	cfg := wire.ProxyConfig{ProxyIP: 0x0a730b02, SubnetMask: 0xffffff00}
	buf := make([]byte, wire.ProxyConfigSize)
	cfg.Encode(buf)
	srvConn.Write(wire.Encode(wire.TypeProxyConfig, buf))

	if !c.EnsureProxyReady(2 * time.Second) {
		t.Fatal("expected proxy-ready signal")
	}
	if c.ProxyConfig() != cfg {
		t.Fatalf("got %+v, want %+v", c.ProxyConfig(), cfg)
	}
}

func TestProxyDataCallbackFires(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	received := make(chan []byte, 1)
	c := New(Callbacks{OnProxyData: func(info wire.ProxyInfo, data []byte) {
		received <- data
	}})
	if err := c.Dial(ln.Addr().String(), time.Second); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	srvConn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer srvConn.Close()

	info := wire.ProxyInfo{SourcePort: 1000, DestPort: 2000}
	srvConn.Write(wire.Encode(wire.TypeProxyData, wire.EncodeProxyData(info, []byte("payload"))))

	select {
	case data := <-received:
		if string(data) != "payload" {
			t.Fatalf("got %q, want payload", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnProxyData callback did not fire")
	}
}
