package wire

import "testing"

func TestProxyInfoRoundTrip(t *testing.T) {
	in := ProxyInfo{SourceIP: 0x0a730001, SourcePort: 5000, DestIP: 0x0a730002, DestPort: 6000, Protocol: 17}
	buf := make([]byte, ProxyInfoSize)
	if err := in.Encode(buf); err != nil {
		t.Fatal(err)
	}
	out, err := DecodeProxyInfo(buf)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestProxyDataRoundTrip(t *testing.T) {
	info := ProxyInfo{SourcePort: 5000, DestPort: 6000, Protocol: 17}
	data := []byte("sixteen bytes!!!")
	frame := EncodeProxyData(info, data)

	gotInfo, gotData, err := DecodeProxyData(frame)
	if err != nil {
		t.Fatal(err)
	}
	if gotInfo != info {
		t.Fatalf("info mismatch: %+v vs %+v", gotInfo, info)
	}
	if string(gotData) != string(data) {
		t.Fatalf("data mismatch: %q vs %q", gotData, data)
	}
}

func TestProxyConfigBroadcast(t *testing.T) {
	c := ProxyConfig{ProxyIP: 0x0a730001, SubnetMask: 0xffffff00}
	want := uint32(0x0a7300ff)
	if got := c.Broadcast(); got != want {
		t.Fatalf("broadcast = %#x, want %#x", got, want)
	}
}

func TestExternalProxyTokenWildcardPhysicalIP(t *testing.T) {
	var tok ExternalProxyToken
	if !tok.PhysicalIPIsWildcard() {
		t.Fatal("zero physical ip must be a wildcard")
	}
	tok.PhysicalIP[0] = 1
	if tok.PhysicalIPIsWildcard() {
		t.Fatal("non-zero physical ip must not be a wildcard")
	}
}

func TestExternalProxyTokenRoundTrip(t *testing.T) {
	in := ExternalProxyToken{VirtualIP: 0x0a730b02, AddressFamily: 2}
	copy(in.Token[:], []byte("0123456789abcdef"))
	buf := make([]byte, ExternalProxyTokenSize)
	if err := in.Encode(buf); err != nil {
		t.Fatal(err)
	}
	out, err := DecodeExternalProxyToken(buf)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestPassphraseStringTrimsPadding(t *testing.T) {
	p := NewPassphrase("Ryujinx-DEADBEEF")
	if p.String() != "Ryujinx-DEADBEEF" {
		t.Fatalf("got %q", p.String())
	}
}

func TestDecodeNetworkInfoAcceptsBothForms(t *testing.T) {
	full := make([]byte, NetworkInfoSize)
	if _, err := DecodeNetworkInfo(full); err != nil {
		t.Fatalf("full form: %v", err)
	}

	wrapped := make([]byte, NetworkInfoWrappedSize)
	for i := range wrapped {
		wrapped[i] = 0xAB
	}
	out, err := DecodeNetworkInfo(wrapped)
	if err != nil {
		t.Fatalf("wrapped form: %v", err)
	}
	for i := 0; i < NetworkInfoWrappedOffset; i++ {
		if out[i] != 0 {
			t.Fatalf("expected zeroed NetworkId/CommonNetworkInfo region, byte %d = %x", i, out[i])
		}
	}
	for i := NetworkInfoWrappedOffset; i < NetworkInfoSize; i++ {
		if out[i] != 0xAB {
			t.Fatalf("expected wrapped payload at offset %d, got %x", i, out[i])
		}
	}

	if _, err := DecodeNetworkInfo(make([]byte, 10)); err == nil {
		t.Fatal("want error for unrecognized length")
	}
}
