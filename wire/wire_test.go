package wire

import (
	"testing"
)

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	payload := []byte("hello")
	frame := Encode(TypePing, payload)

	typ, size, err := ParseHeader(frame)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if typ != TypePing {
		t.Fatalf("type = %v, want Ping", typ)
	}
	if int(size) != len(payload) {
		t.Fatalf("size = %d, want %d", size, len(payload))
	}
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	frame := Encode(TypePing, nil)
	frame[0] ^= 0xff
	if _, _, err := ParseHeader(frame); err != ErrInvalidMagic {
		t.Fatalf("err = %v, want ErrInvalidMagic", err)
	}
}

func TestParseHeaderRejectsBadVersion(t *testing.T) {
	frame := Encode(TypePing, nil)
	frame[5] = ProtocolVersion + 1
	if _, _, err := ParseHeader(frame); err != ErrInvalidVersion {
		t.Fatalf("err = %v, want ErrInvalidVersion", err)
	}
}

func TestParseHeaderRejectsOversizeFrame(t *testing.T) {
	frame := Encode(TypePing, nil)
	frame[8] = 0xff
	frame[9] = 0xff
	frame[10] = 0xff
	frame[11] = 0x7f
	if _, _, err := ParseHeader(frame); err != ErrOversizeFrame {
		t.Fatalf("err = %v, want ErrOversizeFrame", err)
	}
}

// feedInChunks replays frame through the decoder split into pieces of size
// chunkSize (the last chunk may be shorter), verifying the decoder tolerates
// arbitrary boundaries (§8 property 1).
func feedInChunks(t *testing.T, frame []byte, chunkSize int) []PacketType {
	t.Helper()
	d := NewDecoder()
	var got []PacketType
	for i := 0; i < len(frame); i += chunkSize {
		end := i + chunkSize
		if end > len(frame) {
			end = len(frame)
		}
		if err := d.Feed(frame[i:end], func(typ PacketType, payload []byte) {
			got = append(got, typ)
		}); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	return got
}

func TestDecoderReassemblesAcrossChunkBoundaries(t *testing.T) {
	frame := Encode(TypePing, []byte{1, 2})
	for _, chunkSize := range []int{1, 2, 3, 5, 12, len(frame)} {
		got := feedInChunks(t, frame, chunkSize)
		if len(got) != 1 || got[0] != TypePing {
			t.Fatalf("chunkSize=%d: got %v, want one Ping", chunkSize, got)
		}
	}
}

func TestDecoderHandlesMultiplePacketsInOneFeed(t *testing.T) {
	frame := append(Encode(TypePing, nil), Encode(TypeDisconnect, []byte{9})...)
	d := NewDecoder()
	var got []PacketType
	if err := d.Feed(frame, func(typ PacketType, payload []byte) {
		got = append(got, typ)
	}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 2 || got[0] != TypePing || got[1] != TypeDisconnect {
		t.Fatalf("got %v", got)
	}
}

func TestDecoderResetsOnFramingError(t *testing.T) {
	good := Encode(TypePing, nil)
	bad := Encode(TypePing, nil)
	bad[0] ^= 0xff

	d := NewDecoder()
	var got []PacketType
	onPacket := func(typ PacketType, payload []byte) { got = append(got, typ) }

	if err := d.Feed(good, onPacket); err != nil {
		t.Fatalf("Feed(good): %v", err)
	}
	if err := d.Feed(bad, onPacket); err != ErrInvalidMagic {
		t.Fatalf("Feed(bad) err = %v, want ErrInvalidMagic", err)
	}
	// subsequent valid frames on a fresh logical connection still parse.
	if err := d.Feed(good, onPacket); err != nil {
		t.Fatalf("Feed(good after reset): %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d callbacks, want 2 (bad frame must not invoke one)", len(got))
	}
}
