// Package wire implements the RLDN framed binary protocol: header framing,
// a streaming decoder tolerant of arbitrary fragmentation, and encode/decode
// helpers for every packet type that crosses the wire between a client and
// the master relay (or a peer relay).
package wire

import (
	"encoding/binary"
	"errors"
)

const (
	// Magic is the four-byte 'R','L','D','N' magic, read as a little-endian
	// u32 the same way the reference implementation memcpy's its packed
	// header struct. This protocol is bit-exact with that reference, so the
	// byte order here is fixed regardless of host endianness conventions
	// used elsewhere in this module.
	Magic uint32 = 0x4e444c52

	// ProtocolVersion is the single wire version this package speaks.
	ProtocolVersion byte = 1

	// HeaderSize is the fixed on-wire header length: magic(4) + type(1) +
	// version(1) + padding(2) + dataSize(4).
	HeaderSize = 12

	// MaxPacketSize bounds header+payload; frames at or above this size
	// abort the parser.
	MaxPacketSize = 16 * 1024
)

var (
	ErrInvalidMagic    = errors.New("wire: invalid magic")
	ErrInvalidVersion  = errors.New("wire: invalid protocol version")
	ErrOversizeFrame   = errors.New("wire: frame exceeds maximum packet size")
	ErrNegativePayload = errors.New("wire: negative payload size")
	ErrShortBuffer     = errors.New("wire: destination buffer too small")
)

// PacketType is the stable-on-the-wire packet id from the protocol's type
// byte.
type PacketType byte

const (
	TypeInitialize               PacketType = 0
	TypePassphrase               PacketType = 1
	TypeCreateAccessPoint        PacketType = 2
	TypeCreateAccessPointPrivate PacketType = 3
	TypeExternalProxy            PacketType = 4
	TypeExternalProxyToken       PacketType = 5
	TypeExternalProxyState       PacketType = 6
	TypeSyncNetwork              PacketType = 7
	TypeReject                   PacketType = 8
	TypeRejectReply              PacketType = 9
	TypeScan                     PacketType = 10
	TypeScanReply                PacketType = 11
	TypeScanReplyEnd             PacketType = 12
	TypeConnect                  PacketType = 13
	TypeConnectPrivate           PacketType = 14
	TypeConnected                PacketType = 15
	TypeDisconnect               PacketType = 16
	TypeProxyConfig              PacketType = 17
	TypeProxyConnect             PacketType = 24
	TypeProxyConnectReply        PacketType = 26
	TypeProxyData                PacketType = 27
	TypeProxyDisconnect          PacketType = 28
	TypeSetAcceptPolicy          PacketType = 29
	TypeSetAdvertiseData         PacketType = 30
	TypePing                     PacketType = 254
	TypeNetworkError             PacketType = 255
)

var typeNames = map[PacketType]string{
	TypeInitialize:               "Initialize",
	TypePassphrase:               "Passphrase",
	TypeCreateAccessPoint:        "CreateAccessPoint",
	TypeCreateAccessPointPrivate: "CreateAccessPointPrivate",
	TypeExternalProxy:            "ExternalProxy",
	TypeExternalProxyToken:       "ExternalProxyToken",
	TypeExternalProxyState:       "ExternalProxyState",
	TypeSyncNetwork:              "SyncNetwork",
	TypeReject:                   "Reject",
	TypeRejectReply:              "RejectReply",
	TypeScan:                     "Scan",
	TypeScanReply:                "ScanReply",
	TypeScanReplyEnd:             "ScanReplyEnd",
	TypeConnect:                  "Connect",
	TypeConnectPrivate:           "ConnectPrivate",
	TypeConnected:                "Connected",
	TypeDisconnect:               "Disconnect",
	TypeProxyConfig:              "ProxyConfig",
	TypeProxyConnect:             "ProxyConnect",
	TypeProxyConnectReply:        "ProxyConnectReply",
	TypeProxyData:                "ProxyData",
	TypeProxyDisconnect:          "ProxyDisconnect",
	TypeSetAcceptPolicy:          "SetAcceptPolicy",
	TypeSetAdvertiseData:         "SetAdvertiseData",
	TypePing:                     "Ping",
	TypeNetworkError:             "NetworkError",
}

// String returns the packet type's name, or "Unknown" for unknown types (a
// malformed or future-version peer).
func (t PacketType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// PutHeader writes a 12-byte RLDN header into dst for a packet of type t
// carrying payloadLen bytes.
func PutHeader(dst []byte, t PacketType, payloadLen int) error {
	if len(dst) < HeaderSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(dst[0:4], Magic)
	dst[4] = byte(t)
	dst[5] = ProtocolVersion
	dst[6] = 0
	dst[7] = 0
	binary.LittleEndian.PutUint32(dst[8:12], uint32(int32(payloadLen)))
	return nil
}

// Encode allocates and returns a full frame (header + payload) for type t.
func Encode(t PacketType, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	PutHeader(out, t, len(payload))
	copy(out[HeaderSize:], payload)
	return out
}

// ParseHeader validates and decodes the fixed 12-byte header at the front
// of data. It does not require the payload to be present.
func ParseHeader(data []byte) (t PacketType, payloadLen int32, err error) {
	if len(data) < HeaderSize {
		return 0, 0, ErrShortBuffer
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != Magic {
		return 0, 0, ErrInvalidMagic
	}
	version := data[5]
	if version != ProtocolVersion {
		return 0, 0, ErrInvalidVersion
	}
	size := int32(binary.LittleEndian.Uint32(data[8:12]))
	if size < 0 {
		return 0, 0, ErrNegativePayload
	}
	if HeaderSize+int(size) >= MaxPacketSize {
		return 0, 0, ErrOversizeFrame
	}
	return PacketType(data[4]), size, nil
}

// Decoder is a streaming, fragmentation-tolerant parser. Feed may be called
// with arbitrarily sized chunks; callbacks fire exactly when a full frame
// has been assembled, in wire order. The payload slice handed to onPacket
// is borrowed from the decoder's internal buffer and must not be retained
// past the callback's return.
type Decoder struct {
	buf         [MaxPacketSize]byte
	recv        int
	haveHeader  bool
	payloadSize int
}

// NewDecoder returns a ready-to-use streaming decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes data, invoking onPacket once per fully assembled frame. A
// framing error resets the decoder and discards any partially assembled
// frame; the caller is expected to treat this as fatal for the underlying
// connection (see Master Relay Client worker loop).
func (d *Decoder) Feed(data []byte, onPacket func(t PacketType, payload []byte)) error {
	for len(data) > 0 {
		if d.recv < HeaderSize {
			n := copy(d.buf[d.recv:HeaderSize], data)
			d.recv += n
			data = data[n:]
			if d.recv < HeaderSize {
				return nil
			}
			t, size, err := ParseHeader(d.buf[:HeaderSize])
			if err != nil {
				d.Reset()
				return err
			}
			_ = t
			d.payloadSize = int(size)
			d.haveHeader = true
		}

		need := HeaderSize + d.payloadSize
		n := copy(d.buf[d.recv:need], data)
		d.recv += n
		data = data[n:]
		if d.recv < need {
			return nil
		}

		t := PacketType(d.buf[4])
		payload := d.buf[HeaderSize:need]
		onPacket(t, payload)
		d.Reset()
	}
	return nil
}

// Reset discards any partially or fully assembled frame, returning the
// decoder to its initial state. Called automatically after every dispatched
// packet and on every framing error.
func (d *Decoder) Reset() {
	d.recv = 0
	d.payloadSize = 0
	d.haveHeader = false
}
