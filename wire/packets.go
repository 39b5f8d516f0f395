package wire

import "encoding/binary"

// NetworkErrorCode is the typed error value carried by a NetworkError
// packet (§7 Protocol errors). Negative Unknown mirrors the reference
// implementation's sentinel.
type NetworkErrorCode int32

const (
	NetErrNone             NetworkErrorCode = 0
	NetErrPortUnreachable  NetworkErrorCode = 1
	NetErrTooManyPlayers   NetworkErrorCode = 2
	NetErrVersionTooLow    NetworkErrorCode = 3
	NetErrVersionTooHigh   NetworkErrorCode = 4
	NetErrConnectFailure   NetworkErrorCode = 5
	NetErrConnectNotFound  NetworkErrorCode = 6
	NetErrConnectTimeout   NetworkErrorCode = 7
	NetErrConnectRejected  NetworkErrorCode = 8
	NetErrRejectFailed     NetworkErrorCode = 9
	NetErrBannedByServer   NetworkErrorCode = 127
	NetErrUnknown          NetworkErrorCode = -1
)

// DisconnectReason mirrors the reference DisconnectReason enum.
type DisconnectReason int32

const (
	DisconnectNone            DisconnectReason = 0
	DisconnectedByUser        DisconnectReason = 1
	DisconnectedBySystem      DisconnectReason = 2
	DisconnectDestroyedByUser DisconnectReason = 3
	DisconnectDestroyedBySystem DisconnectReason = 4
	DisconnectRejected        DisconnectReason = 5
	DisconnectSignalLost      DisconnectReason = 6
)

// Initialize carries the client's opaque identity and MAC at connection
// setup.
type Initialize struct {
	ID  [16]byte
	MAC [6]byte
}

const InitializeSize = 22

func (m *Initialize) Encode(dst []byte) error {
	if len(dst) < InitializeSize {
		return ErrShortBuffer
	}
	copy(dst[0:16], m.ID[:])
	copy(dst[16:22], m.MAC[:])
	return nil
}

func DecodeInitialize(data []byte) (Initialize, error) {
	var m Initialize
	if len(data) < InitializeSize {
		return m, ErrShortBuffer
	}
	copy(m.ID[:], data[0:16])
	copy(m.MAC[:], data[16:22])
	return m, nil
}

// Passphrase is a fixed 128-byte ASCII buffer, NUL-padded.
type Passphrase [128]byte

func NewPassphrase(s string) Passphrase {
	var p Passphrase
	copy(p[:], s)
	return p
}

func (p Passphrase) String() string {
	n := 0
	for n < len(p) && p[n] != 0 {
		n++
	}
	return string(p[:n])
}

// ProxyConfig is the virtual subnet assignment: {proxy_ip, subnet_mask}.
type ProxyConfig struct {
	ProxyIP    uint32
	SubnetMask uint32
}

const ProxyConfigSize = 8

// Broadcast derives the subnet broadcast address (proxy_ip | ~subnet_mask).
func (c ProxyConfig) Broadcast() uint32 {
	return c.ProxyIP | ^c.SubnetMask
}

func (c ProxyConfig) Encode(dst []byte) error {
	if len(dst) < ProxyConfigSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(dst[0:4], c.ProxyIP)
	binary.LittleEndian.PutUint32(dst[4:8], c.SubnetMask)
	return nil
}

func DecodeProxyConfig(data []byte) (ProxyConfig, error) {
	var c ProxyConfig
	if len(data) < ProxyConfigSize {
		return c, ErrShortBuffer
	}
	c.ProxyIP = binary.LittleEndian.Uint32(data[0:4])
	c.SubnetMask = binary.LittleEndian.Uint32(data[4:8])
	return c, nil
}

// ProxyInfo is the 16-byte routing key shared by every proxy-data-bearing
// frame.
type ProxyInfo struct {
	SourceIP   uint32
	SourcePort uint16
	DestIP     uint32
	DestPort   uint16
	Protocol   uint32
}

const ProxyInfoSize = 16

func (p ProxyInfo) Encode(dst []byte) error {
	if len(dst) < ProxyInfoSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(dst[0:4], p.SourceIP)
	binary.LittleEndian.PutUint16(dst[4:6], p.SourcePort)
	binary.LittleEndian.PutUint32(dst[6:10], p.DestIP)
	binary.LittleEndian.PutUint16(dst[10:12], p.DestPort)
	binary.LittleEndian.PutUint32(dst[12:16], p.Protocol)
	return nil
}

func DecodeProxyInfo(data []byte) (ProxyInfo, error) {
	var p ProxyInfo
	if len(data) < ProxyInfoSize {
		return p, ErrShortBuffer
	}
	p.SourceIP = binary.LittleEndian.Uint32(data[0:4])
	p.SourcePort = binary.LittleEndian.Uint16(data[4:6])
	p.DestIP = binary.LittleEndian.Uint32(data[6:10])
	p.DestPort = binary.LittleEndian.Uint16(data[10:12])
	p.Protocol = binary.LittleEndian.Uint32(data[12:16])
	return p, nil
}

const ProxyDataHeaderSize = ProxyInfoSize + 4

// EncodeProxyData builds a full ProxyData payload: {ProxyInfo, data_length,
// data...}.
func EncodeProxyData(info ProxyInfo, data []byte) []byte {
	out := make([]byte, ProxyDataHeaderSize+len(data))
	info.Encode(out[0:ProxyInfoSize])
	binary.LittleEndian.PutUint32(out[ProxyInfoSize:ProxyDataHeaderSize], uint32(len(data)))
	copy(out[ProxyDataHeaderSize:], data)
	return out
}

// DecodeProxyData splits a ProxyData payload into its routing info and the
// data slice (borrowed from payload).
func DecodeProxyData(payload []byte) (info ProxyInfo, data []byte, err error) {
	if len(payload) < ProxyDataHeaderSize {
		return info, nil, ErrShortBuffer
	}
	info, err = DecodeProxyInfo(payload[0:ProxyInfoSize])
	if err != nil {
		return info, nil, err
	}
	n := binary.LittleEndian.Uint32(payload[ProxyInfoSize:ProxyDataHeaderSize])
	if ProxyDataHeaderSize+int(n) > len(payload) {
		return info, nil, ErrShortBuffer
	}
	data = payload[ProxyDataHeaderSize : ProxyDataHeaderSize+int(n)]
	return info, data, nil
}

// ExternalProxyConfig is the peer-relay handshake advertisement sent by the
// master to a joining client.
type ExternalProxyConfig struct {
	ProxyIP       [16]byte
	AddressFamily uint32
	ProxyPort     uint16
	Token         [16]byte
}

const ExternalProxyConfigSize = 16 + 4 + 2 + 16

func DecodeExternalProxyConfig(data []byte) (ExternalProxyConfig, error) {
	var c ExternalProxyConfig
	if len(data) < ExternalProxyConfigSize {
		return c, ErrShortBuffer
	}
	copy(c.ProxyIP[:], data[0:16])
	c.AddressFamily = binary.LittleEndian.Uint32(data[16:20])
	c.ProxyPort = binary.LittleEndian.Uint16(data[20:22])
	copy(c.Token[:], data[22:38])
	return c, nil
}

func (c ExternalProxyConfig) Encode(dst []byte) error {
	if len(dst) < ExternalProxyConfigSize {
		return ErrShortBuffer
	}
	copy(dst[0:16], c.ProxyIP[:])
	binary.LittleEndian.PutUint32(dst[16:20], c.AddressFamily)
	binary.LittleEndian.PutUint16(dst[20:22], c.ProxyPort)
	copy(dst[22:38], c.Token[:])
	return nil
}

// ExternalProxyToken is issued by the master to the peer relay server ahead
// of a client's authentication attempt.
type ExternalProxyToken struct {
	VirtualIP     uint32
	Token         [16]byte
	PhysicalIP    [16]byte
	AddressFamily uint32
}

const ExternalProxyTokenSize = 4 + 16 + 16 + 4

func DecodeExternalProxyToken(data []byte) (ExternalProxyToken, error) {
	var t ExternalProxyToken
	if len(data) < ExternalProxyTokenSize {
		return t, ErrShortBuffer
	}
	t.VirtualIP = binary.LittleEndian.Uint32(data[0:4])
	copy(t.Token[:], data[4:20])
	copy(t.PhysicalIP[:], data[20:36])
	t.AddressFamily = binary.LittleEndian.Uint32(data[36:40])
	return t, nil
}

func (t ExternalProxyToken) Encode(dst []byte) error {
	if len(dst) < ExternalProxyTokenSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(dst[0:4], t.VirtualIP)
	copy(dst[4:20], t.Token[:])
	copy(dst[20:36], t.PhysicalIP[:])
	binary.LittleEndian.PutUint32(dst[36:40], t.AddressFamily)
	return nil
}

// PhysicalIPIsWildcard reports whether the token was issued for any
// physical address (a private-network token, per §4.8 authentication).
func (t ExternalProxyToken) PhysicalIPIsWildcard() bool {
	for _, b := range t.PhysicalIP {
		if b != 0 {
			return false
		}
	}
	return true
}

// ExternalProxyAuth is what a connecting client presents over the direct
// peer-relay TCP connection to authenticate (§4.8): just the token issued
// to it out-of-band by the master's ExternalProxy advertisement. It shares
// the TypeExternalProxy packet id with ExternalProxyConfig, which is safe
// because the two only ever appear on distinct TCP streams (the master
// channel vs. a peer-relay session), each with its own decoder instance.
type ExternalProxyAuth struct {
	Token [16]byte
}

const ExternalProxyAuthSize = 16

func DecodeExternalProxyAuth(data []byte) (ExternalProxyAuth, error) {
	var a ExternalProxyAuth
	if len(data) < ExternalProxyAuthSize {
		return a, ErrShortBuffer
	}
	copy(a.Token[:], data[0:16])
	return a, nil
}

func (a ExternalProxyAuth) Encode(dst []byte) error {
	if len(dst) < ExternalProxyAuthSize {
		return ErrShortBuffer
	}
	copy(dst[0:16], a.Token[:])
	return nil
}

// ExternalProxyConnectionState is the master's reconciliation notice for a
// peer-relay-authenticated virtual IP (§4.8 State reconciliation).
type ExternalProxyConnectionState struct {
	VirtualIP uint32
	Connected bool
}

const ExternalProxyConnectionStateSize = 5

func DecodeExternalProxyConnectionState(data []byte) (ExternalProxyConnectionState, error) {
	var s ExternalProxyConnectionState
	if len(data) < ExternalProxyConnectionStateSize {
		return s, ErrShortBuffer
	}
	s.VirtualIP = binary.LittleEndian.Uint32(data[0:4])
	s.Connected = data[4] != 0
	return s, nil
}

func (s ExternalProxyConnectionState) Encode(dst []byte) error {
	if len(dst) < ExternalProxyConnectionStateSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(dst[0:4], s.VirtualIP)
	if s.Connected {
		dst[4] = 1
	} else {
		dst[4] = 0
	}
	return nil
}

// ProxyDisconnect carries the routing info of the torn-down flow plus the
// reason.
type ProxyDisconnect struct {
	Info   ProxyInfo
	Reason DisconnectReason
}

const ProxyDisconnectSize = ProxyInfoSize + 4

func DecodeProxyDisconnect(data []byte) (ProxyDisconnect, error) {
	var d ProxyDisconnect
	if len(data) < ProxyDisconnectSize {
		return d, ErrShortBuffer
	}
	info, err := DecodeProxyInfo(data[0:ProxyInfoSize])
	if err != nil {
		return d, err
	}
	d.Info = info
	d.Reason = DisconnectReason(int32(binary.LittleEndian.Uint32(data[ProxyInfoSize:ProxyDisconnectSize])))
	return d, nil
}

func (d ProxyDisconnect) Encode(dst []byte) error {
	if len(dst) < ProxyDisconnectSize {
		return ErrShortBuffer
	}
	if err := d.Info.Encode(dst[0:ProxyInfoSize]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(dst[ProxyInfoSize:ProxyDisconnectSize], uint32(int32(d.Reason)))
	return nil
}

// RejectRequest targets a specific node with a disconnect reason.
type RejectRequest struct {
	NodeID           uint32
	DisconnectReason DisconnectReason
}

const RejectRequestSize = 8

func DecodeRejectRequest(data []byte) (RejectRequest, error) {
	var r RejectRequest
	if len(data) < RejectRequestSize {
		return r, ErrShortBuffer
	}
	r.NodeID = binary.LittleEndian.Uint32(data[0:4])
	r.DisconnectReason = DisconnectReason(int32(binary.LittleEndian.Uint32(data[4:8])))
	return r, nil
}

func (r RejectRequest) Encode(dst []byte) error {
	if len(dst) < RejectRequestSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(dst[0:4], r.NodeID)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(int32(r.DisconnectReason)))
	return nil
}

// DisconnectMessage names the IP being disconnected.
type DisconnectMessage struct {
	DisconnectIP uint32
}

const DisconnectMessageSize = 4

func DecodeDisconnectMessage(data []byte) (DisconnectMessage, error) {
	var m DisconnectMessage
	if len(data) < DisconnectMessageSize {
		return m, ErrShortBuffer
	}
	m.DisconnectIP = binary.LittleEndian.Uint32(data[0:4])
	return m, nil
}

// PingMessage: requester (0 = server-originated echo target, 1 =
// client-originated) and an opaque sequence id.
type PingMessage struct {
	Requester byte
	ID        byte
}

const PingMessageSize = 2

func DecodePingMessage(data []byte) (PingMessage, error) {
	var p PingMessage
	if len(data) < PingMessageSize {
		return p, ErrShortBuffer
	}
	p.Requester = data[0]
	p.ID = data[1]
	return p, nil
}

func (p PingMessage) Encode(dst []byte) error {
	if len(dst) < PingMessageSize {
		return ErrShortBuffer
	}
	dst[0] = p.Requester
	dst[1] = p.ID
	return nil
}

// NetworkErrorMessage carries a typed protocol error.
type NetworkErrorMessage struct {
	Error NetworkErrorCode
}

const NetworkErrorMessageSize = 4

func DecodeNetworkErrorMessage(data []byte) (NetworkErrorMessage, error) {
	var m NetworkErrorMessage
	if len(data) < NetworkErrorMessageSize {
		return m, ErrShortBuffer
	}
	m.Error = NetworkErrorCode(int32(binary.LittleEndian.Uint32(data[0:4])))
	return m, nil
}

func (m NetworkErrorMessage) Encode(dst []byte) error {
	if len(dst) < NetworkErrorMessageSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(dst[0:4], uint32(int32(m.Error)))
	return nil
}

// SetAcceptPolicy is a single byte selecting the access point's incoming
// connection policy.
type AcceptPolicy byte

const (
	AcceptAll        AcceptPolicy = 0
	AcceptBlacklist  AcceptPolicy = 1
	AcceptBlockAll   AcceptPolicy = 2
)

// NetworkInfoSize is the full opaque NetworkInfo layout: NetworkId(32) +
// CommonNetworkInfo(48) + LdnNetworkInfo(1072).
const NetworkInfoSize = 1152

// NetworkInfoWrappedOffset is the offset at which LdnNetworkInfo begins
// when the server sends the "wrapped" short form (§4.2, §9 Open question):
// the 1072-byte LdnNetworkInfo alone, with NetworkId(32) and
// CommonNetworkInfo(48) both elided.
const NetworkInfoWrappedOffset = 80
const NetworkInfoWrappedSize = 1072

// NetworkInfo is treated as an opaque byte blob by this package; callers
// (masterclient) interpret the ssid/bssid/node fields out of CommonNetworkInfo
// and LdnNetworkInfo regions as needed. DecodeNetworkInfo normalizes both
// wire forms the reference server can emit into the full 1152-byte layout,
// since the wire contract does not disambiguate them structurally and a
// length-based switch is the only available signal (§9).
func DecodeNetworkInfo(data []byte) ([NetworkInfoSize]byte, error) {
	var out [NetworkInfoSize]byte
	switch len(data) {
	case NetworkInfoSize:
		copy(out[:], data)
		return out, nil
	case NetworkInfoWrappedSize:
		copy(out[NetworkInfoWrappedOffset:], data)
		return out, nil
	default:
		return out, ErrShortBuffer
	}
}
