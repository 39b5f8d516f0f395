// Package orchestrator wires the master relay client, the LDN proxy
// router, the peer relay client/server, and the BSD-socket interposer into
// one running session, and exposes a read-only session snapshot to the
// embedding application (§4.11).
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ryuldn-go/ryuldn-bridge/config"
	"github.com/ryuldn-go/ryuldn-bridge/interposer"
	"github.com/ryuldn-go/ryuldn-bridge/masterclient"
	"github.com/ryuldn-go/ryuldn-bridge/metrics"
	"github.com/ryuldn-go/ryuldn-bridge/p2pclient"
	"github.com/ryuldn-go/ryuldn-bridge/p2prelay"
	"github.com/ryuldn-go/ryuldn-bridge/router"
	"github.com/ryuldn-go/ryuldn-bridge/wire"
)

var stateLabels = []string{
	masterclient.StateNone.String(), masterclient.StateInitialized.String(),
	masterclient.StateScanning.String(), masterclient.StateHostCreating.String(),
	masterclient.StateHostActive.String(), masterclient.StateClientConnecting.String(),
	masterclient.StateClientConnected.String(), masterclient.StateDisconnecting.String(),
	masterclient.StateError.String(),
}

// Snapshot is the read-only session view exposed to the embedding
// application (§3 Session snapshot). Consumers receive a copy; fields are
// updated atomically as a whole via Orchestrator.Snapshot.
type Snapshot struct {
	State                masterclient.State
	ServerConnected      bool
	InSession            bool
	PlayerCount          int
	MaxPlayers           int
	SessionName          string
	LocalCommunicationID uint64
	NodeID               uint32
	VirtualIP            uint32
	BytesSent            uint64
	BytesReceived        uint64
	PingMS               int64
}

// Orchestrator owns the running session's components and the snapshot.
type Orchestrator struct {
	cfg config.Config

	master *masterclient.Client
	relay  *p2prelay.Server
	peer   *p2pclient.Client

	mu         sync.Mutex
	rt         *router.Router
	interposer *interposer.Table

	snapMu sync.Mutex
	snap   Snapshot

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	metrics *metrics.Registry
}

// New builds an orchestrator for cfg. It does not start anything; call
// Start. If reg is non-nil, session counters and state transitions are
// exported through it.
func New(cfg config.Config, reg *prometheus.Registry) *Orchestrator {
	o := &Orchestrator{cfg: cfg}
	if reg != nil {
		o.metrics = metrics.New(reg)
	}
	o.master = masterclient.New(masterclient.Config{
		ServerHost: cfg.ServerHost,
		ServerPort: cfg.ServerPort,
		Passphrase: cfg.Passphrase,
		UseP2P:     cfg.UseP2P,
	}, masterclient.Callbacks{
		OnNetworkChange:      o.onNetworkChange,
		OnProxyConfig:        o.onProxyConfig,
		OnProxyData:          o.onMasterProxyData,
		OnExternalProxy:      o.onExternalProxy,
		OnExternalProxyToken: o.onExternalProxyToken,
		OnExternalProxyState: o.onExternalProxyState,
	})
	o.interposer = interposer.New(nil)
	return o
}

// Start spawns the master client's worker goroutine.
func (o *Orchestrator) Start() {
	o.master.Initialize()
	o.snapMu.Lock()
	o.snap.ServerConnected = true
	o.snapMu.Unlock()
}

// Stop tears everything down: peer-relay server/client, router, then the
// master client.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	relay := o.relay
	peer := o.peer
	o.mu.Unlock()

	if relay != nil {
		relay.Stop()
	}
	if peer != nil {
		peer.Close()
	}
	o.master.Finalize()
}

// Master exposes the underlying master relay client for request calls
// that the embedding application drives directly and that this
// orchestrator does not itself wrap for metrics (Scan, CreateNetwork,
// Connect are wrapped below).
func (o *Orchestrator) Master() *masterclient.Client { return o.master }

// Scan proxies to the master client's Scan, recording the result count in
// the scan-result histogram.
func (o *Orchestrator) Scan(filter []byte, maxResults int) masterclient.ScanResult {
	res := o.master.Scan(filter, maxResults)
	if o.metrics != nil {
		o.metrics.ScanResults.Observe(float64(len(res.Networks)))
	}
	return res
}

func (o *Orchestrator) recordNetError(code wire.NetworkErrorCode) {
	if o.metrics == nil || code == wire.NetErrNone {
		return
	}
	o.metrics.ProxyErrors.WithLabelValues(itoa(int(code))).Inc()
}

// CreateNetwork proxies to the master client, recording any resulting
// NetworkError against the network-errors counter.
func (o *Orchestrator) CreateNetwork(request, advertiseData []byte) masterclient.CreateNetworkResult {
	res := o.master.CreateNetwork(request, advertiseData)
	o.recordNetError(res.Error)
	return res
}

// Connect proxies to the master client's Connect, waiting on the attached
// peer-relay client's readiness when one exists, and recording any
// resulting NetworkError.
func (o *Orchestrator) Connect(request []byte) masterclient.ConnectResult {
	res := o.master.Connect(request, func() bool {
		o.mu.Lock()
		peer := o.peer
		o.mu.Unlock()
		if peer == nil {
			return true
		}
		return peer.EnsureProxyReady(masterclient.FailureTimeout)
	})
	o.recordNetError(res.Error)
	return res
}

// onProxyConfig instantiates the router on first receipt and installs it
// into the interposer, per §4.11.
func (o *Orchestrator) onProxyConfig(cfg wire.ProxyConfig) {
	o.mu.Lock()
	if o.rt != nil {
		o.mu.Unlock()
		return
	}
	rt := router.New(cfg, o.master)
	o.rt = rt
	o.interposer = interposer.New(rt)
	o.mu.Unlock()

	o.snapMu.Lock()
	o.snap.VirtualIP = cfg.ProxyIP
	o.snap.InSession = true
	o.snapMu.Unlock()
	if o.metrics != nil {
		o.metrics.PlayerCount.Set(1)
	}
}

// onNetworkChange translates master-client state transitions into the
// session snapshot (§4.11).
func (o *Orchestrator) onNetworkChange(info []byte, connected bool) {
	o.snapMu.Lock()
	defer o.snapMu.Unlock()

	o.snap.State = o.master.State()
	o.snap.InSession = connected
	if !connected {
		o.teardownRouter()
	}
	if o.metrics != nil {
		o.metrics.SetState(stateLabels, o.snap.State.String())
	}
}

// teardownRouter must be called with snapMu held; it clears the router and
// associated state on network disconnect.
func (o *Orchestrator) teardownRouter() {
	o.mu.Lock()
	o.rt = nil
	o.interposer = interposer.New(nil)
	o.mu.Unlock()
	o.snap.VirtualIP = 0
	o.snap.PlayerCount = 0
	if o.metrics != nil {
		o.metrics.PlayerCount.Set(0)
	}
}

func (o *Orchestrator) onMasterProxyData(info wire.ProxyInfo, data []byte) {
	o.mu.Lock()
	rt := o.rt
	o.mu.Unlock()
	if rt == nil {
		return
	}
	o.bytesReceived.Add(uint64(len(data)))
	if o.metrics != nil {
		o.metrics.BytesReceived.Add(float64(len(data)))
	}
	rt.HandleProxyData(info, data)
}

// onExternalProxy fires when this process is joining a session whose host
// advertised a direct peer-relay endpoint; it dials and authenticates.
func (o *Orchestrator) onExternalProxy(cfg wire.ExternalProxyConfig) {
	if !o.cfg.UseP2P {
		return
	}
	addr := formatHostPort(cfg.ProxyIP, cfg.ProxyPort)

	client := p2pclient.New(p2pclient.Callbacks{
		OnProxyConnect: func(info wire.ProxyInfo) {
			o.mu.Lock()
			rt := o.rt
			o.mu.Unlock()
			if rt != nil {
				rt.HandleProxyConnect(info)
			}
		},
		OnProxyConnectReply: func(info wire.ProxyInfo) {
			o.mu.Lock()
			rt := o.rt
			o.mu.Unlock()
			if rt != nil {
				rt.HandleProxyConnectReply(info)
			}
		},
		OnProxyData: func(info wire.ProxyInfo, data []byte) {
			o.mu.Lock()
			rt := o.rt
			o.mu.Unlock()
			if rt != nil {
				o.bytesReceived.Add(uint64(len(data)))
				rt.HandleProxyData(info, data)
			}
		},
		OnProxyDisconnect: func(info wire.ProxyInfo, reason wire.DisconnectReason) {
			o.mu.Lock()
			rt := o.rt
			o.mu.Unlock()
			if rt != nil {
				rt.HandleProxyDisconnect(info, reason)
			}
		},
	})

	if err := client.Dial(addr, masterclient.FailureTimeout); err != nil {
		return
	}
	if err := client.PerformAuth(cfg.Token, masterclient.FailureTimeout); err != nil {
		client.Close()
		return
	}
	if !client.EnsureProxyReady(masterclient.FailureTimeout) {
		client.Close()
		return
	}

	o.mu.Lock()
	o.peer = client
	o.mu.Unlock()
}

// onExternalProxyToken fires when this process is hosting and the master
// pre-authorizes an inbound peer-relay connection.
func (o *Orchestrator) onExternalProxyToken(tok wire.ExternalProxyToken) {
	o.mu.Lock()
	relay := o.relay
	o.mu.Unlock()
	if relay != nil {
		relay.AddToken(tok)
	}
}

func (o *Orchestrator) onExternalProxyState(st wire.ExternalProxyConnectionState) {
	if st.Connected {
		return
	}
	o.mu.Lock()
	relay := o.relay
	o.mu.Unlock()
	if relay != nil {
		relay.PurgeTokensForIP(st.VirtualIP)
	}
}

// StartHostingRelay brings up the peer relay server for a freshly created
// access point; the router's virtual subnet assignment becomes the subnet
// new peers are told about once the first one authenticates.
func (o *Orchestrator) StartHostingRelay(ctx context.Context, cfg wire.ProxyConfig) error {
	relay := p2prelay.New(p2prelay.Config{
		BasePort:  int(o.cfg.PrivatePortBase),
		PortRange: int(o.cfg.PrivatePortRange),
	}, nil)
	relay.SetRouterConfig(cfg)

	o.mu.Lock()
	if o.rt != nil {
		relay.AttachLocalRouter(o.rt)
	}
	o.relay = relay
	o.mu.Unlock()

	return relay.Start(ctx)
}

// Snapshot returns a consistent copy of the current session state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.snapMu.Lock()
	s := o.snap
	o.snapMu.Unlock()
	s.BytesSent = o.bytesSent.Load()
	s.BytesReceived = o.bytesReceived.Load()
	s.PingMS = o.master.LastPing().Milliseconds()
	if o.metrics != nil {
		o.metrics.PingMS.Set(float64(s.PingMS))
	}
	return s
}

func formatHostPort(ip [16]byte, port uint16) string {
	v4 := ip[:4]
	return net4String(v4) + ":" + itoa(int(port))
}

func net4String(b []byte) string {
	return itoa(int(b[0])) + "." + itoa(int(b[1])) + "." + itoa(int(b[2])) + "." + itoa(int(b[3]))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
