// Package upnpclient discovers an Internet Gateway Device over SSDP and
// drives its WANIPConnection/WANPPPConnection SOAP control point to manage
// port mappings, with background lease renewal (§4.4).
package upnpclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/koron/go-ssdp"
	"github.com/rs/zerolog/log"
)

const (
	SSDPPort              = 1900
	SSDPMulticast          = "239.255.255.250"
	DiscoveryTimeout       = 2500 * time.Millisecond
	DefaultLeaseSeconds    = 3600
	DefaultDescription     = "RyuLDN"
)

var (
	ErrNoDevice       = errors.New("upnpclient: no IGD found")
	ErrMappingFailed  = errors.New("upnpclient: AddPortMapping failed")
	ErrMappingNotFound = errors.New("upnpclient: no active mapping for that port")
)

// igdClient is satisfied by both generated goupnp WANIPConnection1 and
// WANPPPConnection1 clients; the two services expose an identical method
// set for the calls this package needs.
type igdClient interface {
	AddPortMapping(newRemoteHost string, newExternalPort uint16, newProtocol string, newInternalPort uint16, newInternalClient string, newEnabled bool, newPortMappingDescription string, newLeaseDuration uint32) error
	DeletePortMapping(newRemoteHost string, newExternalPort uint16, newProtocol string) error
	GetExternalIPAddress() (string, error)
}

// PortMapping describes one active or desired mapping.
type PortMapping struct {
	Protocol      string // "TCP" or "UDP"
	InternalPort  uint16
	ExternalPort  uint16
	LeaseSeconds  uint32
	Description   string
}

// Client serializes discovery and every SOAP call on a single mutex, as the
// reference client does, since IGD control points are not safe for
// concurrent SOAP calls from a single control point session.
type Client struct {
	mu         sync.Mutex
	igd        igdClient
	localIP    string
	externalIP string

	renewals map[string]context.CancelFunc
}

// New returns a client with no device discovered yet.
func New() *Client {
	return &Client{renewals: make(map[string]context.CancelFunc)}
}

// IsDiscovered reports whether a device has been located.
func (c *Client) IsDiscovered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.igd != nil
}

// Discover runs SSDP M-SEARCH for WANIPConnection/WANPPPConnection devices
// and binds the first reachable one.
func (c *Client) Discover(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if clients, _, err := internetgateway2.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		c.igd = clients[0]
		log.Info().Str("component", "upnpclient").Msg("bound WANIPConnection1")
		return nil
	}
	if clients, _, err := internetgateway2.NewWANPPPConnection1Clients(); err == nil && len(clients) > 0 {
		c.igd = clients[0]
		log.Info().Str("component", "upnpclient").Msg("bound WANPPPConnection1")
		return nil
	}

	// Fall back to a raw SSDP sweep before giving up; goupnp's client
	// constructors already perform discovery + description fetch
	// internally, so the sweep's result does not change the outcome:
	// ErrNoDevice is returned either way.
	services, err := ssdp.Search(ssdp.All, int(DiscoveryTimeout/time.Second), "")
	if err != nil || len(services) == 0 {
		return ErrNoDevice
	}
	return ErrNoDevice
}

// ExternalIP returns the last discovered external IP address, querying the
// device and caching the result on first call.
func (c *Client) ExternalIP() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.igd == nil {
		return "", ErrNoDevice
	}
	if c.externalIP != "" {
		return c.externalIP, nil
	}
	ip, err := c.igd.GetExternalIPAddress()
	if err != nil {
		return "", err
	}
	c.externalIP = ip
	return ip, nil
}

// CreatePortMapping opens the requested mapping. A hard HTTP 404 aborts the
// current attempt (§4.4); other SOAP failures are returned as-is for the
// caller to treat as soft failures and fall back to internal-port mode.
func (c *Client) CreatePortMapping(localIP string, m PortMapping) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.igd == nil {
		return ErrNoDevice
	}
	if m.LeaseSeconds == 0 {
		m.LeaseSeconds = DefaultLeaseSeconds
	}
	if m.Description == "" {
		m.Description = DefaultDescription
	}

	err := c.igd.AddPortMapping("", m.ExternalPort, m.Protocol, m.InternalPort, localIP, true, m.Description, m.LeaseSeconds)
	if err != nil {
		if isHTTPNotFound(err) {
			return ErrMappingFailed
		}
		return err
	}
	return nil
}

// isHTTPNotFound reports whether err carries an HTTP 404 status, the one
// SOAP failure the reference client treats as fatal for the current
// mapping attempt rather than a soft, retryable error.
func isHTTPNotFound(err error) bool {
	return strings.Contains(err.Error(), "404")
}

// DeletePortMapping removes a previously created mapping.
func (c *Client) DeletePortMapping(protocol string, externalPort uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.igd == nil {
		return ErrNoDevice
	}
	return c.igd.DeletePortMapping("", externalPort, protocol)
}

// StartRenewal spawns a background task that re-creates the mapping every
// renewInterval (expected to be less than m.LeaseSeconds). Calling the
// returned cancel func stops renewal; it does not delete the mapping.
func (c *Client) StartRenewal(ctx context.Context, localIP string, m PortMapping, renewInterval time.Duration) context.CancelFunc {
	renewCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := c.CreatePortMapping(localIP, m); err != nil {
					log.Warn().Err(err).
						Str("component", "upnpclient").
						Uint16("external_port", m.ExternalPort).
						Msg("lease renewal failed")
				}
			}
		}
	}()
	return cancel
}
