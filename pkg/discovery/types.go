package discovery

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Service type constants for mDNS.
const (
	// ServiceType is the service type advertised by gateways.
	ServiceType = "_livetag._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is the default gateway port.
	DefaultPort = 8080

	// BrowseTimeout is the default timeout for browse operations.
	BrowseTimeout = 10 * time.Second

	// MaxInstanceNameLen is the DNS-SD instance label limit.
	MaxInstanceNameLen = 63
)

// TXT record keys.
const (
	TXTKeyStreamPath = "ws"
	TXTKeyAPIPath    = "api"
	TXTKeyTLS        = "tls"
	TXTKeyProject    = "project"
	TXTKeyVersion    = "ver"
)

// Default paths used when a gateway omits them.
const (
	DefaultStreamPath = "/ws/data"
	DefaultAPIPath    = "/rest"
)

// Errors.
var (
	ErrNotFound            = errors.New("gateway not found")
	ErrInvalidTXTRecord    = errors.New("invalid TXT record")
	ErrInstanceNameTooLong = errors.New("instance name too long")
	ErrNoAddress           = errors.New("gateway has no address")
)

// GatewayInfo is what a gateway advertises.
type GatewayInfo struct {
	Name       string
	Port       uint16
	StreamPath string
	APIPath    string
	TLS        bool
	Project    string
	Version    string
}

// Gateway is a discovered gateway.
type Gateway struct {
	GatewayInfo

	InstanceName string
	Host         string
	Addresses    []string
}

// hostPort picks the address to dial. IPv4 is preferred over IPv6, and
// the advertised host name is used when no address was resolved.
func (g *Gateway) hostPort() (string, error) {
	host := ""
	for _, a := range g.Addresses {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if ip.To4() != nil {
			host = a
			break
		}
		if host == "" {
			host = a
		}
	}
	if host == "" {
		host = g.Host
	}
	if host == "" {
		return "", ErrNoAddress
	}
	port := g.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

// StreamURL returns the websocket endpoint of the gateway.
func (g *Gateway) StreamURL() (string, error) {
	hp, err := g.hostPort()
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "ws", Host: hp, Path: orDefault(g.StreamPath, DefaultStreamPath)}
	if g.TLS {
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// APIBaseURL returns the REST base URL of the gateway.
func (g *Gateway) APIBaseURL() (string, error) {
	hp, err := g.hostPort()
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "http", Host: hp, Path: orDefault(g.APIPath, DefaultAPIPath)}
	if g.TLS {
		u.Scheme = "https"
	}
	return u.String(), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
