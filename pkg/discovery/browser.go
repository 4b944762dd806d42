package discovery

import (
	"context"
	"time"
)

// Browser finds gateways.
type Browser interface {
	// Browse streams gateways as they are found. The channel is closed
	// when ctx is done.
	Browse(ctx context.Context) (<-chan *Gateway, error)

	// Find returns the first gateway found, or ErrNotFound when ctx ends
	// first.
	Find(ctx context.Context) (*Gateway, error)

	// Stop stops all active browsing operations.
	Stop()
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// BrowseTimeout bounds Find when ctx has no deadline.
	BrowseTimeout time.Duration

	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{BrowseTimeout: BrowseTimeout}
}

// ServiceEntry is the library-neutral form of a resolved mDNS entry.
type ServiceEntry struct {
	Instance string
	Host     string
	Port     uint16
	Text     []string
	Addrs    []string
}

// ToGateway converts a ServiceEntry to a Gateway.
func (e *ServiceEntry) ToGateway() (*Gateway, error) {
	info, err := DecodeGatewayTXT(StringsToTXTRecords(e.Text))
	if err != nil {
		return nil, err
	}
	info.Name = e.Instance
	info.Port = e.Port

	return &Gateway{
		GatewayInfo:  *info,
		InstanceName: e.Instance,
		Host:         e.Host,
		Addresses:    append([]string(nil), e.Addrs...),
	}, nil
}

// aggregator merges entries of one instance seen on several interfaces.
type aggregator struct {
	gateways map[string]*Gateway
}

func newAggregator() *aggregator {
	return &aggregator{gateways: make(map[string]*Gateway)}
}

// add records e and returns the gateway when it is new.
func (a *aggregator) add(e *ServiceEntry) *Gateway {
	gw, err := e.ToGateway()
	if err != nil {
		return nil
	}
	if existing, ok := a.gateways[gw.InstanceName]; ok {
		existing.Addresses = mergeAddresses(existing.Addresses, gw.Addresses)
		return nil
	}
	a.gateways[gw.InstanceName] = gw
	return gw
}

// remove drops e's addresses and forgets the instance once none remain.
func (a *aggregator) remove(e *ServiceEntry) {
	existing, ok := a.gateways[e.Instance]
	if !ok {
		return
	}
	existing.Addresses = removeAddresses(existing.Addresses, e.Addrs)
	if len(existing.Addresses) == 0 {
		delete(a.gateways, e.Instance)
	}
}

// mergeAddresses adds new addresses to existing list, avoiding duplicates.
func mergeAddresses(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range add {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses returns addresses without the ones in drop.
func removeAddresses(addresses, drop []string) []string {
	toRemove := make(map[string]bool, len(drop))
	for _, a := range drop {
		toRemove[a] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}
