// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package discovery provides CircuitIQ gateway discovery via mDNS
// (multicast DNS).
//
// CircuitIQ gateways advertise themselves using the service type
// "_circuitiq._tcp". Each gateway includes TXT records containing:
//   - id:    Gateway identifier
//   - model: Hardware model
//   - api:   REST API version the gateway speaks
//   - ws:    Path of the WebSocket stream endpoint (defaults to /api/v1/stream)
//
// # Thread Safety
//
// All scanner operations are thread-safe and use read-write locks to protect
// the internal gateway map. Multiple goroutines can safely call scanner
// methods concurrently.
//
// # Example Usage
//
//	scanner := discovery.NewScanner("_circuitiq._tcp", "local.")
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//
//	gateways, err := scanner.Discover(ctx, 10*time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for _, gw := range gateways {
//	    fmt.Printf("Found gateway: %s at %s\n", gw.GetGatewayID(), gw.BaseURL())
//	}
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	errs "github.com/soothill/circuitiq-sync/pkg/errors"
	"github.com/soothill/circuitiq-sync/pkg/logger"
	"github.com/soothill/circuitiq-sync/pkg/metrics"
)

// DefaultServiceType is the mDNS service CircuitIQ gateways advertise.
const DefaultServiceType = "_circuitiq._tcp"

const defaultStreamPath = "/api/v1/stream"

// Gateway represents a discovered CircuitIQ gateway
type Gateway struct {
	Name      string
	Address   net.IP
	Port      int
	TXTRecord map[string]string
	Hostname  string
}

// GetGatewayID returns a unique identifier for the gateway
func (g *Gateway) GetGatewayID() string {
	if g.TXTRecord != nil {
		if id, ok := g.TXTRecord["id"]; ok && id != "" {
			return id
		}
	}
	return fmt.Sprintf("%s:%d", g.Address.String(), g.Port)
}

// Model returns the advertised hardware model, or "" when absent
func (g *Gateway) Model() string {
	if g.TXTRecord == nil {
		return ""
	}
	return g.TXTRecord["model"]
}

// APIVersion returns the advertised REST API version, or "" when absent
func (g *Gateway) APIVersion() string {
	if g.TXTRecord == nil {
		return ""
	}
	return g.TXTRecord["api"]
}

// BaseURL returns the gateway's REST API root
func (g *Gateway) BaseURL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(g.Address.String(), fmt.Sprintf("%d", g.Port)))
}

// StreamURL returns the gateway's WebSocket stream endpoint
func (g *Gateway) StreamURL() string {
	path := defaultStreamPath
	if g.TXTRecord != nil {
		if p, ok := g.TXTRecord["ws"]; ok && p != "" {
			path = p
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(g.Address.String(), fmt.Sprintf("%d", g.Port)), path)
}

// Scanner handles CircuitIQ gateway discovery via mDNS
type Scanner struct {
	serviceType string
	domain      string
	gateways    map[string]*Gateway
	mu          sync.RWMutex // Protects gateways map
}

// NewScanner creates a new gateway scanner. An empty serviceType falls back
// to DefaultServiceType.
func NewScanner(serviceType, domain string) *Scanner {
	if serviceType == "" {
		serviceType = DefaultServiceType
	}
	if domain == "" {
		domain = "local."
	}
	return &Scanner{
		serviceType: serviceType,
		domain:      domain,
		gateways:    make(map[string]*Gateway),
	}
}

// Discover performs a single discovery scan for CircuitIQ gateways.
//
// The zeroconf resolver produces service entries onto a buffered channel
// until the timeout expires; a consumer goroutine parses each entry and
// updates both the scanner-wide gateway map and the scan-local result
// slice. The channel is buffered so bursts of mDNS advertisements do not
// block the resolver.
func (s *Scanner) Discover(ctx context.Context, timeout time.Duration) ([]*Gateway, error) {
	start := time.Now()
	defer func() {
		metrics.DiscoveryDuration.Observe(time.Since(start).Seconds())
	}()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, errs.NewDiscoveryError("create resolver", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 10)
	discovered := make([]*Gateway, 0)
	var mu sync.Mutex // Protects discovered slice (function-local)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		// Loop until entries channel is closed by zeroconf resolver
		for entry := range entries {
			gateway := s.parseServiceEntry(entry)
			if gateway == nil {
				continue
			}
			gatewayID := gateway.GetGatewayID()

			s.mu.Lock()
			s.gateways[gatewayID] = gateway
			s.mu.Unlock()

			mu.Lock()
			discovered = append(discovered, gateway)
			mu.Unlock()

			logger.Info().
				Str("gateway_id", gatewayID).
				Str("gateway_name", gateway.Name).
				Str("address", gateway.Address.String()).
				Int("port", gateway.Port).
				Str("model", gateway.Model()).
				Str("api_version", gateway.APIVersion()).
				Msg("Discovered CircuitIQ gateway")
		}
	}()

	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = resolver.Browse(discoverCtx, s.serviceType, s.domain, entries)
	if err != nil {
		return nil, errs.NewDiscoveryError("browse", err)
	}

	<-discoverCtx.Done()
	wg.Wait() // Wait for goroutine to finish processing all entries

	metrics.GatewaysDiscovered.Set(float64(len(s.GetGateways())))
	return discovered, nil
}

// parseServiceEntry converts a zeroconf service entry to a Gateway
func (s *Scanner) parseServiceEntry(entry *zeroconf.ServiceEntry) *Gateway {
	if entry == nil {
		return nil
	}

	if len(entry.AddrIPv4) == 0 && len(entry.AddrIPv6) == 0 {
		return nil
	}

	// Prefer IPv4, fallback to IPv6
	var addr net.IP
	if len(entry.AddrIPv4) > 0 {
		addr = entry.AddrIPv4[0]
	} else {
		addr = entry.AddrIPv6[0]
	}

	txtRecord := make(map[string]string)
	for _, txt := range entry.Text {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) == 2 {
			txtRecord[parts[0]] = parts[1]
		}
	}

	return &Gateway{
		Name:      entry.Instance,
		Address:   addr,
		Port:      entry.Port,
		TXTRecord: txtRecord,
		Hostname:  entry.HostName,
	}
}

// GetGateways returns all discovered gateways
func (s *Scanner) GetGateways() []*Gateway {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gateways := make([]*Gateway, 0, len(s.gateways))
	for _, gateway := range s.gateways {
		gateways = append(gateways, gateway)
	}
	return gateways
}

// GetGatewayByID returns a gateway by its ID, or nil if not found
func (s *Scanner) GetGatewayByID(gatewayID string) *Gateway {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gateways[gatewayID]
}
