package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// ErrNoRelay is returned by LookupRelay when no compatible relay answered.
var ErrNoRelay = errors.New("discovery: no relay found")

// DiscoveredRelay is one relay answering on the LAN.
type DiscoveredRelay struct {
	RelayID   string
	Name      string
	Version   int
	Path      string
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// URL returns the websocket URL of the relay, preferring IPv4 addresses.
func (r DiscoveredRelay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(r.Port)) + r.Path
}

// RelayScanner browses for relays.
type RelayScanner struct {
	cfg    Config
	browse browseFunc
}

// NewRelayScanner creates a scanner with config defaults applied.
func NewRelayScanner(config Config) (*RelayScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &RelayScanner{cfg: cfg, browse: browse}, nil
}

// Scan browses for one scan window and returns every compatible relay seen,
// ordered by name.
func (s *RelayScanner) Scan(ctx context.Context) ([]DiscoveredRelay, error) {
	return s.scan(ctx, false)
}

// LookupRelay returns the first compatible relay to answer.
func LookupRelay(ctx context.Context, config Config) (DiscoveredRelay, error) {
	scanner, err := NewRelayScanner(config)
	if err != nil {
		return DiscoveredRelay{}, err
	}
	relays, err := scanner.scan(ctx, true)
	if err != nil {
		return DiscoveredRelay{}, err
	}
	if len(relays) == 0 {
		return DiscoveredRelay{}, ErrNoRelay
	}
	return relays[0], nil
}

func (s *RelayScanner) scan(ctx context.Context, firstOnly bool) ([]DiscoveredRelay, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredRelay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		var inbound <-chan *zeroconf.ServiceEntry = entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-inbound:
				if !ok {
					inbound = nil
					continue
				}
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry, s.cfg.Version)
				if !ok {
					continue
				}
				relay.LastSeen = time.Now()
				collectedMu.Lock()
				collected[relay.RelayID] = relay
				collectedMu.Unlock()
				if firstOnly {
					cancel()
				}
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil {
		cancel()
		<-collectorDone
		return nil, browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := make([]DiscoveredRelay, 0, len(collected))
	for _, relay := range collected {
		out = append(out, relay)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].RelayID < out[j].RelayID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, wantVersion int) (DiscoveredRelay, bool) {
	txt := txtToMap(entry.Text)

	relayID := strings.TrimSpace(txt["relay_id"])
	if relayID == "" || entry.Port <= 0 {
		return DiscoveredRelay{}, false
	}

	version, err := strconv.Atoi(txt["version"])
	if err != nil || version != wantVersion {
		return DiscoveredRelay{}, false
	}

	path := txt["path"]
	if path == "" {
		path = DefaultPath
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, group := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		start := len(addresses)
		for _, ip := range group {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			addresses = append(addresses, raw)
		}
		sort.Strings(addresses[start:])
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = relayID
	}

	return DiscoveredRelay{
		RelayID:   relayID,
		Name:      name,
		Version:   version,
		Path:      path,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
