package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		NodeID:         "node-123",
		DisplayName:    "Alice Laptop",
		ListeningPort:  9797,
		KeyFingerprint: "abcd",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}

	if gotInstance != "Alice Laptop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != "_meshrelay._tcp" {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9797 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "node_id=node-123")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "key_fingerprint=abcd")
}

func TestStartBroadcasterValidates(t *testing.T) {
	noop := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, nil
	}
	cases := []Config{
		{DisplayName: "x", ListeningPort: 1, registerFn: noop},
		{NodeID: "n", ListeningPort: 1, registerFn: noop},
		{NodeID: "n", DisplayName: "x", registerFn: noop},
	}
	for i, cfg := range cases {
		if _, err := StartBroadcaster(cfg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestServiceForwardsDiscoveredPeers(t *testing.T) {
	cfg := Config{
		NodeID:          "self",
		DisplayName:     "Self",
		ListeningPort:   9797,
		RefreshInterval: time.Hour,
		ScanTimeout:     30 * time.Millisecond,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9798, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	var (
		mu  sync.Mutex
		got []DiscoveredPeer
	)
	svc, err := Start(cfg, func(peer DiscoveredPeer) {
		mu.Lock()
		got = append(got, peer)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.Broadcaster == nil || svc.Scanner == nil {
		t.Fatalf("expected broadcaster and scanner")
	}

	waitForCondition(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	svc.Stop()

	mu.Lock()
	defer mu.Unlock()
	if got[0].NodeID != "peer-1" || got[0].DialAddress() != "10.0.0.2:9798" {
		t.Fatalf("unexpected discovered peer: %+v", got[0])
	}
}

func TestConfigWithDefaultsSetsPeerStaleAfterFromTTL(t *testing.T) {
	withDefaults := Config{}.withDefaults()
	if withDefaults.TTL != DefaultTTL {
		t.Fatalf("expected default TTL %d, got %d", DefaultTTL, withDefaults.TTL)
	}
	if withDefaults.PeerStaleAfter != 2*time.Duration(DefaultTTL)*time.Second {
		t.Fatalf("expected peer stale timeout of 2*TTL, got %s", withDefaults.PeerStaleAfter)
	}
	if withDefaults.Service != DefaultService || withDefaults.Logger == nil {
		t.Fatalf("defaults not applied: %+v", withDefaults)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
