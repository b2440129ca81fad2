package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_meshrelay._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120

	txtNodeID         = "node_id"
	txtVersion        = "version"
	txtKeyFingerprint = "key_fingerprint"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertisement and browsing of mesh nodes.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32
	// PeerStaleAfter keeps a node listed across browse windows that missed it.
	PeerStaleAfter time.Duration

	NodeID         string
	DisplayName    string
	ListeningPort  int
	KeyFingerprint string

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = 2 * time.Duration(out.TTL) * time.Second
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return errors.New("node ID is required")
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		return errors.New("display name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return errors.New("node ID is required")
	}
	return nil
}

func (c Config) txtRecords() []string {
	return []string{
		txtNodeID + "=" + c.NodeID,
		txtVersion + "=" + strconv.Itoa(c.Version),
		txtKeyFingerprint + "=" + c.KeyFingerprint,
	}
}

// Broadcaster advertises the local node via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the local node's service record.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.DisplayName, cfg.Service, cfg.Domain, cfg.ListeningPort, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	cfg.Logger.Info("mDNS advertisement started",
		zap.String("service", cfg.Service),
		zap.Int("port", cfg.ListeningPort),
	)
	return &Broadcaster{server: server}, nil
}

// Stop withdraws the advertisement.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service couples the broadcaster and scanner, and hands every newly seen
// node to a callback.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner

	done chan struct{}
}

// Start advertises the local node and begins browsing. onPeer runs on a
// single goroutine for every upserted node and may be nil.
func Start(config Config, onPeer func(DiscoveredPeer)) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	svc := &Service{
		Broadcaster: broadcaster,
		Scanner:     scanner,
		done:        make(chan struct{}),
	}
	go svc.dispatch(cfg.Logger, onPeer)
	return svc, nil
}

func (s *Service) dispatch(logger *zap.Logger, onPeer func(DiscoveredPeer)) {
	defer close(s.done)
	for event := range s.Scanner.Events() {
		switch event.Type {
		case EventPeerUpserted:
			logger.Debug("mesh node discovered",
				zap.String("peer_id", event.Peer.NodeID),
				zap.String("address", event.Peer.DialAddress()),
			)
			if onPeer != nil {
				onPeer(event.Peer)
			}
		case EventPeerRemoved:
			logger.Debug("mesh node no longer advertised", zap.String("peer_id", event.Peer.NodeID))
		}
	}
}

// Stop stops the scanner and broadcaster and waits for the callback loop.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
	if s.done != nil {
		<-s.done
	}
}
