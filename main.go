package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshrelay/config"
	"meshrelay/crypto"
	"meshrelay/discovery"
	"meshrelay/mesh"
	"meshrelay/metrics"
	"meshrelay/network"
	"meshrelay/storage"
	"meshrelay/ui"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("mesh relay: %v", err)
	}
}

func run() error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close failed", zap.Error(err))
		}
	}()
	if err := store.RebuildConversations(cfg.NodeID); err != nil {
		logger.Warn("conversation rebuild failed", zap.Error(err))
	}

	keys, err := mesh.NewKeyRing()
	if err != nil {
		return fmt.Errorf("generate session keys: %w", err)
	}

	collector := metrics.New()

	links, err := network.NewLinkManager(network.LinkManagerOptions{
		Identity:          network.LocalIdentity{NodeID: cfg.NodeID, DisplayName: cfg.DisplayName},
		ListenAddress:     cfg.ListenAddress(),
		InboundRatePerSec: cfg.InboundRatePerSec,
		InboundBurst:      cfg.InboundBurst,
		Logger:            logger,
		Metrics:           collector,
	})
	if err != nil {
		return fmt.Errorf("create link manager: %w", err)
	}
	if err := links.Start(); err != nil {
		return fmt.Errorf("start link manager: %w", err)
	}

	engine, err := mesh.NewEngine(mesh.Options{
		LocalID:           cfg.NodeID,
		DisplayName:       cfg.DisplayName,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		MembershipTimeout: cfg.MembershipTimeout(),
		FailClosed:        cfg.FailClosed(),
		SeenCapacity:      cfg.SeenCapacity,
		Keys:              keys,
		Store:             store,
		Substrate:         links,
		Logger:            logger,
		Metrics:           collector,
	})
	if err != nil {
		links.Stop()
		return fmt.Errorf("create relay engine: %w", err)
	}

	console, err := ui.NewConsole(ui.ConsoleOptions{
		Relay:     engine,
		Keys:      keys,
		History:   store,
		Connector: links,
		In:        os.Stdin,
		Out:       os.Stdout,
		Logger:    logger,
	})
	if err != nil {
		links.Stop()
		return fmt.Errorf("create console: %w", err)
	}

	listenPort := 0
	if addr, ok := links.Addr().(*net.TCPAddr); ok {
		listenPort = addr.Port
	}
	fmt.Printf("Node ID:         %s\n", cfg.NodeID)
	fmt.Printf("Display Name:    %s\n", cfg.DisplayName)
	fmt.Printf("Listening Port:  %d\n", listenPort)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(keys.Fingerprint()))
	fmt.Printf("Unknown Keys:    %s\n", cfg.UnknownKeyPolicy)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return engine.Run(ctx)
	})

	group.Go(func() error {
		pumpLinkEvents(ctx, links, engine, logger)
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		links.Stop()
		return nil
	})

	group.Go(func() error {
		defer stop()
		return console.Run(ctx)
	})

	for _, address := range cfg.Peers {
		links.Maintain(address)
	}

	if cfg.DiscoveryEnabled && listenPort > 0 {
		discoveryService, err := discovery.Start(discovery.Config{
			NodeID:         cfg.NodeID,
			DisplayName:    cfg.DisplayName,
			ListeningPort:  listenPort,
			KeyFingerprint: keys.Fingerprint(),
			Logger:         logger,
		}, func(peer discovery.DiscoveredPeer) {
			host, port, ok := dialTarget(peer)
			if ok {
				links.NotifyPeerDiscovered(peer.NodeID, host, port)
			}
		})
		if err != nil {
			logger.Warn("discovery unavailable", zap.Error(err))
		} else {
			group.Go(func() error {
				<-ctx.Done()
				discoveryService.Stop()
				return nil
			})
		}
	}

	if cfg.MetricsAddress != "" {
		serveMetrics(ctx, group, cfg.MetricsAddress, collector, logger)
	}

	err = group.Wait()
	fmt.Println("Status:          shut down")
	return err
}

// pumpLinkEvents hands link lifecycle changes and frames to the engine until
// the link manager closes its event stream.
func pumpLinkEvents(ctx context.Context, links *network.LinkManager, engine *mesh.Engine, logger *zap.Logger) {
	for event := range links.Events() {
		var err error
		switch event.Kind {
		case network.LinkUp:
			err = engine.LinkUp(ctx, event.LinkID, event.DisplayName)
		case network.LinkDown:
			err = engine.LinkDown(ctx, event.LinkID)
		case network.LinkPayload:
			err = engine.Deliver(ctx, event.LinkID, event.Payload)
		}
		if err != nil && !errors.Is(err, mesh.ErrEngineStopped) && !errors.Is(err, context.Canceled) {
			logger.Warn("link event dropped",
				zap.Stringer("kind", event.Kind),
				zap.String("link_id", event.LinkID),
				zap.Error(err),
			)
		}
	}
}

func serveMetrics(ctx context.Context, group *errgroup.Group, address string, collector *metrics.Collector, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group.Go(func() error {
		logger.Info("metrics endpoint listening", zap.String("address", address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics endpoint failed", zap.Error(err))
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}

func dialTarget(peer discovery.DiscoveredPeer) (string, int, bool) {
	address := peer.DialAddress()
	if address == "" {
		return "", 0, false
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, false
	}
	return host, peer.Port, true
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if parsed, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = parsed
	}
	// Keep stdout for the console.
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
