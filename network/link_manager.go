package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshrelay/metrics"
)

// ErrManagerStopped indicates the link manager no longer accepts links.
var ErrManagerStopped = errors.New("network: link manager stopped")

// LinkEventKind classifies link manager events.
type LinkEventKind int

const (
	LinkUp LinkEventKind = iota + 1
	LinkDown
	LinkPayload
)

func (k LinkEventKind) String() string {
	switch k {
	case LinkUp:
		return "link_up"
	case LinkDown:
		return "link_down"
	case LinkPayload:
		return "payload"
	default:
		return "unknown"
	}
}

// LinkEvent is emitted for link lifecycle changes and inbound frames. LinkID
// is the remote node id announced in its hello.
type LinkEvent struct {
	Kind        LinkEventKind
	LinkID      string
	DisplayName string
	Payload     []byte
}

var defaultReconnectBackoff = []time.Duration{
	0,
	2 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

// LinkManagerOptions configures the TCP link substrate.
type LinkManagerOptions struct {
	Identity      LocalIdentity
	ListenAddress string

	ReconnectBackoff []time.Duration

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	FrameReadTimeout  time.Duration

	// InboundRatePerSec <= 0 disables per-link throttling.
	InboundRatePerSec float64
	InboundBurst      int

	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// LinkManager owns every direct link of the local node: it accepts and
// dials TCP links, keeps at most one link per remote node, and floods frames
// to all of them.
type LinkManager struct {
	options LinkManagerOptions
	logger  *zap.Logger
	metrics *metrics.Collector

	server *Server

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	connMu      sync.RWMutex
	connections map[string]*Link
	closing     bool

	dialMu      sync.Mutex
	dialWorkers map[string]context.CancelFunc
	dialPeers   map[string]string

	events chan LinkEvent
}

// NewLinkManager creates a link manager with validated configuration.
func NewLinkManager(options LinkManagerOptions) (*LinkManager, error) {
	if options.Identity.NodeID == "" {
		return nil, errors.New("identity.node_id is required")
	}
	if len(options.ReconnectBackoff) == 0 {
		options.ReconnectBackoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}
	if options.InboundBurst <= 0 {
		options.InboundBurst = 1
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LinkManager{
		options:     options,
		logger:      logger.Named("links"),
		metrics:     options.Metrics,
		ctx:         ctx,
		cancel:      cancel,
		connections: make(map[string]*Link),
		dialWorkers: make(map[string]context.CancelFunc),
		dialPeers:   make(map[string]string),
		events:      make(chan LinkEvent, 256),
	}, nil
}

// Start opens the listener and begins accepting links.
func (m *LinkManager) Start() error {
	server, err := Listen(m.options.ListenAddress, m.handshakeOptions())
	if err != nil {
		return err
	}
	m.server = server
	m.logger.Info("listening", zap.String("address", server.Addr().String()))

	m.wg.Add(1)
	go m.serverLoop()
	return nil
}

// Stop closes the listener, dial workers, and every link, then closes Events.
func (m *LinkManager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		if m.server != nil {
			_ = m.server.Close()
		}

		m.dialMu.Lock()
		for _, cancel := range m.dialWorkers {
			cancel()
		}
		m.dialWorkers = make(map[string]context.CancelFunc)
		m.dialMu.Unlock()

		m.connMu.Lock()
		m.closing = true
		for _, link := range m.connections {
			_ = link.Close()
		}
		m.connMu.Unlock()

		m.wg.Wait()
		close(m.events)
	})
}

// Addr returns the listening address.
func (m *LinkManager) Addr() net.Addr {
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Events returns link lifecycle and payload events. It is closed by Stop.
func (m *LinkManager) Events() <-chan LinkEvent {
	return m.events
}

// Connect dials address once and registers the resulting link. When a
// preferred link to the same node already exists, that link is returned.
func (m *LinkManager) Connect(ctx context.Context, address string) (*Link, error) {
	link, err := Dial(ctx, address, m.handshakeOptions())
	if err != nil {
		return nil, err
	}

	m.dialMu.Lock()
	m.dialPeers[address] = link.PeerNodeID()
	m.dialMu.Unlock()

	current := m.registerConnection(link)
	if current == nil {
		return nil, ErrManagerStopped
	}
	return current, nil
}

// Maintain keeps a link to address alive, redialling with backoff whenever
// no link to the node behind it exists.
func (m *LinkManager) Maintain(address string) {
	if address == "" {
		return
	}

	m.dialMu.Lock()
	if _, exists := m.dialWorkers[address]; exists {
		m.dialMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.dialWorkers[address] = cancel
	m.dialMu.Unlock()

	started := m.goTracked(func() {
		defer func() {
			m.dialMu.Lock()
			delete(m.dialWorkers, address)
			m.dialMu.Unlock()
		}()
		m.dialLoop(ctx, address)
	})
	if !started {
		cancel()
	}
}

// NotifyPeerDiscovered starts maintaining a link to a discovered node.
func (m *LinkManager) NotifyPeerDiscovered(nodeID, host string, port int) {
	if nodeID == "" || nodeID == m.options.Identity.NodeID || host == "" || port <= 0 {
		return
	}
	if m.linkFor(nodeID) != nil {
		return
	}
	m.Maintain(net.JoinHostPort(host, strconv.Itoa(port)))
}

// Broadcast writes payload to every link not named in excluded. A failing
// link does not stop delivery to the others; all failures are joined.
func (m *LinkManager) Broadcast(payload []byte, excluded ...string) error {
	skip := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}

	m.connMu.RLock()
	targets := make(map[string]*Link, len(m.connections))
	for id, link := range m.connections {
		if _, ok := skip[id]; !ok {
			targets[id] = link
		}
	}
	m.connMu.RUnlock()

	var errs []error
	for id, link := range targets {
		if err := link.Send(payload); err != nil {
			m.metrics.LinkSendError()
			m.logger.Warn("link send failed", zap.String("link_id", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("link %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ActiveLinks returns the number of connected links.
func (m *LinkManager) ActiveLinks() int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return len(m.connections)
}

// LinkIDs returns connected node ids in sorted order.
func (m *LinkManager) LinkIDs() []string {
	m.connMu.RLock()
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	m.connMu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (m *LinkManager) serverLoop() {
	defer m.wg.Done()
	for {
		select {
		case link, ok := <-m.server.Incoming():
			if !ok {
				return
			}
			m.registerConnection(link)
		case err, ok := <-m.server.Errors():
			if !ok {
				return
			}
			m.logger.Debug("inbound link rejected", zap.Error(err))
		case <-m.ctx.Done():
			return
		}
	}
}

// registerConnection installs link unless a preferred link to the same node
// is already up. It returns the link that ends up current, or nil once the
// manager is stopping.
func (m *LinkManager) registerConnection(link *Link) *Link {
	peerID := link.PeerNodeID()

	m.connMu.Lock()
	if m.closing {
		m.connMu.Unlock()
		_ = link.Close()
		return nil
	}
	existing, exists := m.connections[peerID]
	if exists && !existing.Closed() && !m.preferLink(link, existing) {
		m.connMu.Unlock()
		_ = link.Close()
		return existing
	}
	m.connections[peerID] = link
	count := len(m.connections)
	m.wg.Add(1)
	m.connMu.Unlock()

	var replaced *Link
	if exists && existing != link {
		replaced = existing
		_ = existing.Close()
	}
	m.metrics.SetActiveLinks(count)
	m.logger.Info("link up",
		zap.String("link_id", peerID),
		zap.String("display_name", link.PeerDisplayName()),
		zap.Bool("outbound", link.Outbound()),
		zap.Bool("replaced", replaced != nil),
	)

	go m.connectionLoop(link, replaced)
	return link
}

// preferLink breaks ties between two links to the same node so both ends
// keep the link dialled by the lower node id.
func (m *LinkManager) preferLink(candidate, existing *Link) bool {
	if candidate.Outbound() == existing.Outbound() {
		return true
	}
	return candidate.Outbound() == (m.options.Identity.NodeID < candidate.PeerNodeID())
}

// connectionLoop pumps frames from link until it closes. A link that took
// over from replaced reports the old link down before announcing itself, so
// every LinkUp is paired with one LinkDown.
func (m *LinkManager) connectionLoop(link, replaced *Link) {
	defer m.wg.Done()

	peerID := link.PeerNodeID()
	if replaced != nil {
		m.emit(LinkEvent{Kind: LinkDown, LinkID: peerID, DisplayName: replaced.PeerDisplayName()})
	}
	m.emit(LinkEvent{Kind: LinkUp, LinkID: peerID, DisplayName: link.PeerDisplayName()})

	limiter := m.newLimiter()
	for {
		payload, err := link.Receive(m.ctx)
		if err != nil {
			break
		}
		if !limiter.Allow() {
			m.metrics.Received("unknown", metrics.OutcomeThrottled)
			m.logger.Debug("inbound frame throttled", zap.String("link_id", peerID))
			continue
		}
		m.emit(LinkEvent{Kind: LinkPayload, LinkID: peerID, Payload: payload})
	}
	_ = link.Close()

	m.connMu.Lock()
	current := m.connections[peerID] == link
	if current {
		delete(m.connections, peerID)
	}
	count := len(m.connections)
	m.connMu.Unlock()

	// A replaced link is reported down by its successor.
	if !current {
		return
	}
	m.metrics.SetActiveLinks(count)
	m.logger.Info("link down", zap.String("link_id", peerID), zap.Error(link.LastError()))
	m.emit(LinkEvent{Kind: LinkDown, LinkID: peerID, DisplayName: link.PeerDisplayName()})
}

func (m *LinkManager) dialLoop(ctx context.Context, address string) {
	attempt := 0
	for {
		if !sleepContext(ctx, m.backoffForAttempt(attempt)) {
			return
		}

		if existing := m.linkFor(m.dialPeer(address)); existing != nil {
			attempt = 0
			select {
			case <-existing.Done():
				continue
			case <-ctx.Done():
				return
			}
		}

		link, err := m.Connect(ctx, address)
		if err != nil {
			if errors.Is(err, ErrSelfConnection) || errors.Is(err, ErrManagerStopped) {
				return
			}
			m.logger.Debug("dial failed", zap.String("address", address), zap.Int("attempt", attempt), zap.Error(err))
			attempt++
			continue
		}

		attempt = 0
		select {
		case <-link.Done():
		case <-ctx.Done():
			return
		}
	}
}

func (m *LinkManager) goTracked(fn func()) bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.closing {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

func (m *LinkManager) emit(event LinkEvent) {
	select {
	case m.events <- event:
	case <-m.ctx.Done():
	}
}

func (m *LinkManager) newLimiter() *rate.Limiter {
	if m.options.InboundRatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(m.options.InboundRatePerSec), m.options.InboundBurst)
}

func (m *LinkManager) linkFor(peerID string) *Link {
	if peerID == "" {
		return nil
	}
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	link := m.connections[peerID]
	if link == nil || link.Closed() {
		return nil
	}
	return link
}

func (m *LinkManager) dialPeer(address string) string {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()
	return m.dialPeers[address]
}

func (m *LinkManager) backoffForAttempt(attempt int) time.Duration {
	backoff := m.options.ReconnectBackoff
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}

func (m *LinkManager) handshakeOptions() HandshakeOptions {
	return HandshakeOptions{
		Identity:          m.options.Identity,
		ConnectionTimeout: m.options.ConnectionTimeout,
		KeepAliveInterval: m.options.KeepAliveInterval,
		FrameReadTimeout:  m.options.FrameReadTimeout,
	}
}

func sleepContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
