package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshrelay/models"
	"meshrelay/network"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// memoryStore is an in-memory MessageStore that counts writes.
type memoryStore struct {
	mu            sync.Mutex
	messages      map[string]models.Message
	conversations map[string]models.Conversation
	inserts       map[string]int
	failInserts   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		messages:      make(map[string]models.Message),
		conversations: make(map[string]models.Conversation),
		inserts:       make(map[string]int),
	}
}

func (s *memoryStore) InsertMessage(message models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInserts != nil {
		return s.failInserts
	}
	s.inserts[message.MessageID]++
	if existing, ok := s.messages[message.MessageID]; ok {
		message.IsDeleted = message.IsDeleted || existing.IsDeleted
		message.DeletedForEveryone = message.DeletedForEveryone || existing.DeletedForEveryone
	}
	if message.DeletedForEveryone {
		message.IsDeleted = true
		message.Content = ""
	}
	s.messages[message.MessageID] = message
	return nil
}

func (s *memoryStore) SoftDeleteMessage(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[messageID]
	if !ok {
		return nil
	}
	message.IsDeleted = true
	s.messages[messageID] = message
	return nil
}

func (s *memoryStore) HardDeleteMessage(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := s.messages[messageID]
	message.MessageID = messageID
	message.IsDeleted = true
	message.DeletedForEveryone = true
	message.Content = ""
	s.messages[messageID] = message
	return nil
}

func (s *memoryStore) TouchConversation(summary models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.conversations[summary.PeerID]
	summary.UnreadCount += existing.UnreadCount
	s.conversations[summary.PeerID] = summary
	return nil
}

func (s *memoryStore) message(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[id]
	return message, ok
}

func (s *memoryStore) insertCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts[id]
}

func (s *memoryStore) conversation(peerID string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary, ok := s.conversations[peerID]
	return summary, ok
}

// recordingSubstrate captures every flood without delivering it anywhere.
type recordingSubstrate struct {
	mu    sync.Mutex
	links int
	sent  []network.Envelope
}

func (r *recordingSubstrate) Broadcast(payload []byte, _ ...string) error {
	envelope, err := network.DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, envelope)
	r.mu.Unlock()
	return nil
}

func (r *recordingSubstrate) ActiveLinks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links
}

func (r *recordingSubstrate) sentWithID(id string) []network.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []network.Envelope
	for _, envelope := range r.sent {
		if envelope.MessageID == id {
			out = append(out, envelope)
		}
	}
	return out
}

func (r *recordingSubstrate) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// testHub wires engines together in an arbitrary topology. Each flood is
// delivered asynchronously to every neighbour of the sending node.
type testHub struct {
	ctx context.Context

	mu      sync.Mutex
	engines map[string]*Engine
	stores  map[string]*memoryStore
	edges   map[string]map[string]bool
	floods  map[string][]network.Envelope
}

type hubPort struct {
	hub *testHub
	id  string
}

func (p hubPort) Broadcast(payload []byte, excluded ...string) error {
	h := p.hub
	envelope, err := network.DecodeEnvelope(payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.floods[p.id] = append(h.floods[p.id], envelope)
	var targets []*Engine
	for neighbour := range h.edges[p.id] {
		skip := false
		for _, id := range excluded {
			if id == neighbour {
				skip = true
			}
		}
		if !skip {
			targets = append(targets, h.engines[neighbour])
		}
	}
	h.mu.Unlock()

	for _, target := range targets {
		go func(target *Engine) {
			_ = target.Deliver(h.ctx, p.id, payload)
		}(target)
	}
	return nil
}

func (p hubPort) ActiveLinks() int {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	return len(p.hub.edges[p.id])
}

func newTestHub(t *testing.T, ids ...string) *testHub {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &testHub{
		ctx:     ctx,
		engines: make(map[string]*Engine),
		stores:  make(map[string]*memoryStore),
		edges:   make(map[string]map[string]bool),
		floods:  make(map[string][]network.Envelope),
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		store := newMemoryStore()
		engine, err := NewEngine(Options{
			LocalID:           id,
			DisplayName:       "name-" + id,
			HeartbeatInterval: time.Hour,
			MembershipTimeout: 3 * time.Hour,
			Store:             store,
			Substrate:         hubPort{hub: h, id: id},
		})
		require.NoError(t, err)
		h.engines[id] = engine
		h.stores[id] = store
		h.edges[id] = make(map[string]bool)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = engine.Run(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return h
}

// link connects two nodes and raises LinkUp on both ends.
func (h *testHub) link(t *testing.T, a, b string) {
	t.Helper()

	h.mu.Lock()
	h.edges[a][b] = true
	h.edges[b][a] = true
	h.mu.Unlock()

	require.NoError(t, h.engines[a].LinkUp(h.ctx, b, "name-"+b))
	require.NoError(t, h.engines[b].LinkUp(h.ctx, a, "name-"+a))
}

func (h *testHub) floodsOf(node, messageID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, envelope := range h.floods[node] {
		if envelope.MessageID == messageID {
			n++
		}
	}
	return n
}

func (h *testHub) floodedEnvelope(node, messageID string) (network.Envelope, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, envelope := range h.floods[node] {
		if envelope.MessageID == messageID {
			return envelope, true
		}
	}
	return network.Envelope{}, false
}

func (h *testHub) flushAll(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for id, engine := range h.engines {
		require.NoError(t, engine.Flush(ctx), "flush %s", id)
	}
}

// startEngine runs a single engine on a recording substrate.
func startEngine(t *testing.T, opts Options) (*Engine, *recordingSubstrate, *memoryStore) {
	t.Helper()

	substrate := &recordingSubstrate{links: 1}
	store := newMemoryStore()
	if opts.LocalID == "" {
		opts.LocalID = "local"
	}
	opts.Substrate = substrate
	if opts.Store == nil {
		opts.Store = store
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour
		opts.MembershipTimeout = 3 * time.Hour
	}

	engine, err := NewEngine(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return engine, substrate, store
}

func flush(t *testing.T, engine *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, engine.Flush(ctx))
}

func deliver(t *testing.T, engine *Engine, linkID string, envelope network.Envelope) {
	t.Helper()
	raw, err := network.EncodeEnvelope(envelope)
	require.NoError(t, err)
	require.NoError(t, engine.Deliver(context.Background(), linkID, raw))
}

func waitEvent(t *testing.T, engine *Engine, kind EventKind) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case event, ok := <-engine.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", kind)
			}
			if event.Kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

// pendingEvents returns the events already queued without waiting for more.
func pendingEvents(engine *Engine) []Event {
	var events []Event
	for {
		select {
		case event, ok := <-engine.Events():
			if !ok {
				return events
			}
			events = append(events, event)
		default:
			return events
		}
	}
}

// atomicTime is a settable clock shared with the engine loop.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) now() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
