package mesh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meshrelay/metrics"
	"meshrelay/models"
	"meshrelay/network"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultMembershipTimeout = 45 * time.Second

	defaultMailboxSize = 256
	defaultQueueSize   = 512
	defaultEventBuffer = 256
)

var (
	// ErrEngineStopped indicates the engine loop is no longer running.
	ErrEngineStopped = errors.New("mesh: engine stopped")
	// ErrEmptyContent indicates a chat send without content.
	ErrEmptyContent = errors.New("mesh: empty message content")
	// ErrNotChatType indicates a local send of a non-chat envelope type.
	ErrNotChatType = errors.New("mesh: only text and image messages can be sent")
)

// Substrate is the link layer the engine floods through.
type Substrate interface {
	Broadcast(payload []byte, excluded ...string) error
	ActiveLinks() int
}

// MessageStore is the durable store the engine writes through. Failures are
// logged and surfaced as events; they never stop message flow.
type MessageStore interface {
	InsertMessage(message models.Message) error
	SoftDeleteMessage(messageID string) error
	HardDeleteMessage(messageID string) error
	TouchConversation(summary models.Conversation) error
}

// Options configures an Engine.
type Options struct {
	LocalID     string
	DisplayName string

	HeartbeatInterval time.Duration
	MembershipTimeout time.Duration

	// FailClosed refuses unicast sends to peers without a known key instead
	// of sending them in clear.
	FailClosed bool
	// SeenCapacity bounds the dedup ledger; zero keeps every id.
	SeenCapacity int

	Keys      *KeyRing
	Store     MessageStore
	Substrate Substrate

	Logger  *zap.Logger
	Metrics *metrics.Collector

	Now         func() time.Time
	EventBuffer int
}

type storeJob struct {
	op      string
	run     func() error
	message string
	flushed chan struct{}
}

type sendJob struct {
	payload []byte
	flushed chan struct{}
}

// Engine is the relay protocol engine. Inbound envelopes, local sends, link
// lifecycle changes and heartbeats are serialised on one loop; storage writes
// and link sends run on their own ordered queues behind it.
type Engine struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	keys    *KeyRing
	ledger  *Ledger
	tracker *Tracker

	// Owned by the loop goroutine.
	clock     idClock
	linkNames map[string]string

	// tombstones holds ids deleted for everyone, so a copy arriving after
	// its delete lands already deleted.
	tombstones *Ledger

	mailbox    chan func()
	storeQueue chan storeJob
	sendQueue  chan sendJob
	events     chan Event

	started atomic.Bool
	done    chan struct{}
}

// NewEngine validates options and builds an engine. Run must be called to
// start processing.
func NewEngine(opts Options) (*Engine, error) {
	if opts.LocalID == "" {
		return nil, errors.New("local id is required")
	}
	if strings.Contains(opts.LocalID, network.EnvelopeDelimiter) {
		return nil, fmt.Errorf("local id must not contain %q", network.EnvelopeDelimiter)
	}
	if opts.Substrate == nil {
		return nil, errors.New("substrate is required")
	}
	if opts.DisplayName == "" {
		opts.DisplayName = opts.LocalID
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.MembershipTimeout <= 0 {
		opts.MembershipTimeout = DefaultMembershipTimeout
	}
	if opts.MembershipTimeout <= opts.HeartbeatInterval {
		return nil, fmt.Errorf("membership timeout %v must exceed heartbeat interval %v", opts.MembershipTimeout, opts.HeartbeatInterval)
	}
	if opts.Keys == nil {
		keys, err := NewKeyRing()
		if err != nil {
			return nil, fmt.Errorf("generate session keys: %w", err)
		}
		opts.Keys = keys
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		opts:       opts,
		logger:     logger.Named("mesh").With(zap.String("node_id", opts.LocalID)),
		metrics:    opts.Metrics,
		now:        opts.Now,
		keys:       opts.Keys,
		ledger:     NewLedger(opts.SeenCapacity),
		tombstones: NewLedger(opts.SeenCapacity),
		tracker:    NewTracker(),
		linkNames:  make(map[string]string),
		mailbox:    make(chan func(), defaultMailboxSize),
		storeQueue: make(chan storeJob, defaultQueueSize),
		sendQueue:  make(chan sendJob, defaultQueueSize),
		events:     make(chan Event, opts.EventBuffer),
		done:       make(chan struct{}),
	}, nil
}

// LocalID returns the local node identity.
func (e *Engine) LocalID() string {
	return e.opts.LocalID
}

// DisplayName returns the local display name.
func (e *Engine) DisplayName() string {
	return e.opts.DisplayName
}

// Keys exposes the session key ring for read-only queries.
func (e *Engine) Keys() *KeyRing {
	return e.keys
}

// Members returns the live membership list, most recent first.
func (e *Engine) Members() []models.Member {
	return e.tracker.List()
}

// Seen reports whether a message id has passed the dedup gate.
func (e *Engine) Seen(messageID string) bool {
	return e.ledger.Contains(messageID)
}

// Events returns engine notifications. The channel is closed when Run
// returns. Events are dropped when the consumer falls behind.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Run processes work until ctx is cancelled. On return every queued storage
// write and link send has completed.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.storageWorker()
	}()
	go func() {
		defer wg.Done()
		e.sendWorker()
	}()

	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()

	e.logger.Info("relay engine started",
		zap.Duration("heartbeat", e.opts.HeartbeatInterval),
		zap.Duration("membership_timeout", e.opts.MembershipTimeout),
		zap.Bool("fail_closed", e.opts.FailClosed),
	)

	for {
		select {
		case <-ctx.Done():
			close(e.storeQueue)
			close(e.sendQueue)
			wg.Wait()
			close(e.done)
			close(e.events)
			e.logger.Info("relay engine stopped")
			return nil
		case fn := <-e.mailbox:
			fn()
		case <-ticker.C:
			e.heartbeat()
		}
	}
}

// Deliver hands one inbound frame from linkID to the engine.
func (e *Engine) Deliver(ctx context.Context, linkID string, payload []byte) error {
	return e.post(ctx, func() {
		e.handleInbound(linkID, payload)
	})
}

// LinkUp records a new direct link and advertises the local key and
// presence over the mesh.
func (e *Engine) LinkUp(ctx context.Context, linkID, displayName string) error {
	return e.post(ctx, func() {
		e.linkNames[linkID] = displayName
		e.advertiseKey()
		e.sendPresence()
	})
}

// LinkDown forgets a direct link and the key its node advertised.
func (e *Engine) LinkDown(ctx context.Context, linkID string) error {
	return e.post(ctx, func() {
		name := e.linkNames[linkID]
		delete(e.linkNames, linkID)
		if e.keys.Forget(linkID) {
			e.metrics.SetKnownKeys(e.keys.Len())
			e.emit(Event{Kind: EventRecipientLost, PeerID: linkID, DisplayName: name})
		}
	})
}

// Send originates a chat message. recipient is a peer id, BROADCAST, or the
// local id for a note to self that never leaves the node.
func (e *Engine) Send(ctx context.Context, recipient string, msgType models.MessageType, content string) (models.Message, error) {
	var (
		message models.Message
		sendErr error
	)
	if err := e.call(ctx, func() {
		message, sendErr = e.send(recipient, msgType, content)
	}); err != nil {
		return models.Message{}, err
	}
	return message, sendErr
}

// DeleteForMe hides a message on this node only.
func (e *Engine) DeleteForMe(ctx context.Context, targetID string) error {
	return e.call(ctx, func() {
		e.enqueueStore("soft_delete", targetID, func(store MessageStore) error {
			return store.SoftDeleteMessage(targetID)
		})
		e.emit(Event{Kind: EventMessageDeleted, MessageID: targetID})
	})
}

// DeleteForEveryone tombstones a message locally and floods the delete to
// every node. It returns the id of the delete envelope.
func (e *Engine) DeleteForEveryone(ctx context.Context, targetID string) (string, error) {
	if targetID == "" {
		return "", errors.New("message id is required")
	}

	var (
		deleteID string
		sendErr  error
	)
	if err := e.call(ctx, func() {
		deleteID = messageID(e.opts.LocalID, e.clock.next(e.now()), deleteIDSuffix)
		e.ledger.RecordIfNew(deleteID)
		e.applyHardDelete(targetID)
		sendErr = e.transmit(network.Envelope{
			Type:        models.TypeDeleteForEveryone,
			MessageID:   deleteID,
			SenderID:    e.opts.LocalID,
			RecipientID: models.BroadcastRecipient,
			Payload:     targetID,
		})
	}); err != nil {
		return "", err
	}
	return deleteID, sendErr
}

// Flush waits until every storage write and link send queued so far has
// completed.
func (e *Engine) Flush(ctx context.Context) error {
	storeDone := make(chan struct{})
	sendDone := make(chan struct{})
	if err := e.call(ctx, func() {
		e.storeQueue <- storeJob{flushed: storeDone}
		e.sendQueue <- sendJob{flushed: sendDone}
	}); err != nil {
		return err
	}

	for _, ch := range []chan struct{}{storeDone, sendDone} {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) post(ctx context.Context, fn func()) error {
	select {
	case <-e.done:
		return ErrEngineStopped
	default:
	}

	select {
	case e.mailbox <- fn:
		return nil
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the loop and waits for it to finish.
func (e *Engine) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := e.post(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) send(recipient string, msgType models.MessageType, content string) (models.Message, error) {
	if !msgType.IsChat() {
		return models.Message{}, fmt.Errorf("%w: %s", ErrNotChatType, msgType)
	}
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyContent
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		recipient = models.BroadcastRecipient
	}
	if strings.Contains(recipient, network.EnvelopeDelimiter) {
		return models.Message{}, fmt.Errorf("%w: recipient %q", network.ErrDelimiterInField, recipient)
	}

	millis := e.clock.next(e.now())
	message := models.Message{
		MessageID:   messageID(e.opts.LocalID, millis, ""),
		Type:        msgType,
		SenderID:    e.opts.LocalID,
		RecipientID: recipient,
		Content:     content,
		Timestamp:   millis,
	}
	logger := e.logger.With(zap.String("message_id", message.MessageID), zap.String("recipient_id", recipient))

	if recipient == e.opts.LocalID {
		e.persist(message, 0)
		e.emit(Event{Kind: EventMessageDisplayed, Message: message})
		logger.Debug("stored note to self")
		return message, nil
	}

	payload := content
	if recipient != models.BroadcastRecipient {
		switch {
		case e.keys.HasKey(recipient):
			sealed, err := e.keys.EncryptFor(recipient, []byte(content))
			if err != nil {
				logger.Warn("encryption failed, send aborted", zap.Error(err))
				return models.Message{}, err
			}
			payload = sealed
		case e.opts.FailClosed:
			return models.Message{}, fmt.Errorf("%w %q", ErrNoKey, recipient)
		default:
			logger.Warn("no key for recipient, sending in clear")
			e.metrics.PlaintextSend()
			e.emit(Event{Kind: EventPlaintextFallback, MessageID: message.MessageID, PeerID: recipient})
		}
	}

	envelope := network.Envelope{
		Type:        msgType,
		MessageID:   message.MessageID,
		SenderID:    e.opts.LocalID,
		RecipientID: recipient,
		Payload:     payload,
	}
	e.ledger.RecordIfNew(message.MessageID)
	e.persist(message, 0)
	e.emit(Event{Kind: EventMessageDisplayed, Message: message})
	if err := e.transmit(envelope); err != nil {
		return message, err
	}
	e.metrics.Sent(msgType.String())
	return message, nil
}

func (e *Engine) handleInbound(linkID string, raw []byte) {
	envelope, err := network.DecodeEnvelope(raw)
	if err != nil {
		e.metrics.Received("unknown", metrics.OutcomeMalformed)
		e.logger.Debug("dropping malformed envelope", zap.String("link_id", linkID), zap.Error(err))
		return
	}

	msgType := envelope.Type.String()
	if !e.ledger.RecordIfNew(envelope.MessageID) {
		e.metrics.Received(msgType, metrics.OutcomeDuplicate)
		return
	}
	e.metrics.Received(msgType, metrics.OutcomeAccepted)
	e.metrics.SetSeen(e.ledger.Len())

	switch envelope.Type {
	case models.TypeDeleteForEveryone:
		target := strings.TrimSpace(envelope.Payload)
		if target != "" {
			e.applyHardDelete(target)
		}
		e.forward(envelope)
	case models.TypePresence:
		e.applyPresence(envelope)
		e.forward(envelope)
	case models.TypeKey:
		e.applyKey(envelope)
		e.forward(envelope)
	case models.TypeText, models.TypeImage:
		switch {
		case envelope.IsBroadcast():
			e.acceptChat(envelope, envelope.Payload)
			e.forward(envelope)
		case envelope.RecipientID == e.opts.LocalID:
			// Addressed here: the flood stops at this node.
			e.acceptChat(envelope, e.openPayload(envelope))
		default:
			e.forward(envelope)
		}
	}
}

func (e *Engine) applyPresence(envelope network.Envelope) {
	timestamp, name, err := parsePresence(envelope.Payload, e.now().UnixMilli())
	if err != nil {
		e.logger.Debug("ignoring presence payload", zap.String("message_id", envelope.MessageID), zap.Error(err))
		return
	}
	if e.tracker.Update(envelope.SenderID, name, timestamp) {
		e.metrics.SetMembers(e.tracker.Len())
		e.emit(Event{Kind: EventMembersChanged, Members: e.tracker.List()})
	}
}

func (e *Engine) applyKey(envelope network.Envelope) {
	if envelope.SenderID == e.opts.LocalID {
		return
	}
	added, err := e.keys.ImportPeerBundle(envelope.SenderID, envelope.Payload)
	if err != nil {
		e.logger.Warn("ignoring malformed key bundle",
			zap.String("message_id", envelope.MessageID),
			zap.String("peer_id", envelope.SenderID),
			zap.Error(err),
		)
		return
	}
	if !added {
		return
	}

	e.metrics.SetKnownKeys(e.keys.Len())
	fingerprint, _ := e.keys.PeerFingerprint(envelope.SenderID)
	e.logger.Info("peer key imported",
		zap.String("peer_id", envelope.SenderID),
		zap.String("fingerprint", fingerprint),
	)
	e.emit(Event{
		Kind:        EventRecipientAvailable,
		PeerID:      envelope.SenderID,
		DisplayName: e.displayNameFor(envelope.SenderID),
	})
}

func (e *Engine) acceptChat(envelope network.Envelope, content string) {
	timestamp, ok := timestampFromID(envelope.SenderID, envelope.MessageID)
	if !ok {
		timestamp = e.now().UnixMilli()
	}
	message := models.Message{
		MessageID:   envelope.MessageID,
		Type:        envelope.Type,
		SenderID:    envelope.SenderID,
		RecipientID: envelope.RecipientID,
		Content:     content,
		Timestamp:   timestamp,
	}
	if e.tombstones.Contains(message.MessageID) {
		e.persistTombstoned(message)
		return
	}
	e.persist(message, 1)
	e.emit(Event{Kind: EventMessageDisplayed, Message: message})
}

// openPayload decrypts an addressed payload, falling back to the raw text
// for senders that had no key for this node.
func (e *Engine) openPayload(envelope network.Envelope) string {
	plaintext, err := e.keys.DecryptOwn(envelope.Payload)
	if err != nil {
		e.metrics.DecryptFallback()
		e.logger.Debug("payload kept as plaintext",
			zap.String("message_id", envelope.MessageID),
			zap.String("peer_id", envelope.SenderID),
			zap.Error(err),
		)
		return envelope.Payload
	}
	return string(plaintext)
}

func (e *Engine) applyHardDelete(target string) {
	e.tombstones.RecordIfNew(target)
	e.enqueueStore("hard_delete", target, func(store MessageStore) error {
		return store.HardDeleteMessage(target)
	})
	e.emit(Event{Kind: EventMessageDeleted, MessageID: target, ForEveryone: true})
}

func (e *Engine) heartbeat() {
	if e.opts.Substrate.ActiveLinks() > 0 {
		e.sendPresence()
	}

	removed := e.tracker.PruneExpired(e.opts.MembershipTimeout, e.now())
	if len(removed) > 0 {
		for _, member := range removed {
			e.logger.Debug("member expired", zap.String("peer_id", member.PeerID))
		}
		e.metrics.SetMembers(e.tracker.Len())
		e.emit(Event{Kind: EventMembersChanged, Members: e.tracker.List()})
	}
}

func (e *Engine) sendPresence() {
	millis := e.clock.next(e.now())
	id := messageID(e.opts.LocalID, millis, presenceIDSuffix)
	e.ledger.RecordIfNew(id)
	if e.tracker.Update(e.opts.LocalID, e.opts.DisplayName, millis) {
		e.metrics.SetMembers(e.tracker.Len())
		e.emit(Event{Kind: EventMembersChanged, Members: e.tracker.List()})
	}
	_ = e.transmit(network.Envelope{
		Type:        models.TypePresence,
		MessageID:   id,
		SenderID:    e.opts.LocalID,
		RecipientID: models.BroadcastRecipient,
		Payload:     formatPresence(millis, e.opts.DisplayName),
	})
}

func (e *Engine) advertiseKey() {
	id := messageID(e.opts.LocalID, e.clock.next(e.now()), keyIDSuffix)
	e.ledger.RecordIfNew(id)
	_ = e.transmit(network.Envelope{
		Type:        models.TypeKey,
		MessageID:   id,
		SenderID:    e.opts.LocalID,
		RecipientID: models.BroadcastRecipient,
		Payload:     e.keys.PublicBundleBase64(),
	})
}

// forward floods a received envelope unchanged to every link, the one it
// came from included; the dedup gate stops the echo.
func (e *Engine) forward(envelope network.Envelope) {
	if err := e.transmit(envelope); err == nil {
		e.metrics.Forwarded(envelope.Type.String())
	}
}

func (e *Engine) transmit(envelope network.Envelope) error {
	raw, err := network.EncodeEnvelope(envelope)
	if err != nil {
		e.logger.Warn("cannot encode envelope", zap.String("message_id", envelope.MessageID), zap.Error(err))
		return err
	}
	e.sendQueue <- sendJob{payload: raw}
	return nil
}

func (e *Engine) persist(message models.Message, unread int) {
	summary := models.Conversation{
		PeerID:               models.ConversationPeer(e.opts.LocalID, message),
		LastMessageID:        message.MessageID,
		LastMessageText:      message.Preview(),
		LastMessageTimestamp: message.Timestamp,
		UnreadCount:          unread,
	}
	summary.DisplayName = e.displayNameFor(summary.PeerID)

	e.enqueueStore("insert", message.MessageID, func(store MessageStore) error {
		if err := store.InsertMessage(message); err != nil {
			return err
		}
		return store.TouchConversation(summary)
	})
}

// persistTombstoned stores a late copy of a message deleted for everyone. The
// conversation summary is left alone: deleted rows never count toward it.
func (e *Engine) persistTombstoned(message models.Message) {
	message.Content = ""
	message.IsDeleted = true
	message.DeletedForEveryone = true
	e.logger.Debug("message arrived after its delete",
		zap.String("message_id", message.MessageID),
		zap.String("peer_id", message.SenderID),
	)
	e.enqueueStore("insert", message.MessageID, func(store MessageStore) error {
		return store.InsertMessage(message)
	})
}

func (e *Engine) displayNameFor(peerID string) string {
	switch peerID {
	case models.BroadcastRecipient:
		return models.EveryoneDisplayName
	case e.opts.LocalID:
		return e.opts.DisplayName
	}
	if member, ok := e.tracker.Get(peerID); ok && member.DisplayName != "" {
		return member.DisplayName
	}
	return e.linkNames[peerID]
}

func (e *Engine) enqueueStore(op, targetID string, fn func(MessageStore) error) {
	store := e.opts.Store
	if store == nil {
		return
	}
	e.storeQueue <- storeJob{
		op:      op,
		message: targetID,
		run:     func() error { return fn(store) },
	}
}

func (e *Engine) storageWorker() {
	for job := range e.storeQueue {
		if job.flushed != nil {
			close(job.flushed)
			continue
		}
		if err := job.run(); err != nil {
			e.metrics.StorageError(job.op)
			e.logger.Warn("storage write failed, message kept in memory only",
				zap.String("operation", job.op),
				zap.String("message_id", job.message),
				zap.Error(err),
			)
			e.emit(Event{Kind: EventStorageFailed, MessageID: job.message, Err: err})
		}
	}
}

func (e *Engine) sendWorker() {
	for job := range e.sendQueue {
		if job.flushed != nil {
			close(job.flushed)
			continue
		}
		if err := e.opts.Substrate.Broadcast(job.payload); err != nil {
			e.logger.Debug("flood reached only some links", zap.Error(err))
		}
	}
}

func (e *Engine) emit(event Event) {
	select {
	case e.events <- event:
	default:
		e.logger.Debug("event dropped, consumer too slow", zap.Stringer("kind", event.Kind))
	}
}
