package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshrelay/models"
	"meshrelay/network"
	"meshrelay/storage"
)

func TestKeyExchangeThenEncryptedUnicast(t *testing.T) {
	hub := newTestHub(t, "x", "y")
	hub.link(t, "x", "y")

	x, y := hub.engines["x"], hub.engines["y"]
	require.Eventually(t, func() bool {
		return x.Keys().HasKey("y") && y.Keys().HasKey("x")
	}, waitFor, tick)

	sent, err := x.Send(context.Background(), "y", models.TypeText, "hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		message, ok := hub.stores["y"].message(sent.MessageID)
		return ok && message.Content == "hello"
	}, waitFor, tick)
	hub.flushAll(t)

	wire, ok := hub.floodedEnvelope("x", sent.MessageID)
	require.True(t, ok, "unicast never left x")
	assert.NotEqual(t, "hello", wire.Payload)
	assert.Equal(t, "y", wire.RecipientID)

	assert.Zero(t, hub.floodsOf("y", sent.MessageID), "addressee must not forward")

	stored, ok := hub.stores["x"].message(sent.MessageID)
	require.True(t, ok)
	assert.Equal(t, "hello", stored.Content, "sender keeps plaintext")
}

func TestBroadcastFloodsAcrossLine(t *testing.T) {
	hub := newTestHub(t, "a", "b", "c")
	hub.link(t, "a", "b")
	hub.link(t, "b", "c")

	sent, err := hub.engines["a"].Send(context.Background(), models.BroadcastRecipient, models.TypeText, "hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		message, ok := hub.stores["c"].message(sent.MessageID)
		return ok && message.Content == "hi"
	}, waitFor, tick)
	hub.flushAll(t)

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, hub.stores[id].insertCount(sent.MessageID), "node %s writes once", id)
		assert.Equal(t, 1, hub.floodsOf(id, sent.MessageID), "node %s floods once", id)
	}

	summary, ok := hub.stores["c"].conversation(models.BroadcastRecipient)
	require.True(t, ok)
	assert.Equal(t, models.EveryoneDisplayName, summary.DisplayName)
	assert.Equal(t, 1, summary.UnreadCount)
}

func TestRelayForwardsCiphertextUnchanged(t *testing.T) {
	hub := newTestHub(t, "a", "b", "c")
	hub.link(t, "a", "b")
	hub.link(t, "b", "c")

	a := hub.engines["a"]
	require.Eventually(t, func() bool { return a.Keys().HasKey("c") }, waitFor, tick)

	sent, err := a.Send(context.Background(), "c", models.TypeText, "secret")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		message, ok := hub.stores["c"].message(sent.MessageID)
		return ok && message.Content == "secret"
	}, waitFor, tick)
	hub.flushAll(t)

	original, _ := hub.floodedEnvelope("a", sent.MessageID)
	relayed, ok := hub.floodedEnvelope("b", sent.MessageID)
	require.True(t, ok, "relay did not forward")
	assert.Equal(t, original.Payload, relayed.Payload)

	_, stored := hub.stores["b"].message(sent.MessageID)
	assert.False(t, stored, "relay must not persist traffic for others")
}

func TestSendToSelfStaysLocal(t *testing.T) {
	engine, substrate, store := startEngine(t, Options{LocalID: "a"})

	sent, err := engine.Send(context.Background(), "a", models.TypeText, "note")
	require.NoError(t, err)
	flush(t, engine)

	assert.Zero(t, substrate.count(), "self message must not be transmitted")
	assert.False(t, engine.Seen(sent.MessageID))

	stored, ok := store.message(sent.MessageID)
	require.True(t, ok)
	assert.Equal(t, "a", stored.SenderID)
	assert.Equal(t, "a", stored.RecipientID)
	assert.Equal(t, "note", stored.Content)
}

func TestDeleteForEveryoneConverges(t *testing.T) {
	hub := newTestHub(t, "a", "b", "c")
	hub.link(t, "a", "b")
	hub.link(t, "b", "c")

	a := hub.engines["a"]
	require.Eventually(t, func() bool { return a.Keys().HasKey("b") }, waitFor, tick)

	ctx := context.Background()
	sent, err := a.Send(ctx, models.BroadcastRecipient, models.TypeText, "oops")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := hub.stores["c"].message(sent.MessageID)
		return ok
	}, waitFor, tick)

	deleteID, err := a.DeleteForEveryone(ctx, sent.MessageID)
	require.NoError(t, err)
	assert.Contains(t, deleteID, "-DEL")

	require.Eventually(t, func() bool {
		for _, store := range hub.stores {
			message, ok := store.message(sent.MessageID)
			if !ok || !message.DeletedForEveryone || !message.IsDeleted {
				return false
			}
		}
		return true
	}, waitFor, tick)
	hub.flushAll(t)

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, hub.floodsOf(id, deleteID), "node %s floods delete once", id)
		message, _ := hub.stores[id].message(sent.MessageID)
		assert.Empty(t, message.Content)
	}
}

func TestDuplicateDeliveriesProcessedOnce(t *testing.T) {
	engine, substrate, store := startEngine(t, Options{LocalID: "local"})

	envelope := network.Envelope{
		Type:        models.TypeText,
		MessageID:   "peer-1700000000000",
		SenderID:    "peer",
		RecipientID: models.BroadcastRecipient,
		Payload:     "hello all",
	}
	for i := 0; i < 5; i++ {
		deliver(t, engine, "peer", envelope)
	}
	flush(t, engine)

	assert.Equal(t, 1, store.insertCount(envelope.MessageID))
	assert.Len(t, substrate.sentWithID(envelope.MessageID), 1)

	stored, ok := store.message(envelope.MessageID)
	require.True(t, ok)
	assert.Equal(t, int64(1700000000000), stored.Timestamp)
}

func TestUnicastForOtherIsRelayedNotStored(t *testing.T) {
	engine, substrate, store := startEngine(t, Options{LocalID: "local"})

	envelope := network.Envelope{
		Type:        models.TypeText,
		MessageID:   "peer-1700000000001",
		SenderID:    "peer",
		RecipientID: "elsewhere",
		Payload:     "b3BhcXVl",
	}
	deliver(t, engine, "peer", envelope)
	flush(t, engine)

	forwarded := substrate.sentWithID(envelope.MessageID)
	require.Len(t, forwarded, 1)
	assert.Equal(t, envelope, forwarded[0])
	assert.Zero(t, store.insertCount(envelope.MessageID))
}

func TestAddressedMessageDecryptsOrFallsBack(t *testing.T) {
	engine, substrate, store := startEngine(t, Options{LocalID: "local"})

	peerKeys, err := NewKeyRing()
	require.NoError(t, err)
	_, err = peerKeys.ImportPeerBundle("local", engine.Keys().PublicBundleBase64())
	require.NoError(t, err)
	sealed, err := peerKeys.EncryptFor("local", []byte("for your eyes"))
	require.NoError(t, err)

	deliver(t, engine, "peer", network.Envelope{
		Type:        models.TypeText,
		MessageID:   "peer-1700000000010",
		SenderID:    "peer",
		RecipientID: "local",
		Payload:     sealed,
	})
	deliver(t, engine, "peer", network.Envelope{
		Type:        models.TypeText,
		MessageID:   "peer-1700000000011",
		SenderID:    "peer",
		RecipientID: "local",
		Payload:     "sent in clear",
	})
	flush(t, engine)

	first, ok := store.message("peer-1700000000010")
	require.True(t, ok)
	assert.Equal(t, "for your eyes", first.Content)

	second, ok := store.message("peer-1700000000011")
	require.True(t, ok)
	assert.Equal(t, "sent in clear", second.Content)

	assert.Zero(t, substrate.count(), "addressed messages are not forwarded")

	summary, ok := store.conversation("peer")
	require.True(t, ok)
	assert.Equal(t, 2, summary.UnreadCount)
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	engine, substrate, store := startEngine(t, Options{LocalID: "local"})

	require.NoError(t, engine.Deliver(context.Background(), "peer", []byte("TEXT|only-two")))
	require.NoError(t, engine.Deliver(context.Background(), "peer", []byte("NOPE|id|peer|BROADCAST|x")))
	flush(t, engine)

	assert.Zero(t, substrate.count())
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.messages)
}

func TestUnicastWithoutKeyPolicy(t *testing.T) {
	t.Run("fail open sends plaintext and warns", func(t *testing.T) {
		engine, substrate, _ := startEngine(t, Options{LocalID: "local"})

		sent, err := engine.Send(context.Background(), "stranger", models.TypeText, "plain")
		require.NoError(t, err)

		event := waitEvent(t, engine, EventPlaintextFallback)
		assert.Equal(t, "stranger", event.PeerID)

		flush(t, engine)
		wire := substrate.sentWithID(sent.MessageID)
		require.Len(t, wire, 1)
		assert.Equal(t, "plain", wire[0].Payload)
	})

	t.Run("fail closed refuses", func(t *testing.T) {
		engine, substrate, store := startEngine(t, Options{LocalID: "local", FailClosed: true})

		_, err := engine.Send(context.Background(), "stranger", models.TypeText, "plain")
		require.ErrorIs(t, err, ErrNoKey)

		flush(t, engine)
		assert.Zero(t, substrate.count())
		store.mu.Lock()
		defer store.mu.Unlock()
		assert.Empty(t, store.messages)
	})
}

func TestSendRejectsInvalidInput(t *testing.T) {
	engine, _, _ := startEngine(t, Options{LocalID: "local"})
	ctx := context.Background()

	_, err := engine.Send(ctx, models.BroadcastRecipient, models.TypeText, "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = engine.Send(ctx, models.BroadcastRecipient, models.TypeKey, "bundle")
	assert.ErrorIs(t, err, ErrNotChatType)

	_, err = engine.Send(ctx, "bad|peer", models.TypeText, "hi")
	assert.ErrorIs(t, err, network.ErrDelimiterInField)
}

func TestSendIDsStrictlyIncrease(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	engine, _, _ := startEngine(t, Options{LocalID: "local", Now: func() time.Time { return fixed }})

	ctx := context.Background()
	first, err := engine.Send(ctx, models.BroadcastRecipient, models.TypeText, "one")
	require.NoError(t, err)
	second, err := engine.Send(ctx, models.BroadcastRecipient, models.TypeText, "two")
	require.NoError(t, err)

	assert.Equal(t, "local-1700000000000", first.MessageID)
	assert.Equal(t, "local-1700000000001", second.MessageID)
	assert.Less(t, first.Timestamp, second.Timestamp)
}

func TestKeyImportAndLinkDownForget(t *testing.T) {
	engine, substrate, _ := startEngine(t, Options{LocalID: "local"})

	peerKeys, err := NewKeyRing()
	require.NoError(t, err)
	keyEnvelope := network.Envelope{
		Type:        models.TypeKey,
		MessageID:   "peer-1700000000000-KEY",
		SenderID:    "peer",
		RecipientID: models.BroadcastRecipient,
		Payload:     peerKeys.PublicBundleBase64(),
	}
	deliver(t, engine, "peer", keyEnvelope)

	available := waitEvent(t, engine, EventRecipientAvailable)
	assert.Equal(t, "peer", available.PeerID)
	assert.True(t, engine.Keys().HasKey("peer"))

	flush(t, engine)
	assert.Len(t, substrate.sentWithID(keyEnvelope.MessageID), 1, "key envelopes keep flooding")

	require.NoError(t, engine.LinkDown(context.Background(), "peer"))
	lost := waitEvent(t, engine, EventRecipientLost)
	assert.Equal(t, "peer", lost.PeerID)
	assert.False(t, engine.Keys().HasKey("peer"))
}

func TestRestartedPeerKeyReplacesStaleKey(t *testing.T) {
	engine, substrate, _ := startEngine(t, Options{LocalID: "local"})
	ctx := context.Background()

	oldKeys, err := NewKeyRing()
	require.NoError(t, err)
	deliver(t, engine, "peer", network.Envelope{
		Type:        models.TypeKey,
		MessageID:   "peer-1700000000000-KEY",
		SenderID:    "peer",
		RecipientID: models.BroadcastRecipient,
		Payload:     oldKeys.PublicBundleBase64(),
	})
	waitEvent(t, engine, EventRecipientAvailable)

	// The link to the peer is replaced by a fresh one after its restart.
	require.NoError(t, engine.LinkDown(ctx, "peer"))
	require.NoError(t, engine.LinkUp(ctx, "peer", "Peer"))
	flush(t, engine)
	substrate.mu.Lock()
	var advertised int
	for _, envelope := range substrate.sent {
		if envelope.Type == models.TypeKey && envelope.SenderID == "local" {
			advertised++
		}
	}
	substrate.mu.Unlock()
	assert.Equal(t, 1, advertised, "own key re-advertised on the new link")

	newKeys, err := NewKeyRing()
	require.NoError(t, err)
	deliver(t, engine, "peer", network.Envelope{
		Type:        models.TypeKey,
		MessageID:   "peer-1700000009000-KEY",
		SenderID:    "peer",
		RecipientID: models.BroadcastRecipient,
		Payload:     newKeys.PublicBundleBase64(),
	})
	waitEvent(t, engine, EventRecipientAvailable)

	fingerprint, ok := engine.Keys().PeerFingerprint("peer")
	require.True(t, ok)
	assert.Equal(t, newKeys.Fingerprint(), fingerprint)

	sent, err := engine.Send(ctx, "peer", models.TypeText, "after restart")
	require.NoError(t, err)
	flush(t, engine)
	wire := substrate.sentWithID(sent.MessageID)
	require.Len(t, wire, 1)
	plaintext, err := newKeys.DecryptOwn(wire[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "after restart", string(plaintext))
}

func TestOwnKeyEchoIgnored(t *testing.T) {
	engine, _, _ := startEngine(t, Options{LocalID: "local"})

	deliver(t, engine, "peer", network.Envelope{
		Type:        models.TypeKey,
		MessageID:   "local-1-KEY",
		SenderID:    "local",
		RecipientID: models.BroadcastRecipient,
		Payload:     engine.Keys().PublicBundleBase64(),
	})
	flush(t, engine)
	assert.False(t, engine.Keys().HasKey("local"))
}

func TestPresenceUpdatesMembership(t *testing.T) {
	engine, substrate, _ := startEngine(t, Options{LocalID: "local"})

	deliver(t, engine, "peer", network.Envelope{
		Type:        models.TypePresence,
		MessageID:   "peer-1700000000500-P",
		SenderID:    "peer",
		RecipientID: models.BroadcastRecipient,
		Payload:     "1700000000500_Peer_With_Underscores",
	})
	event := waitEvent(t, engine, EventMembersChanged)
	require.Len(t, event.Members, 1)
	assert.Equal(t, "Peer_With_Underscores", event.Members[0].DisplayName)
	assert.Equal(t, int64(1700000000500), event.Members[0].LastSeen)

	flush(t, engine)
	assert.Len(t, substrate.sentWithID("peer-1700000000500-P"), 1)
}

func TestLinkUpAdvertisesKeyAndPresence(t *testing.T) {
	engine, substrate, _ := startEngine(t, Options{LocalID: "local", DisplayName: "Local"})

	require.NoError(t, engine.LinkUp(context.Background(), "peer", "Peer"))
	flush(t, engine)

	substrate.mu.Lock()
	sent := append([]network.Envelope(nil), substrate.sent...)
	substrate.mu.Unlock()

	require.Len(t, sent, 2)
	assert.Equal(t, models.TypeKey, sent[0].Type)
	assert.Equal(t, engine.Keys().PublicBundleBase64(), sent[0].Payload)
	assert.Equal(t, models.TypePresence, sent[1].Type)
	assert.Contains(t, sent[1].Payload, "_Local")
	assert.True(t, engine.Seen(sent[0].MessageID))
	assert.True(t, engine.Seen(sent[1].MessageID))
}

func TestHeartbeatPrunesExpiredMembers(t *testing.T) {
	var clock atomicTime
	clock.set(time.UnixMilli(1_700_000_000_000))

	engine, substrate, _ := startEngine(t, Options{
		LocalID:           "local",
		HeartbeatInterval: 20 * time.Millisecond,
		MembershipTimeout: 60 * time.Millisecond,
		Now:               clock.now,
	})

	deliver(t, engine, "peer", network.Envelope{
		Type:        models.TypePresence,
		MessageID:   "peer-1700000000000-P",
		SenderID:    "peer",
		RecipientID: models.BroadcastRecipient,
		Payload:     "1700000000000_Peer",
	})
	require.Eventually(t, func() bool {
		for _, member := range engine.Members() {
			if member.PeerID == "peer" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	clock.set(time.UnixMilli(1_700_000_000_000).Add(time.Second))
	require.Eventually(t, func() bool {
		for _, member := range engine.Members() {
			if member.PeerID == "peer" {
				return false
			}
		}
		return true
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		substrate.mu.Lock()
		defer substrate.mu.Unlock()
		for _, envelope := range substrate.sent {
			if envelope.Type == models.TypePresence && envelope.SenderID == "local" {
				return true
			}
		}
		return false
	}, waitFor, tick, "heartbeat should emit presence while links are up")
}

func TestStorageFailureSurfacesEventAndKeepsFlooding(t *testing.T) {
	store := newMemoryStore()
	store.failInserts = errors.New("disk full")
	engine, substrate, _ := startEngine(t, Options{LocalID: "local", Store: store})

	sent, err := engine.Send(context.Background(), models.BroadcastRecipient, models.TypeText, "hi")
	require.NoError(t, err)

	event := waitEvent(t, engine, EventStorageFailed)
	assert.Equal(t, sent.MessageID, event.MessageID)

	flush(t, engine)
	assert.Len(t, substrate.sentWithID(sent.MessageID), 1)
}

func TestTombstoneBeforeMessageWithSQLiteStore(t *testing.T) {
	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine, _, _ := startEngine(t, Options{LocalID: "local", Store: store})

	deliver(t, engine, "peer", network.Envelope{
		Type:        models.TypeDeleteForEveryone,
		MessageID:   "peer-1700000000100-DEL",
		SenderID:    "peer",
		RecipientID: models.BroadcastRecipient,
		Payload:     "peer-1700000000050",
	})
	deliver(t, engine, "peer", network.Envelope{
		Type:        models.TypeText,
		MessageID:   "peer-1700000000050",
		SenderID:    "peer",
		RecipientID: models.BroadcastRecipient,
		Payload:     "too late",
	})
	flush(t, engine)

	message, err := store.GetMessage("peer-1700000000050")
	require.NoError(t, err)
	assert.True(t, message.IsDeleted)
	assert.True(t, message.DeletedForEveryone)
	assert.Empty(t, message.Content)

	visible, err := store.ListForUser("local")
	require.NoError(t, err)
	assert.Empty(t, visible)

	var deleted int
	for _, event := range pendingEvents(engine) {
		if event.Kind == EventMessageDisplayed {
			t.Fatalf("deleted message was displayed: %q", event.Message.Content)
		}
		if event.Kind == EventMessageDeleted && event.MessageID == "peer-1700000000050" {
			deleted++
		}
	}
	assert.Equal(t, 1, deleted)

	_, err = store.GetConversation(models.BroadcastRecipient)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.RebuildConversations("local"))
	_, err = store.GetConversation(models.BroadcastRecipient)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLateCopyOfDeletedDirectMessageStaysHidden(t *testing.T) {
	engine, _, store := startEngine(t, Options{LocalID: "local"})

	deliver(t, engine, "peer", network.Envelope{
		Type:        models.TypeDeleteForEveryone,
		MessageID:   "peer-1700000000200-DEL",
		SenderID:    "peer",
		RecipientID: models.BroadcastRecipient,
		Payload:     "peer-1700000000150",
	})
	deliver(t, engine, "peer", network.Envelope{
		Type:        models.TypeText,
		MessageID:   "peer-1700000000150",
		SenderID:    "peer",
		RecipientID: "local",
		Payload:     "secret",
	})
	flush(t, engine)

	message, ok := store.message("peer-1700000000150")
	require.True(t, ok)
	assert.True(t, message.DeletedForEveryone)
	assert.Empty(t, message.Content)

	_, touched := store.conversation("peer")
	assert.False(t, touched)
	for _, event := range pendingEvents(engine) {
		if event.Kind == EventMessageDisplayed {
			t.Fatalf("deleted message was displayed: %q", event.Message.Content)
		}
	}
}

func TestDeleteForMeIsLocal(t *testing.T) {
	engine, substrate, store := startEngine(t, Options{LocalID: "local"})
	ctx := context.Background()

	sent, err := engine.Send(ctx, models.BroadcastRecipient, models.TypeText, "mine")
	require.NoError(t, err)
	flush(t, engine)
	before := substrate.count()

	require.NoError(t, engine.DeleteForMe(ctx, sent.MessageID))
	flush(t, engine)

	message, ok := store.message(sent.MessageID)
	require.True(t, ok)
	assert.True(t, message.IsDeleted)
	assert.False(t, message.DeletedForEveryone)
	assert.Equal(t, before, substrate.count())
}

func TestEngineStoppedRejectsWork(t *testing.T) {
	engine, err := NewEngine(Options{LocalID: "local", Substrate: &recordingSubstrate{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	cancel()
	<-done

	_, err = engine.Send(context.Background(), models.BroadcastRecipient, models.TypeText, "late")
	assert.ErrorIs(t, err, ErrEngineStopped)

	_, open := <-engine.Events()
	assert.False(t, open)
}

func TestNewEngineValidatesOptions(t *testing.T) {
	_, err := NewEngine(Options{Substrate: &recordingSubstrate{}})
	assert.Error(t, err)

	_, err = NewEngine(Options{LocalID: "a|b", Substrate: &recordingSubstrate{}})
	assert.Error(t, err)

	_, err = NewEngine(Options{LocalID: "a"})
	assert.Error(t, err)

	_, err = NewEngine(Options{
		LocalID:           "a",
		Substrate:         &recordingSubstrate{},
		HeartbeatInterval: time.Second,
		MembershipTimeout: time.Second,
	})
	assert.Error(t, err)
}
