package storage

import (
	"testing"

	"meshrelay/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustInsert(t *testing.T, store *Store, message models.Message) {
	t.Helper()

	if err := store.InsertMessage(message); err != nil {
		t.Fatalf("insert message %q: %v", message.MessageID, err)
	}
}

func textMessage(id, sender, recipient, content string, ts int64) models.Message {
	return models.Message{
		MessageID:   id,
		Type:        models.TypeText,
		SenderID:    sender,
		RecipientID: recipient,
		Content:     content,
		Timestamp:   ts,
	}
}
