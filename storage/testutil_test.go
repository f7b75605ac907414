package storage

import (
	"path/filepath"
	"testing"
	"time"

	"localchat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenPath(filepath.Join(t.TempDir(), "history.db"))
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

func testMessage(id, sender, recipient string, origin models.Origin, sentAt time.Time) models.Message {
	return models.Message{
		ID:          id,
		SenderID:    sender,
		RecipientID: recipient,
		Body:        "body of " + id,
		SentAt:      sentAt,
		Origin:      origin,
	}
}
