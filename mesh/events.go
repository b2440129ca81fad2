package mesh

import "meshrelay/models"

// EventKind classifies engine notifications for the presentation layer.
type EventKind int

const (
	// EventMessageDisplayed carries a chat message to show.
	EventMessageDisplayed EventKind = iota + 1
	// EventMessageDeleted names a message that was deleted locally or mesh-wide.
	EventMessageDeleted
	// EventRecipientAvailable announces a newly imported peer key.
	EventRecipientAvailable
	// EventRecipientLost announces a dropped peer key after link loss.
	EventRecipientLost
	// EventMembersChanged carries the membership list after a join or expiry.
	EventMembersChanged
	// EventStorageFailed reports a message that is shown but not saved.
	EventStorageFailed
	// EventPlaintextFallback warns that a unicast message left unencrypted.
	EventPlaintextFallback
)

func (k EventKind) String() string {
	switch k {
	case EventMessageDisplayed:
		return "message_displayed"
	case EventMessageDeleted:
		return "message_deleted"
	case EventRecipientAvailable:
		return "recipient_available"
	case EventRecipientLost:
		return "recipient_lost"
	case EventMembersChanged:
		return "members_changed"
	case EventStorageFailed:
		return "storage_failed"
	case EventPlaintextFallback:
		return "plaintext_fallback"
	default:
		return "unknown"
	}
}

// Event is one engine notification. Fields not relevant to Kind are empty.
type Event struct {
	Kind EventKind

	Message     models.Message
	MessageID   string
	ForEveryone bool

	PeerID      string
	DisplayName string
	Members     []models.Member

	Err error
}
