package models

const (
	// EveryoneDisplayName labels the broadcast conversation.
	EveryoneDisplayName = "Everyone"
	// ImagePreview stands in for image content in conversation summaries.
	ImagePreview = "[image]"
	// DeletedPreview replaces the summary text of a deleted last message.
	DeletedPreview = "[deleted]"
)

// Conversation is the per-peer rollup shown in a chat list. It is derived
// from stored messages and can be rebuilt from them at any time.
type Conversation struct {
	PeerID               string `json:"peer_id"`
	DisplayName          string `json:"display_name"`
	LastMessageID        string `json:"last_message_id"`
	LastMessageText      string `json:"last_message_text"`
	LastMessageTimestamp int64  `json:"last_message_timestamp"`
	UnreadCount          int    `json:"unread_count"`
}

// ConversationPeer returns the conversation a message belongs to from the
// point of view of localID: the broadcast channel, or the other party.
func ConversationPeer(localID string, m Message) string {
	switch {
	case m.IsBroadcast():
		return BroadcastRecipient
	case m.SenderID == localID:
		return m.RecipientID
	default:
		return m.SenderID
	}
}

// Preview returns the summary text for a message.
func (m Message) Preview() string {
	if m.DeletedForEveryone || m.IsDeleted {
		return DeletedPreview
	}
	if m.Type == TypeImage {
		return ImagePreview
	}
	return m.Content
}
