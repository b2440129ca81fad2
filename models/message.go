package models

import "fmt"

// BroadcastRecipient addresses an envelope to every node in the mesh.
const BroadcastRecipient = "BROADCAST"

// MessageType is the closed set of envelope kinds carried over the mesh.
type MessageType uint8

const (
	TypeText MessageType = iota + 1
	TypeImage
	TypeKey
	TypePresence
	TypeDeleteForEveryone
)

// String returns the wire token for a message type.
func (t MessageType) String() string {
	switch t {
	case TypeText:
		return "TEXT"
	case TypeImage:
		return "IMAGE"
	case TypeKey:
		return "KEY"
	case TypePresence:
		return "PRESENCE"
	case TypeDeleteForEveryone:
		return "DELETE_FOR_EVERYONE"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// ParseMessageType maps a wire token back to its MessageType.
func ParseMessageType(token string) (MessageType, bool) {
	switch token {
	case "TEXT":
		return TypeText, true
	case "IMAGE":
		return TypeImage, true
	case "KEY":
		return TypeKey, true
	case "PRESENCE":
		return TypePresence, true
	case "DELETE_FOR_EVERYONE":
		return TypeDeleteForEveryone, true
	default:
		return 0, false
	}
}

// IsChat reports whether the type carries user-visible content.
func (t MessageType) IsChat() bool {
	return t == TypeText || t == TypeImage
}

// Message is the locally persisted projection of a chat envelope, with
// decrypted content where the local node is the addressee.
type Message struct {
	MessageID          string      `json:"message_id"`
	Type               MessageType `json:"type"`
	SenderID           string      `json:"sender_id"`
	RecipientID        string      `json:"recipient_id"`
	Content            string      `json:"content"`
	Timestamp          int64       `json:"timestamp"`
	IsDeleted          bool        `json:"is_deleted"`
	DeletedForEveryone bool        `json:"deleted_for_everyone"`
}

// IsBroadcast reports whether the message was flooded to every node.
func (m Message) IsBroadcast() bool {
	return m.RecipientID == BroadcastRecipient
}
