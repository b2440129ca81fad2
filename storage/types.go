package storage

import (
	"errors"
	"time"

	"meshrelay/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message            models.Message
		typeToken          string
		isDeleted          int
		deletedForEveryone int
	)
	if err := row.Scan(
		&message.MessageID,
		&typeToken,
		&message.SenderID,
		&message.RecipientID,
		&message.Content,
		&message.Timestamp,
		&isDeleted,
		&deletedForEveryone,
	); err != nil {
		return nil, err
	}

	// Placeholder tombstones carry no type until the message itself arrives.
	message.Type, _ = models.ParseMessageType(typeToken)
	message.IsDeleted = isDeleted == 1
	message.DeletedForEveryone = deletedForEveryone == 1
	return &message, nil
}

func scanConversation(row scanner) (*models.Conversation, error) {
	var conversation models.Conversation
	if err := row.Scan(
		&conversation.PeerID,
		&conversation.DisplayName,
		&conversation.LastMessageID,
		&conversation.LastMessageText,
		&conversation.LastMessageTimestamp,
		&conversation.UnreadCount,
	); err != nil {
		return nil, err
	}
	return &conversation, nil
}

func typeToken(t models.MessageType) string {
	if _, ok := models.ParseMessageType(t.String()); !ok {
		return ""
	}
	return t.String()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
