package ui

import (
	"fmt"
	"strings"
	"time"

	"meshrelay/crypto"
	"meshrelay/models"
)

func formatTimestamp(timestamp int64) string {
	if timestamp <= 0 {
		return time.Now().Format("15:04")
	}
	return time.UnixMilli(timestamp).Format("15:04")
}

func isOutgoingMessage(message models.Message, localID string) bool {
	return strings.TrimSpace(localID) != "" && message.SenderID == localID
}

func messageBody(message models.Message) string {
	switch {
	case message.DeletedForEveryone:
		return models.DeletedPreview
	case message.Type == models.TypeImage:
		return fmt.Sprintf("%s %d bytes", models.ImagePreview, imageSize(message.Content))
	default:
		return message.Content
	}
}

// renderMessageLine formats one chat line: time, direction, body and id.
func renderMessageLine(message models.Message, localID string, names func(string) string) string {
	from := names(message.SenderID)
	to := names(message.RecipientID)
	switch {
	case message.IsBroadcast():
		to = models.EveryoneDisplayName
	case message.RecipientID == localID:
		to = "you"
	}
	if isOutgoingMessage(message, localID) {
		from = "you"
	}
	return fmt.Sprintf("[%s] %s -> %s: %s  (%s)",
		formatTimestamp(message.Timestamp), from, to, messageBody(message), message.MessageID)
}

func renderConversationLine(summary models.Conversation) string {
	unread := ""
	if summary.UnreadCount > 0 {
		unread = fmt.Sprintf(" [%d unread]", summary.UnreadCount)
	}
	name := summary.DisplayName
	if name == "" {
		name = summary.PeerID
	}
	return fmt.Sprintf("%-20s %s  %s%s",
		name, formatTimestamp(summary.LastMessageTimestamp), summary.LastMessageText, unread)
}

func renderMemberLine(member models.Member, localID string, now time.Time) string {
	marker := "●"
	if member.PeerID == localID {
		marker = "★"
	}
	age := now.Sub(time.UnixMilli(member.LastSeen)).Round(time.Second)
	if age < 0 {
		age = 0
	}
	return fmt.Sprintf("%s %-20s %s  seen %s ago", marker, member.DisplayName, member.PeerID, age)
}

func renderKeyLine(peerID, name, fingerprint string) string {
	return fmt.Sprintf("%-20s %s  %s", name, peerID, crypto.FormatFingerprint(fingerprint))
}
