package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"meshrelay/models"
)

const conversationColumns = `peer_id, display_name, last_message_id, last_message_text, last_message_timestamp, unread_count`

// TouchConversation folds one message into a conversation summary. The last
// message only advances to newer timestamps, UnreadCount is added to the
// stored count, and an empty DisplayName keeps the stored one.
func (s *Store) TouchConversation(summary models.Conversation) error {
	if summary.PeerID == "" {
		return errors.New("peer_id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = CASE
				WHEN excluded.display_name <> '' THEN excluded.display_name
				ELSE conversations.display_name
			END,
			last_message_id = CASE
				WHEN excluded.last_message_timestamp >= conversations.last_message_timestamp THEN excluded.last_message_id
				ELSE conversations.last_message_id
			END,
			last_message_text = CASE
				WHEN excluded.last_message_timestamp >= conversations.last_message_timestamp THEN excluded.last_message_text
				ELSE conversations.last_message_text
			END,
			last_message_timestamp = MAX(conversations.last_message_timestamp, excluded.last_message_timestamp),
			unread_count = conversations.unread_count + excluded.unread_count`,
		summary.PeerID,
		summary.DisplayName,
		summary.LastMessageID,
		summary.LastMessageText,
		summary.LastMessageTimestamp,
		summary.UnreadCount,
	)
	if err != nil {
		return fmt.Errorf("touch conversation %q: %w", summary.PeerID, err)
	}
	return nil
}

// GetConversation returns one conversation summary.
func (s *Store) GetConversation(peerID string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE peer_id = ?`, peerID)
	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation %q: %w", peerID, err)
	}
	return conversation, nil
}

// ListConversations returns summaries with the most recent activity first.
func (s *Store) ListConversations() ([]models.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT ` + conversationColumns + `
		FROM conversations
		ORDER BY last_message_timestamp DESC, peer_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conversations = append(conversations, *conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return conversations, nil
}

// MarkConversationRead clears the unread counter.
func (s *Store) MarkConversationRead(peerID string) error {
	res, err := s.db.Exec(`UPDATE conversations SET unread_count = 0 WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("mark conversation %q read: %w", peerID, err)
	}
	return requireAffected(res, peerID)
}

// DeleteConversation removes a summary. Messages are left untouched.
func (s *Store) DeleteConversation(peerID string) error {
	res, err := s.db.Exec(`DELETE FROM conversations WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("delete conversation %q: %w", peerID, err)
	}
	return requireAffected(res, peerID)
}

// RebuildConversations regenerates every summary from the visible chat
// messages, as seen by localID. Display names and unread counts of
// conversations that still exist are carried over.
func (s *Store) RebuildConversations(localID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		previous, err := loadConversations(tx)
		if err != nil {
			return err
		}

		rows, err := tx.Query(
			`SELECT `+messageColumns+`
			FROM messages
			WHERE is_deleted = 0 AND type IN (?, ?)
			ORDER BY timestamp ASC, message_id ASC`,
			models.TypeText.String(),
			models.TypeImage.String(),
		)
		if err != nil {
			return fmt.Errorf("query messages for rebuild: %w", err)
		}

		rebuilt := make(map[string]*models.Conversation)
		order := make([]string, 0)
		for rows.Next() {
			message, err := scanMessage(rows)
			if err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan message row: %w", err)
			}

			peerID := models.ConversationPeer(localID, *message)
			conversation, ok := rebuilt[peerID]
			if !ok {
				conversation = &models.Conversation{PeerID: peerID, DisplayName: defaultDisplayName(peerID)}
				if old, found := previous[peerID]; found {
					conversation.DisplayName = old.DisplayName
					conversation.UnreadCount = old.UnreadCount
				}
				rebuilt[peerID] = conversation
				order = append(order, peerID)
			}
			conversation.LastMessageID = message.MessageID
			conversation.LastMessageText = message.Preview()
			conversation.LastMessageTimestamp = message.Timestamp
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("iterate message rows: %w", err)
		}
		_ = rows.Close()

		if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
			return fmt.Errorf("clear conversations: %w", err)
		}
		for _, peerID := range order {
			c := rebuilt[peerID]
			if _, err := tx.Exec(
				`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
				c.PeerID,
				c.DisplayName,
				c.LastMessageID,
				c.LastMessageText,
				c.LastMessageTimestamp,
				c.UnreadCount,
			); err != nil {
				return fmt.Errorf("insert rebuilt conversation %q: %w", c.PeerID, err)
			}
		}
		return nil
	})
}

func loadConversations(tx *sql.Tx) (map[string]models.Conversation, error) {
	rows, err := tx.Query(`SELECT ` + conversationColumns + ` FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.Conversation)
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out[conversation.PeerID] = *conversation
	}
	return out, rows.Err()
}

func markConversationPreviewDeleted(tx *sql.Tx, messageID string) error {
	if _, err := tx.Exec(
		`UPDATE conversations SET last_message_text = ? WHERE last_message_id = ?`,
		models.DeletedPreview,
		messageID,
	); err != nil {
		return fmt.Errorf("update conversation preview for %q: %w", messageID, err)
	}
	return nil
}

func defaultDisplayName(peerID string) string {
	if peerID == models.BroadcastRecipient {
		return models.EveryoneDisplayName
	}
	return peerID
}
