package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"meshrelay/models"
)

const messageColumns = `message_id, type, sender_id, recipient_id, content, timestamp, is_deleted, deleted_for_everyone`

// InsertMessage upserts a message by id. Delete flags only ever move from
// false to true: a re-delivered copy cannot resurrect a deleted row, and a
// row deleted for everyone keeps an empty payload.
func (s *Store) InsertMessage(message models.Message) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}
	if message.DeletedForEveryone {
		message.IsDeleted = true
		message.Content = ""
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			type = excluded.type,
			sender_id = excluded.sender_id,
			recipient_id = excluded.recipient_id,
			content = CASE
				WHEN messages.deleted_for_everyone = 1 OR excluded.deleted_for_everyone = 1 THEN ''
				ELSE excluded.content
			END,
			timestamp = excluded.timestamp,
			is_deleted = MAX(messages.is_deleted, excluded.is_deleted),
			deleted_for_everyone = MAX(messages.deleted_for_everyone, excluded.deleted_for_everyone)`,
		message.MessageID,
		typeToken(message.Type),
		message.SenderID,
		message.RecipientID,
		message.Content,
		message.Timestamp,
		boolToInt(message.IsDeleted),
		boolToInt(message.DeletedForEveryone),
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}
	return nil
}

// GetMessage returns one message by id, including deleted rows.
func (s *Store) GetMessage(messageID string) (*models.Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// ListForUser returns every visible message sent by or to userID plus all
// broadcast traffic, oldest first.
func (s *Store) ListForUser(userID string) ([]models.Message, error) {
	return s.queryMessages(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE (sender_id = ? OR recipient_id = ? OR recipient_id = ?)
		  AND is_deleted = 0
		ORDER BY timestamp ASC, message_id ASC`,
		userID,
		userID,
		models.BroadcastRecipient,
	)
}

// ListConversation returns the visible messages between localID and peerID,
// oldest first. peerID BROADCAST selects the broadcast channel and peerID
// equal to localID selects notes to self.
func (s *Store) ListConversation(localID, peerID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	if peerID == models.BroadcastRecipient {
		return s.queryMessages(
			`SELECT * FROM (
				SELECT `+messageColumns+` FROM messages
				WHERE recipient_id = ? AND is_deleted = 0
				ORDER BY timestamp DESC, message_id DESC
				LIMIT ?
			) ORDER BY timestamp ASC, message_id ASC`,
			models.BroadcastRecipient,
			limit,
		)
	}

	return s.queryMessages(
		`SELECT * FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE ((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))
			  AND is_deleted = 0
			ORDER BY timestamp DESC, message_id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, message_id ASC`,
		localID,
		peerID,
		peerID,
		localID,
		limit,
	)
}

// SoftDeleteMessage hides a message locally.
func (s *Store) SoftDeleteMessage(messageID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE messages SET is_deleted = 1 WHERE message_id = ?`, messageID)
		if err != nil {
			return fmt.Errorf("soft delete message %q: %w", messageID, err)
		}
		if err := requireAffected(res, messageID); err != nil {
			return err
		}
		return markConversationPreviewDeleted(tx, messageID)
	})
}

// HardDeleteMessage applies a delete-for-everyone tombstone. When the target
// has not arrived yet a placeholder row is written so the later copy lands
// already deleted.
func (s *Store) HardDeleteMessage(messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO messages (message_id, timestamp, is_deleted, deleted_for_everyone)
			VALUES (?, ?, 1, 1)
			ON CONFLICT(message_id) DO UPDATE SET
				content = '',
				is_deleted = 1,
				deleted_for_everyone = 1`,
			messageID,
			nowUnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("hard delete message %q: %w", messageID, err)
		}
		return markConversationPreviewDeleted(tx, messageID)
	})
}

// PurgeMessage physically removes a message row.
func (s *Store) PurgeMessage(messageID string) error {
	res, err := s.db.Exec(`DELETE FROM messages WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("purge message %q: %w", messageID, err)
	}
	return requireAffected(res, messageID)
}

func (s *Store) queryMessages(query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result, key string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %q: %w", key, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
