package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"localchat/models"
)

// RecordMessage stores a message. Re-recording an existing ID is a no-op, so
// duplicate deliveries of the same message keep one row.
func (s *Store) RecordMessage(message models.Message) error {
	if message.ID == "" {
		return errors.New("message id is required")
	}
	if message.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if message.RecipientID == "" {
		return errors.New("recipient_id is required")
	}

	status := DeliveryPending
	switch message.Origin {
	case models.OriginSelf:
	case models.OriginRemote:
		status = DeliveryReceived
	default:
		return fmt.Errorf("invalid message origin %q", message.Origin)
	}

	sentAt := message.SentAt.UnixMilli()
	if message.SentAt.IsZero() {
		sentAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			sender_id,
			recipient_id,
			peer_id,
			body,
			sent_at,
			recorded_at,
			origin,
			delivery_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		message.ID,
		message.SenderID,
		message.RecipientID,
		message.PeerID(),
		message.Body,
		sentAt,
		nowUnixMilli(),
		string(message.Origin),
		string(status),
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	return nil
}

// UpdateDeliveryStatus updates delivery_status for a message.
func (s *Store) UpdateDeliveryStatus(messageID string, status DeliveryStatus) error {
	if messageID == "" {
		return errors.New("message id is required")
	}
	if err := validateDeliveryStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET delivery_status = ?
		WHERE message_id = ?`,
		string(status),
		messageID,
	)
	if err != nil {
		return fmt.Errorf("update delivery status for message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update delivery status %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Conversation returns the latest messages exchanged with one peer, oldest
// first. A zero since means no lower bound; limit defaults to 100.
func (s *Store) Conversation(peerID string, since time.Time, limit int) ([]models.Message, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	if limit <= 0 {
		limit = defaultConversationLimit
	}
	if limit > maxConversationLimit {
		limit = maxConversationLimit
	}

	var sinceMillis int64
	if !since.IsZero() {
		sinceMillis = since.UnixMilli()
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			sender_id,
			recipient_id,
			body,
			sent_at,
			origin,
			delivery_status
		FROM messages
		WHERE peer_id = ? AND sent_at >= ?
		ORDER BY sent_at DESC, recorded_at DESC
		LIMIT ?`,
		peerID,
		sinceMillis,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get conversation with peer %q: %w", peerID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, _, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetMessage fetches one message and its delivery status.
func (s *Store) GetMessage(messageID string) (models.Message, DeliveryStatus, error) {
	if messageID == "" {
		return models.Message{}, "", errors.New("message id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			message_id,
			sender_id,
			recipient_id,
			body,
			sent_at,
			origin,
			delivery_status
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	message, status, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, "", ErrNotFound
		}
		return models.Message{}, "", fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, status, nil
}

func scanMessage(row scanner) (models.Message, DeliveryStatus, error) {
	var (
		message models.Message
		sentAt  int64
		origin  string
		status  string
	)

	if err := row.Scan(
		&message.ID,
		&message.SenderID,
		&message.RecipientID,
		&message.Body,
		&sentAt,
		&origin,
		&status,
	); err != nil {
		return models.Message{}, "", err
	}

	message.SentAt = time.UnixMilli(sentAt)
	message.Origin = models.Origin(origin)
	return message, DeliveryStatus(status), nil
}
