package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tutorly/peerchat/internal/chat"
)

func (s *PostgresStore) Get(ctx context.Context, a, b string) (chat.Conversation, error) {
	if err := chat.ValidatePair(a, b); err != nil {
		return chat.Conversation{}, err
	}

	var conv chat.Conversation
	err := s.inTx(ctx, &sql.TxOptions{ReadOnly: true}, "", func(tx *sql.Tx) error {
		var err error
		conv, err = loadConversationTx(ctx, tx, a, b)
		return err
	})
	if err != nil {
		return chat.Conversation{}, classify("get conversation", err)
	}
	return conv, nil
}

func (s *PostgresStore) LoadOrCreate(ctx context.Context, a, b string) (chat.Conversation, error) {
	if err := chat.ValidatePair(a, b); err != nil {
		return chat.Conversation{}, err
	}

	id := chat.ConversationID(a, b)
	var conv chat.Conversation
	err := s.inTx(ctx, nil, id, func(tx *sql.Tx) error {
		if err := s.ensureConversationTx(ctx, tx, a, b); err != nil {
			return err
		}
		var err error
		conv, err = loadConversationTx(ctx, tx, a, b)
		return err
	})
	if err != nil {
		return chat.Conversation{}, classify("load or create conversation "+id, err)
	}
	return conv, nil
}

func (s *PostgresStore) Append(ctx context.Context, a, b string, msg chat.Message) (chat.Conversation, error) {
	if err := chat.ValidatePair(a, b); err != nil {
		return chat.Conversation{}, err
	}

	id := chat.ConversationID(a, b)
	ts := msg.Timestamp.UTC()
	msgType := msg.Type
	if msgType == "" {
		msgType = chat.MessageTypeText
	}

	var conv chat.Conversation
	err := s.inTx(ctx, nil, id, func(tx *sql.Tx) error {
		if err := s.ensureConversationTx(ctx, tx, a, b); err != nil {
			return err
		}

		var messageID int64
		row := tx.QueryRowContext(ctx, `UPDATE chat_conversations
			SET last_message_id = last_message_id + 1, last_message_at = $2
			WHERE id = $1
			RETURNING last_message_id`, id, ts)
		if err := row.Scan(&messageID); err != nil {
			return fmt.Errorf("next message id: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO chat_messages
			(conversation_id, message_id, sender_id, sender_display_name, body, message_type, is_read, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)`,
			id, messageID, msg.SenderID, msg.SenderDisplayName, msg.Body, msgType, ts); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		var err error
		conv, err = loadConversationTx(ctx, tx, a, b)
		return err
	})
	if err != nil {
		return chat.Conversation{}, classify("append to conversation "+id, err)
	}
	return conv, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, reader, sender string) (int, error) {
	if err := chat.ValidatePair(reader, sender); err != nil {
		return 0, err
	}

	id := chat.ConversationID(reader, sender)
	changed := 0
	err := s.inTx(ctx, nil, id, func(tx *sql.Tx) error {
		var first, second string
		row := tx.QueryRowContext(ctx, `SELECT participant_a, participant_b FROM chat_conversations WHERE id = $1`, id)
		if err := row.Scan(&first, &second); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select conversation: %w", err)
		}
		a, b := chat.SortPair(reader, sender)
		if first != a || second != b {
			return fmt.Errorf("%w: %s", chat.ErrIDConflict, id)
		}

		res, err := tx.ExecContext(ctx, `UPDATE chat_messages SET is_read = TRUE
			WHERE conversation_id = $1 AND sender_id = $2 AND NOT is_read`, id, sender)
		if err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark read rows: %w", err)
		}
		changed = int(n)
		return nil
	})
	if err != nil {
		return 0, classify("mark read "+id, err)
	}
	return changed, nil
}

func (s *PostgresStore) ListIndexEntries(ctx context.Context, userID string) ([]chat.IndexEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", chat.ErrValidation)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, participant_a, participant_b, created_at
		FROM chat_conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, storageErr("list index entries", err)
	}
	defer rows.Close()

	entries := []chat.IndexEntry{}
	for rows.Next() {
		var e chat.IndexEntry
		if err := rows.Scan(&e.ConversationID, &e.ParticipantA, &e.ParticipantB, &e.CreatedAt); err != nil {
			return nil, storageErr("scan index entry", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate index entries", err)
	}
	return entries, nil
}

func (s *PostgresStore) Delete(ctx context.Context, a, b string) (bool, error) {
	if err := chat.ValidatePair(a, b); err != nil {
		return false, err
	}

	id := chat.ConversationID(a, b)
	first, second := chat.SortPair(a, b)
	deleted := false
	err := s.inTx(ctx, nil, id, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM chat_conversations
			WHERE id = $1 AND participant_a = $2 AND participant_b = $3`, id, first, second)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete conversation rows: %w", err)
		}
		if n > 0 {
			deleted = true
			return nil
		}

		// Nothing matched the pair; a row under the same id belongs to
		// another pair.
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM chat_conversations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check conversation: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: %s", chat.ErrIDConflict, id)
		}
		return nil
	})
	if err != nil {
		return false, classify("delete conversation "+id, err)
	}
	return deleted, nil
}

// inTx runs fn in a transaction. A non-empty lockKey takes the conversation's
// transaction-scoped advisory lock first.
func (s *PostgresStore) inTx(ctx context.Context, opts *sql.TxOptions, lockKey string, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return errors.New("db is required")
	}

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if lockKey != "" {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("lock conversation: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ensureConversationTx inserts the conversation row, which is also its index
// entry, unless it exists.
func (s *PostgresStore) ensureConversationTx(ctx context.Context, tx *sql.Tx, a, b string) error {
	first, second := chat.SortPair(a, b)
	_, err := tx.ExecContext(ctx, `INSERT INTO chat_conversations
		(id, participant_a, participant_b, created_at, is_encrypted, last_message_id)
		VALUES ($1, $2, $3, $4, TRUE, 0)
		ON CONFLICT (id) DO NOTHING`, chat.ConversationID(a, b), first, second, s.now().UTC())
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func loadConversationTx(ctx context.Context, tx *sql.Tx, a, b string) (chat.Conversation, error) {
	id := chat.ConversationID(a, b)

	var conv chat.Conversation
	var lastMessageAt sql.NullTime
	row := tx.QueryRowContext(ctx, `SELECT id, participant_a, participant_b, created_at, last_message_at, is_encrypted
		FROM chat_conversations WHERE id = $1`, id)
	if err := row.Scan(&conv.ID, &conv.Participants[0], &conv.Participants[1], &conv.CreatedAt, &lastMessageAt, &conv.IsEncrypted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Conversation{}, chat.ErrConversationNotFound
		}
		return chat.Conversation{}, fmt.Errorf("select conversation: %w", err)
	}
	if !conv.BelongsTo(a, b) {
		return chat.Conversation{}, fmt.Errorf("%w: %s", chat.ErrIDConflict, id)
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	if lastMessageAt.Valid {
		t := lastMessageAt.Time.UTC()
		conv.LastMessageAt = &t
	}

	rows, err := tx.QueryContext(ctx, `SELECT message_id, sender_id, sender_display_name, body, message_type, is_read, created_at
		FROM chat_messages WHERE conversation_id = $1 ORDER BY message_id`, id)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	conv.Messages = []chat.Message{}
	for rows.Next() {
		var m chat.Message
		var ts time.Time
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderDisplayName, &m.Body, &m.Type, &m.IsRead, &ts); err != nil {
			return chat.Conversation{}, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = ts.UTC()
		conv.Messages = append(conv.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return chat.Conversation{}, fmt.Errorf("iterate messages: %w", err)
	}
	return conv, nil
}
