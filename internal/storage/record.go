package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/tutorly/peerchat/internal/chat"
)

// conversationRecord is the persisted JSON form of one conversation.
// NextMessageID is absent from records written before the counter existed;
// decodeConversation derives it from the log.
type conversationRecord struct {
	ConversationID string             `json:"conversation_id"`
	Participants   participantsRecord `json:"participants"`
	CreatedAt      time.Time          `json:"created_at"`
	LastMessageAt  *time.Time         `json:"last_message_at"`
	IsEncrypted    bool               `json:"is_encrypted"`
	NextMessageID  int64              `json:"next_message_id,omitempty"`
	Messages       []messageRecord    `json:"messages"`
}

type participantsRecord struct {
	A string `json:"a"`
	B string `json:"b"`
}

type messageRecord struct {
	MessageID         int64     `json:"message_id"`
	SenderID          string    `json:"sender_id"`
	SenderDisplayName string    `json:"sender_display_name"`
	Body              string    `json:"body"`
	MessageType       string    `json:"message_type"`
	IsRead            bool      `json:"is_read"`
	Timestamp         time.Time `json:"timestamp"`
}

// storedConversation pairs the domain view with the id counter that only the
// store sees.
type storedConversation struct {
	chat.Conversation
	nextMessageID int64
}

func encodeConversation(sc storedConversation) ([]byte, error) {
	c := sc.Conversation
	rec := conversationRecord{
		ConversationID: c.ID,
		Participants:   participantsRecord{A: c.Participants[0], B: c.Participants[1]},
		CreatedAt:      c.CreatedAt.UTC(),
		LastMessageAt:  c.LastMessageAt,
		IsEncrypted:    c.IsEncrypted,
		NextMessageID:  sc.nextMessageID,
		Messages: lo.Map(c.Messages, func(m chat.Message, _ int) messageRecord {
			return messageRecord{
				MessageID:         m.ID,
				SenderID:          m.SenderID,
				SenderDisplayName: m.SenderDisplayName,
				Body:              m.Body,
				MessageType:       m.Type,
				IsRead:            m.IsRead,
				Timestamp:         m.Timestamp.UTC(),
			}
		}),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode conversation %s: %w", c.ID, err)
	}
	return data, nil
}

// decodeConversation never substitutes an empty conversation for bytes it
// cannot read; the caller gets chat.ErrCorruptRecord instead.
func decodeConversation(key string, data []byte) (storedConversation, error) {
	var rec conversationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return storedConversation{}, fmt.Errorf("%w: %s: %v", chat.ErrCorruptRecord, key, err)
	}
	if rec.ConversationID == "" || rec.Participants.A == "" || rec.Participants.B == "" {
		return storedConversation{}, fmt.Errorf("%w: %s: missing id or participants", chat.ErrCorruptRecord, key)
	}

	conv := chat.Conversation{
		ID:            rec.ConversationID,
		Participants:  [2]string{rec.Participants.A, rec.Participants.B},
		CreatedAt:     rec.CreatedAt,
		LastMessageAt: rec.LastMessageAt,
		IsEncrypted:   rec.IsEncrypted,
		Messages: lo.Map(rec.Messages, func(m messageRecord, _ int) chat.Message {
			msgType := m.MessageType
			if msgType == "" {
				msgType = chat.MessageTypeText
			}
			return chat.Message{
				ID:                m.MessageID,
				SenderID:          m.SenderID,
				SenderDisplayName: m.SenderDisplayName,
				Body:              m.Body,
				Type:              msgType,
				IsRead:            m.IsRead,
				Timestamp:         m.Timestamp,
			}
		}),
	}

	next := rec.NextMessageID
	if last := conv.LastMessageID(); next <= last {
		next = last + 1
	}
	return storedConversation{Conversation: conv, nextMessageID: next}, nil
}

func newStoredConversation(a, b string, now time.Time) storedConversation {
	return storedConversation{Conversation: chat.NewConversation(a, b, now), nextMessageID: 1}
}

// appendMessage assigns the next id from the counter and stamps
// LastMessageAt.
func (sc *storedConversation) appendMessage(msg chat.Message) chat.Message {
	msg.ID = sc.nextMessageID
	sc.nextMessageID++
	msg.IsRead = false
	msg.IsOwn = false
	if msg.Type == "" {
		msg.Type = chat.MessageTypeText
	}
	ts := msg.Timestamp.UTC()
	msg.Timestamp = ts
	sc.Messages = append(sc.Messages, msg)
	sc.LastMessageAt = &ts
	return msg
}

// markReadFrom flips unread messages sent by sender and reports how many.
func (sc *storedConversation) markReadFrom(sender string) int {
	n := 0
	for i := range sc.Messages {
		if sc.Messages[i].SenderID == sender && !sc.Messages[i].IsRead {
			sc.Messages[i].IsRead = true
			n++
		}
	}
	return n
}

func encodeIndexEntry(e chat.IndexEntry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode index entry %s: %w", e.ConversationID, err)
	}
	return data, nil
}

func decodeIndexEntry(key string, data []byte) (chat.IndexEntry, error) {
	var e chat.IndexEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return chat.IndexEntry{}, fmt.Errorf("%w: %s: %v", chat.ErrCorruptRecord, key, err)
	}
	if e.ConversationID == "" || e.ParticipantA == "" || e.ParticipantB == "" {
		return chat.IndexEntry{}, fmt.Errorf("%w: %s: incomplete index entry", chat.ErrCorruptRecord, key)
	}
	return e, nil
}
