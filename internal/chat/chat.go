// Package chat holds the two-party conversation model and the service that
// sends, fetches and tracks read state of encrypted messages.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MessageTypeText is the only message type; attachments are not supported.
	MessageTypeText = "text"

	// EncryptedPlaceholder replaces a body that cannot be decrypted.
	EncryptedPlaceholder = "[Encrypted]"

	// MaxMessageLength is counted in runes.
	MaxMessageLength = 4000

	idSeparator = "-"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrMessageTooLong       = errors.New("message too long")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrStorage              = errors.New("storage failure")
	ErrCorruptRecord        = errors.New("corrupt conversation record")
	ErrIDConflict           = errors.New("conversation id belongs to another pair")
)

// Message is one entry of a conversation log. Body holds ciphertext when it
// comes from a Store and plaintext (or EncryptedPlaceholder) when it comes from
// the Service.
type Message struct {
	ID                int64     `json:"message_id"`
	SenderID          string    `json:"sender_id"`
	SenderDisplayName string    `json:"sender_display_name"`
	Body              string    `json:"body"`
	Type              string    `json:"message_type"`
	IsRead            bool      `json:"is_read"`
	Timestamp         time.Time `json:"timestamp"`
	// IsOwn is relative to the caller and never persisted.
	IsOwn             bool      `json:"is_own"`
}

type Conversation struct {
	ID            string
	Participants  [2]string
	CreatedAt     time.Time
	LastMessageAt *time.Time
	IsEncrypted   bool
	Messages      []Message
}

// IndexEntry is the global index row of one conversation.
type IndexEntry struct {
	ConversationID string    `json:"conversation_id"`
	ParticipantA   string    `json:"participant_a"`
	ParticipantB   string    `json:"participant_b"`
	CreatedAt      time.Time `json:"created_at"`
}

// Peer returns the participant that is not userID.
func (e IndexEntry) Peer(userID string) string {
	if e.ParticipantA == userID {
		return e.ParticipantB
	}
	return e.ParticipantA
}

func (e IndexEntry) Involves(userID string) bool {
	return e.ParticipantA == userID || e.ParticipantB == userID
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	ConversationID     string      `json:"conversation_id"`
	Peer               PeerProfile `json:"peer"`
	LastMessagePreview string      `json:"last_message_preview"`
	LastMessageAt      *time.Time  `json:"last_message_at"`
	UnreadCount        int         `json:"unread_count"`
}

type PeerProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Store is the only component that reads or writes conversation records and
// the conversation index. Implementations serialize every mutation of one
// conversation and never hold a lock across conversations.
type Store interface {
	// Get returns ErrConversationNotFound when the pair has never talked.
	Get(ctx context.Context, a, b string) (Conversation, error)
	// LoadOrCreate returns the existing record unmodified, or creates it
	// together with its index entry.
	LoadOrCreate(ctx context.Context, a, b string) (Conversation, error)
	// Append assigns the next message id of the conversation, stamps
	// LastMessageAt and persists the record.
	Append(ctx context.Context, a, b string, msg Message) (Conversation, error)
	// MarkRead flips every unread message sent by sender and returns how many
	// changed. Nothing is written when none did.
	MarkRead(ctx context.Context, reader, sender string) (int, error)
	ListIndexEntries(ctx context.Context, userID string) ([]IndexEntry, error)
	// Delete removes the record and its index entry. A record stored for a
	// different pair under the same id is left alone with ErrIDConflict.
	Delete(ctx context.Context, a, b string) (bool, error)
}

// ConversationID is commutative: both call orders address the same record.
func ConversationID(a, b string) string {
	first, second := SortPair(a, b)
	return first + idSeparator + second
}

func SortPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// ValidatePair rejects blank ids and self-conversations.
func ValidatePair(a, b string) error {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return fmt.Errorf("%w: participant ids are required", ErrValidation)
	}
	if a == b {
		return fmt.Errorf("%w: participants must differ", ErrValidation)
	}
	return nil
}

// NewConversation returns an empty encrypted conversation for the pair.
func NewConversation(a, b string, now time.Time) Conversation {
	first, second := SortPair(a, b)
	return Conversation{
		ID:           ConversationID(a, b),
		Participants: [2]string{first, second},
		CreatedAt:    now.UTC(),
		IsEncrypted:  true,
		Messages:     []Message{},
	}
}

func (c Conversation) IndexEntry() IndexEntry {
	return IndexEntry{
		ConversationID: c.ID,
		ParticipantA:   c.Participants[0],
		ParticipantB:   c.Participants[1],
		CreatedAt:      c.CreatedAt,
	}
}

// BelongsTo reports whether the record was created for exactly this pair.
func (c Conversation) BelongsTo(a, b string) bool {
	first, second := SortPair(a, b)
	return c.Participants[0] == first && c.Participants[1] == second
}

// LastMessageID is the highest id in the log, 0 when empty.
func (c Conversation) LastMessageID() int64 {
	var last int64
	for _, m := range c.Messages {
		if m.ID > last {
			last = m.ID
		}
	}
	return last
}

func (c Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// UnreadFrom counts unread messages sent by sender.
func (c Conversation) UnreadFrom(sender string) int {
	n := 0
	for _, m := range c.Messages {
		if m.SenderID == sender && !m.IsRead {
			n++
		}
	}
	return n
}
