package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/tutorly/peerchat/internal/securelog"
	"github.com/tutorly/peerchat/internal/user"
)

const defaultTimeout = 5 * time.Second

var validate = validator.New()

// Encrypter seals message bodies at rest. Encrypt returns an empty blob for
// empty input; Decrypt fails for anything it did not produce.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// Notifier is told about state changes after they are persisted. Push
// transports implement it; it must not block.
type Notifier interface {
	MessageSent(receiverID string, msg Message)
	MessagesRead(readerID, senderID string, count int)
}

type Service struct {
	store    Store
	cipher   Encrypter
	users    user.Directory
	notifier Notifier
	log      *slog.Logger
	timeout  time.Duration
	now      func() time.Time
}

type Option func(*Service)

// WithTimeout bounds every operation, lock waits included.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store Store, cipher Encrypter, users user.Directory, opts ...Option) *Service {
	s := &Service{
		store:   store,
		cipher:  cipher,
		users:   users,
		log:     securelog.Discard(),
		timeout: defaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type sendRequest struct {
	SenderID   string `validate:"required"`
	ReceiverID string `validate:"required,nefield=SenderID"`
	Text       string `validate:"required,max=4000"`
}

// FetchOptions narrows GetMessages. The zero value returns the whole log
// decrypted.
type FetchOptions struct {
	// Raw skips decryption and returns stored ciphertext.
	Raw bool
	// SinceID keeps only messages with a greater id.
	SinceID int64
}

// SendMessage appends text to the sender/receiver conversation and returns the
// stored message with its plaintext body.
func (s *Service) SendMessage(ctx context.Context, senderID, receiverID, text string) (Message, error) {
	if err := s.ready(); err != nil {
		return Message{}, err
	}

	req := sendRequest{
		SenderID:   strings.TrimSpace(senderID),
		ReceiverID: strings.TrimSpace(receiverID),
		Text:       text,
	}
	if err := validateSend(req); err != nil {
		return Message{}, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	displayName, err := s.displayName(ctx, req.SenderID)
	if err != nil {
		return Message{}, err
	}

	body, err := s.cipher.Encrypt(req.Text)
	if err != nil {
		return Message{}, fmt.Errorf("encrypt message: %w", err)
	}

	conv, err := s.store.Append(ctx, req.SenderID, req.ReceiverID, Message{
		SenderID:          req.SenderID,
		SenderDisplayName: displayName,
		Body:              body,
		Type:              MessageTypeText,
		Timestamp:         s.now().UTC(),
	})
	if err != nil {
		securelog.Error(s.log, "chat.send", err)
		return Message{}, err
	}

	stored, ok := conv.LastMessage()
	if !ok {
		return Message{}, fmt.Errorf("%w: appended message missing from record", ErrStorage)
	}
	stored.Body = req.Text
	stored.IsOwn = true

	s.log.Debug("message sent", "conversation_id", conv.ID, "message_id", stored.ID)
	if s.notifier != nil {
		pushed := stored
		pushed.IsOwn = false
		s.notifier.MessageSent(req.ReceiverID, pushed)
	}
	return stored, nil
}

// GetMessages returns the conversation between userID and peerID in send
// order. A body that fails to decrypt is replaced by EncryptedPlaceholder.
func (s *Service) GetMessages(ctx context.Context, userID, peerID string, opts FetchOptions) ([]Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	userID, peerID, err := normalizePair(userID, peerID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conv, err := s.store.Get(ctx, userID, peerID)
	if errors.Is(err, ErrConversationNotFound) {
		return []Message{}, nil
	}
	if err != nil {
		securelog.Error(s.log, "chat.get_messages", err)
		return nil, err
	}

	selected := lo.Filter(conv.Messages, func(m Message, _ int) bool {
		return m.ID > opts.SinceID
	})
	undecryptable := 0
	messages := lo.Map(selected, func(m Message, _ int) Message {
		m.IsOwn = m.SenderID == userID
		if !opts.Raw {
			body, ok := s.open(m.Body)
			if !ok {
				undecryptable++
			}
			m.Body = body
		}
		return m
	})
	if undecryptable > 0 {
		s.log.Warn("undecryptable messages replaced", "conversation_id", conv.ID, "count", undecryptable)
	}
	return messages, nil
}

// MarkAsRead marks every message from senderID to readerID as read and
// returns how many changed. Repeated calls are no-ops.
func (s *Service) MarkAsRead(ctx context.Context, readerID, senderID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	readerID, senderID, err := normalizePair(readerID, senderID)
	if err != nil {
		return 0, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.store.MarkRead(ctx, readerID, senderID)
	if err != nil {
		securelog.Error(s.log, "chat.mark_read", err)
		return 0, err
	}
	if n > 0 && s.notifier != nil {
		s.notifier.MessagesRead(readerID, senderID, n)
	}
	return n, nil
}

// GetUnreadCount counts unread messages sent by peerID to userID.
func (s *Service) GetUnreadCount(ctx context.Context, userID, peerID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	userID, peerID, err := normalizePair(userID, peerID)
	if err != nil {
		return 0, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conv, err := s.store.Get(ctx, userID, peerID)
	if errors.Is(err, ErrConversationNotFound) {
		return 0, nil
	}
	if err != nil {
		securelog.Error(s.log, "chat.unread_count", err)
		return 0, err
	}
	return conv.UnreadFrom(peerID), nil
}

// GetTotalUnread sums unread messages addressed to userID across every
// conversation, for badge counters.
func (s *Service) GetTotalUnread(ctx context.Context, userID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	entries, err := s.store.ListIndexEntries(ctx, userID)
	if err != nil {
		securelog.Error(s.log, "chat.total_unread", err)
		return 0, err
	}

	total := 0
	for _, entry := range entries {
		conv, ok, err := s.loadForListing(ctx, entry)
		if err != nil {
			return 0, err
		}
		if ok {
			total += conv.UnreadFrom(entry.Peer(userID))
		}
	}
	return total, nil
}

// GetAllConversations lists userID's conversations, most recent first.
// Conversations whose peer no longer resolves are left out, as are records
// that cannot be read; the latter are logged and left untouched on disk.
func (s *Service) GetAllConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	entries, err := s.store.ListIndexEntries(ctx, userID)
	if err != nil {
		securelog.Error(s.log, "chat.list_conversations", err)
		return nil, err
	}

	summaries := make([]ConversationSummary, 0, len(entries))
	for _, entry := range entries {
		peerID := entry.Peer(userID)
		profile, err := s.users.Lookup(ctx, peerID)
		if errors.Is(err, user.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lookup peer: %w", err)
		}

		conv, ok, err := s.loadForListing(ctx, entry)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		summary := ConversationSummary{
			ConversationID: conv.ID,
			Peer: PeerProfile{
				ID:          profile.ID,
				DisplayName: profile.DisplayName,
				Role:        string(profile.Role),
				AvatarURL:   profile.AvatarURL,
			},
			LastMessageAt: conv.LastMessageAt,
			UnreadCount:   conv.UnreadFrom(peerID),
		}
		if last, ok := conv.LastMessage(); ok {
			summary.LastMessagePreview, _ = s.open(last.Body)
		}
		summaries = append(summaries, summary)
	}

	SortSummaries(summaries)
	return summaries, nil
}

// DeleteConversation removes a conversation and its index entry. It reports
// false when there was nothing to delete.
func (s *Service) DeleteConversation(ctx context.Context, a, b string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	a, b, err := normalizePair(a, b)
	if err != nil {
		return false, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	deleted, err := s.store.Delete(ctx, a, b)
	if err != nil {
		securelog.Error(s.log, "chat.delete", err)
		return false, err
	}
	if deleted {
		s.log.Info("conversation deleted", "conversation_id", ConversationID(a, b))
	}
	return deleted, nil
}

// SortSummaries orders by LastMessageAt descending; conversations without
// messages go last, ties by conversation id.
func SortSummaries(summaries []ConversationSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i].LastMessageAt, summaries[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return summaries[i].ConversationID < summaries[j].ConversationID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		default:
			return summaries[i].ConversationID < summaries[j].ConversationID
		}
	})
}

// loadForListing reads a conversation for a dashboard view. Missing and
// corrupt records are skipped rather than failing the whole listing.
func (s *Service) loadForListing(ctx context.Context, entry IndexEntry) (Conversation, bool, error) {
	conv, err := s.store.Get(ctx, entry.ParticipantA, entry.ParticipantB)
	switch {
	case err == nil:
		return conv, true, nil
	case errors.Is(err, ErrConversationNotFound):
		return Conversation{}, false, nil
	case errors.Is(err, ErrCorruptRecord), errors.Is(err, ErrIDConflict):
		securelog.Error(s.log, "chat.list_conversations", err)
		s.log.Warn("skipping unreadable conversation", "conversation_id", entry.ConversationID)
		return Conversation{}, false, nil
	default:
		securelog.Error(s.log, "chat.list_conversations", err)
		return Conversation{}, false, err
	}
}

func (s *Service) open(blob string) (string, bool) {
	plaintext, err := s.cipher.Decrypt(blob)
	if err != nil {
		return EncryptedPlaceholder, false
	}
	return plaintext, true
}

func (s *Service) displayName(ctx context.Context, senderID string) (string, error) {
	profile, err := s.users.Lookup(ctx, senderID)
	if errors.Is(err, user.ErrNotFound) {
		return senderID, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup sender: %w", err)
	}
	if strings.TrimSpace(profile.DisplayName) == "" {
		return senderID, nil
	}
	return profile.DisplayName, nil
}

// normalizePair trims both ids so every entry point addresses the same
// conversation as SendMessage.
func normalizePair(a, b string) (string, string, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if err := ValidatePair(a, b); err != nil {
		return "", "", err
	}
	return a, b, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) ready() error {
	if s.store == nil || s.cipher == nil || s.users == nil {
		return errors.New("chat service is not configured")
	}
	return nil
}

func validateSend(req sendRequest) error {
	err := validate.Struct(req)
	if err == nil {
		if strings.TrimSpace(req.Text) == "" {
			return fmt.Errorf("%w: message body is empty", ErrValidation)
		}
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for _, fe := range verrs {
		switch {
		case fe.Field() == "Text" && fe.Tag() == "max":
			return fmt.Errorf("%w: %w: limit is %d characters", ErrValidation, ErrMessageTooLong, MaxMessageLength)
		case fe.Field() == "Text":
			return fmt.Errorf("%w: message body is empty", ErrValidation)
		case fe.Tag() == "nefield":
			return fmt.Errorf("%w: cannot send a message to yourself", ErrValidation)
		}
	}
	return fmt.Errorf("%w: sender and receiver are required", ErrValidation)
}
