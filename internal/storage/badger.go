package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tutorly/peerchat/internal/chat"
	"github.com/tutorly/peerchat/internal/securelog"
)

// Key layout:
//
//	conv:{conversation_id}            -> JSON conversation record
//	index:{conversation_id}           -> JSON index entry
//	member:{user_id}:{conversation_id} -> conversation id, one per participant
//
// The member keys let a user's conversations be listed with a prefix scan
// instead of walking every record.
const (
	convPrefix   = "conv:"
	indexPrefix  = "index:"
	memberPrefix = "member:"
)

// BadgerStore keeps one record per conversation in an embedded Badger
// database. Every mutation of a conversation runs under its KeyedLocker entry
// and inside a single Badger transaction, so first contact writes the record,
// the index entry and both member keys atomically.
type BadgerStore struct {
	db    *badger.DB
	locks *KeyedLocker
	log   *slog.Logger
	now   func() time.Time
}

// OpenBadger opens (or creates) a Badger database at path. An empty path
// opens an in-memory database.
func OpenBadger(path string, log *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return NewBadgerStore(db, log), nil
}

func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	if log == nil {
		log = securelog.Discard()
	}
	return &BadgerStore{
		db:    db,
		locks: NewKeyedLocker(),
		log:   log,
		now:   time.Now,
	}
}

func (s *BadgerStore) Close(ctx context.Context) error {
	_ = ctx
	return s.db.Close()
}

// Migrate is a no-op; records carry their own schema.
func (s *BadgerStore) Migrate(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *BadgerStore) Get(ctx context.Context, a, b string) (chat.Conversation, error) {
	if err := chat.ValidatePair(a, b); err != nil {
		return chat.Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, storageErr("get conversation", err)
	}

	var sc storedConversation
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		sc, err = loadConversation(txn, a, b)
		return err
	})
	if err != nil {
		return chat.Conversation{}, classify("get conversation", err)
	}
	return sc.Conversation, nil
}

func (s *BadgerStore) LoadOrCreate(ctx context.Context, a, b string) (chat.Conversation, error) {
	var sc storedConversation
	err := s.mutate(ctx, a, b, func(txn *badger.Txn) error {
		var err error
		sc, _, err = s.loadOrCreate(txn, a, b)
		return err
	})
	if err != nil {
		return chat.Conversation{}, err
	}
	return sc.Conversation, nil
}

func (s *BadgerStore) Append(ctx context.Context, a, b string, msg chat.Message) (chat.Conversation, error) {
	var sc storedConversation
	err := s.mutate(ctx, a, b, func(txn *badger.Txn) error {
		var err error
		sc, _, err = s.loadOrCreate(txn, a, b)
		if err != nil {
			return err
		}
		sc.appendMessage(msg)
		return putConversation(txn, sc)
	})
	if err != nil {
		return chat.Conversation{}, err
	}
	return sc.Conversation, nil
}

func (s *BadgerStore) MarkRead(ctx context.Context, reader, sender string) (int, error) {
	changed := 0
	err := s.mutate(ctx, reader, sender, func(txn *badger.Txn) error {
		sc, err := loadConversation(txn, reader, sender)
		if errors.Is(err, chat.ErrConversationNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		changed = sc.markReadFrom(sender)
		if changed == 0 {
			return nil
		}
		return putConversation(txn, sc)
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func (s *BadgerStore) ListIndexEntries(ctx context.Context, userID string) ([]chat.IndexEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", chat.ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("list index entries", err)
	}

	entries := []chat.IndexEntry{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(memberPrefix + userID + ":")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var convID string
			if err := it.Item().Value(func(v []byte) error {
				convID = string(v)
				return nil
			}); err != nil {
				return err
			}

			entry, err := getIndexEntry(txn, convID)
			if errors.Is(err, badger.ErrKeyNotFound) {
				s.log.Warn("member key without index entry", "conversation_id", convID)
				continue
			}
			if err != nil {
				return err
			}
			// User ids may contain ':', so the prefix can match a longer id.
			if !entry.Involves(userID) {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, classify("list index entries", err)
	}
	return entries, nil
}

// Delete removes the record, its index entry and both member keys. The pair
// must own the record: a colliding id returns chat.ErrIDConflict and deletes
// nothing.
func (s *BadgerStore) Delete(ctx context.Context, a, b string) (bool, error) {
	deleted := false
	err := s.mutate(ctx, a, b, func(txn *badger.Txn) error {
		id := chat.ConversationID(a, b)
		owner, found, err := recordOwner(txn, id)
		if err != nil || !found {
			return err
		}
		first, second := chat.SortPair(a, b)
		if owner != [2]string{first, second} {
			return fmt.Errorf("%w: %s", chat.ErrIDConflict, id)
		}
		for _, key := range [][]byte{convKey(id), indexKey(id), memberKey(owner[0], id), memberKey(owner[1], id)} {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// recordOwner returns the participants stored for id. The index entry is
// read first so a record that no longer decodes can still be deleted by its
// owners.
func recordOwner(txn *badger.Txn, id string) ([2]string, bool, error) {
	entry, indexErr := getIndexEntry(txn, id)
	if indexErr == nil {
		return [2]string{entry.ParticipantA, entry.ParticipantB}, true, nil
	}
	if !errors.Is(indexErr, badger.ErrKeyNotFound) && !errors.Is(indexErr, chat.ErrCorruptRecord) {
		return [2]string{}, false, indexErr
	}

	key := convKey(id)
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		if errors.Is(indexErr, badger.ErrKeyNotFound) {
			return [2]string{}, false, nil
		}
		return [2]string{}, false, indexErr
	}
	if err != nil {
		return [2]string{}, false, err
	}
	var sc storedConversation
	if err := item.Value(func(v []byte) error {
		var decodeErr error
		sc, decodeErr = decodeConversation(string(key), v)
		return decodeErr
	}); err != nil {
		return [2]string{}, false, err
	}
	return sc.Participants, true, nil
}

// ScanResult is one conversation visited by Scan. Err is set, and
// Conversation zero, when the record cannot be decoded.
type ScanResult struct {
	Key          string
	Conversation chat.Conversation
	Err          error
}

// Scan walks every stored conversation without locking. Undecodable records
// are reported through ScanResult.Err instead of stopping the walk.
func (s *BadgerStore) Scan(ctx context.Context, fn func(ScanResult) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(convPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.KeyCopy(nil))
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			sc, decodeErr := decodeConversation(key, data)
			if err := fn(ScanResult{Key: key, Conversation: sc.Conversation, Err: decodeErr}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return classify("scan conversations", err)
	}
	return nil
}

// mutate runs fn in a read-write transaction while holding the conversation
// lock for the pair.
func (s *BadgerStore) mutate(ctx context.Context, a, b string, fn func(txn *badger.Txn) error) error {
	if err := chat.ValidatePair(a, b); err != nil {
		return err
	}

	id := chat.ConversationID(a, b)
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return storageErr("lock conversation "+id, err)
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return storageErr("lock conversation "+id, err)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return fn(txn)
	}); err != nil {
		return classify("update conversation "+id, err)
	}
	return nil
}

// loadOrCreate reports whether the conversation was created by this call.
func (s *BadgerStore) loadOrCreate(txn *badger.Txn, a, b string) (storedConversation, bool, error) {
	sc, err := loadConversation(txn, a, b)
	if err == nil {
		return sc, false, nil
	}
	if !errors.Is(err, chat.ErrConversationNotFound) {
		return storedConversation{}, false, err
	}

	sc = newStoredConversation(a, b, s.now())
	if err := putConversation(txn, sc); err != nil {
		return storedConversation{}, false, err
	}
	entry := sc.IndexEntry()
	data, err := encodeIndexEntry(entry)
	if err != nil {
		return storedConversation{}, false, err
	}
	if err := txn.Set(indexKey(sc.ID), data); err != nil {
		return storedConversation{}, false, err
	}
	for _, participant := range sc.Participants {
		if err := txn.Set(memberKey(participant, sc.ID), []byte(sc.ID)); err != nil {
			return storedConversation{}, false, err
		}
	}
	s.log.Debug("conversation created", "conversation_id", sc.ID)
	return sc, true, nil
}

func loadConversation(txn *badger.Txn, a, b string) (storedConversation, error) {
	id := chat.ConversationID(a, b)
	key := convKey(id)
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storedConversation{}, chat.ErrConversationNotFound
	}
	if err != nil {
		return storedConversation{}, err
	}

	var sc storedConversation
	if err := item.Value(func(v []byte) error {
		var decodeErr error
		sc, decodeErr = decodeConversation(string(key), v)
		return decodeErr
	}); err != nil {
		return storedConversation{}, err
	}
	if !sc.BelongsTo(a, b) {
		return storedConversation{}, fmt.Errorf("%w: %s", chat.ErrIDConflict, id)
	}
	return sc, nil
}

func putConversation(txn *badger.Txn, sc storedConversation) error {
	data, err := encodeConversation(sc)
	if err != nil {
		return err
	}
	return txn.Set(convKey(sc.ID), data)
}

func getIndexEntry(txn *badger.Txn, id string) (chat.IndexEntry, error) {
	key := indexKey(id)
	item, err := txn.Get(key)
	if err != nil {
		return chat.IndexEntry{}, err
	}
	var entry chat.IndexEntry
	err = item.Value(func(v []byte) error {
		var decodeErr error
		entry, decodeErr = decodeIndexEntry(string(key), v)
		return decodeErr
	})
	return entry, err
}

func keyExists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func convKey(id string) []byte {
	return []byte(convPrefix + id)
}

func indexKey(id string) []byte {
	return []byte(indexPrefix + id)
}

func memberKey(userID, id string) []byte {
	return []byte(memberPrefix + userID + ":" + id)
}
