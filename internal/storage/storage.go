// Package storage implements chat.Store on Badger (embedded, default) and on
// Postgres.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tutorly/peerchat/internal/chat"
)

const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

type Store interface {
	chat.Store
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
}

type Options struct {
	Backend    string
	BadgerPath string
	DBURL      string
	Log        *slog.Logger
}

// Open returns the configured backend. Callers run Migrate before serving.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendBadger, "":
		return OpenBadger(opts.BadgerPath, opts.Log)
	case BackendPostgres:
		return NewPostgresStore(ctx, opts.DBURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// classify keeps domain errors as they are and wraps everything else in
// chat.ErrStorage.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chat.ErrConversationNotFound),
		errors.Is(err, chat.ErrCorruptRecord),
		errors.Is(err, chat.ErrIDConflict),
		errors.Is(err, chat.ErrValidation),
		errors.Is(err, chat.ErrStorage):
		return err
	default:
		return storageErr(op, err)
	}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", chat.ErrStorage, op, err)
}
