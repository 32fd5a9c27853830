// Package securelog logs failures without user-provided data. Chat errors can
// wrap message text, ciphertext or display names, so only the operation, the
// caller location and the chain of error types are recorded.
package securelog

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
)

// Error logs err under op. A nil logger falls back to slog.Default.
func Error(log *slog.Logger, op string, err error) {
	if err == nil {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{
		"at", callerLocation(2),
		"types", strings.Join(errorTypes(err), "->"),
	}
	if op != "" {
		attrs = append([]any{"op", op}, attrs...)
	}
	log.Error("operation failed", attrs...)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func callerLocation(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d %s", file, line, name)
}

func errorTypes(err error) []string {
	types := []string{}
	seen := map[string]struct{}{}
	var walk func(error)
	walk = func(err error) {
		for err != nil {
			name := fmt.Sprintf("%T", err)
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				types = append(types, name)
			}
			if joined, ok := err.(interface{ Unwrap() []error }); ok {
				for _, inner := range joined.Unwrap() {
					walk(inner)
				}
				return
			}
			err = errors.Unwrap(err)
		}
	}
	walk(err)
	return types
}
