package utils

import (
	"io"
	"log/slog"
	"os"

	"github.com/oklog/ulid/v2"
	slogmulti "github.com/samber/slog-multi"
)

// NewLogger builds the invocation logger: records fan out to stderr and, when
// filename is non-empty, to the log file in append mode. Every record carries
// a ULID run id so that interleaved invocations can be told apart in the
// shared log file. The returned closer owns the log file handle.
func NewLogger(filename string, verbose bool) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	handlers := []slog.Handler{slog.NewTextHandler(os.Stderr, opts)}
	var closer io.Closer = nopCloser{}
	if filename != "" {
		f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, opts))
		closer = f
	}

	logger := slog.New(slogmulti.Fanout(handlers...)).With("run", ulid.Make().String())
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
