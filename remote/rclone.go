package remote

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/pkg/errors"
)

// Runner executes the rclone binary and returns its stdout. Split out so
// tests can substitute a fake without a binary on the path.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// Rclone drives the rclone binary, one subprocess per operation. rclone
// itself retries low-level I/O; the loops here cover whole-operation
// failures such as an endpoint that is briefly unreachable.
type Rclone struct {
	binary        string
	transferRetry Retry
	existsRetry   Retry
	runner        Runner
	logger        *slog.Logger
}

func NewRclone(binary string, transferRetry, existsRetry Retry, logger *slog.Logger) *Rclone {
	if binary == "" {
		binary = "rclone"
	}
	r := &Rclone{
		binary:        binary,
		transferRetry: transferRetry,
		existsRetry:   existsRetry,
		logger:        logger,
	}
	r.runner = r.exec
	return r
}

func (r *Rclone) exec(ctx context.Context, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, r.binary, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, errors.Wrapf(err, "%s %v: %s", r.binary, args, bytes.TrimSpace(exitErr.Stderr))
		}
		return out, errors.Wrapf(err, "%s %v", r.binary, args)
	}
	return out, nil
}

// Exists lists the object with lsf. rclone prints nothing for a missing
// object on some backends and exits non-zero on others, so an empty listing
// and an exhausted retry budget both report absent.
func (r *Rclone) Exists(ctx context.Context, path string) (bool, error) {
	for attempt := 1; ; attempt++ {
		out, err := r.runner(ctx, "lsf", path)
		if err == nil {
			return len(bytes.TrimSpace(out)) > 0, nil
		}
		if attempt >= r.existsRetry.attempts() {
			r.logger.Warn("existence check exhausted retries, treating as absent",
				"path", path, "attempts", attempt, "error", err)
			return false, nil
		}
		r.logger.Warn("existence check failed, retrying",
			"path", path, "attempt", attempt, "error", err)
		time.Sleep(r.existsRetry.Delay)
	}
}

// Copy copies src into the directory dst.
func (r *Rclone) Copy(ctx context.Context, src, dst string) error {
	return r.transfer(ctx, "copy", src, dst)
}

// Move moves src into the directory dst, removing the source.
func (r *Rclone) Move(ctx context.Context, src, dst string) error {
	return r.transfer(ctx, "move", src, dst)
}

func (r *Rclone) transfer(ctx context.Context, op, src, dst string) error {
	var err error
	for attempt := 1; attempt <= r.transferRetry.attempts(); attempt++ {
		if _, err = r.runner(ctx, op, src, dst); err == nil {
			return nil
		}
		if attempt < r.transferRetry.attempts() {
			r.logger.Warn("transfer failed, retrying",
				"op", op, "src", src, "dst", dst, "attempt", attempt, "error", err)
			time.Sleep(r.transferRetry.Delay)
		}
	}
	return errors.Wrapf(err, "rclone %s %s %s", op, src, dst)
}
