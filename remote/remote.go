// Package remote moves virtual tape archives between the local archive
// device and the storage backend holding the library. Backends do their own
// bounded retrying; a slow archival store can legitimately take tens of
// minutes before a transfer is declared failed.
package remote

import (
	"context"
	"time"
)

// Client is the storage collaborator the changer drives. All calls block
// until the operation succeeds or the backend's retry budget is exhausted.
type Client interface {
	// Exists reports whether an object is present at path. Listing
	// failures are retried internally; after the attempts are used up the
	// object is reported absent.
	Exists(ctx context.Context, path string) (bool, error)

	// Copy copies src into dst, where dst names a directory or prefix.
	// Either side may be local or remote.
	Copy(ctx context.Context, src, dst string) error

	// Move is Copy followed by removal of src.
	Move(ctx context.Context, src, dst string) error
}

// Retry bounds a backend's internal retry loop: up to Attempts tries with a
// fixed Delay between them.
type Retry struct {
	Attempts int
	Delay    time.Duration
}

func (r Retry) attempts() int {
	if r.Attempts < 1 {
		return 1
	}
	return r.Attempts
}
