// Package backup snapshots the SQLite database and ships the snapshots to
// one or more destinations with count-based retention.
package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Snapshot describes one stored database snapshot.
type Snapshot struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Provider is a snapshot destination.
type Provider interface {
	// Upload ships a local snapshot and returns its key at the destination.
	Upload(ctx context.Context, localPath string) (remoteKey string, err error)
	// List returns stored snapshots newest-first.
	List(ctx context.Context) ([]Snapshot, error)
	Delete(ctx context.Context, key string) error
	// Name labels the destination in logs and results.
	Name() string
}

// Prune deletes snapshots beyond the newest keep from p. A failed delete
// does not stop the rest; failures are joined into the returned error.
func Prune(ctx context.Context, p Provider, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	snaps, err := p.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list snapshots for pruning: %w", err)
	}
	if len(snaps) <= keep {
		return 0, nil
	}

	deleted := 0
	var errs []error
	for _, s := range snaps[keep:] {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := p.Delete(ctx, s.Key); err != nil {
			errs = append(errs, fmt.Errorf("delete snapshot %s: %w", s.Key, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// isSnapshotName reports whether a base name was produced by Runner.
func isSnapshotName(name string) bool {
	return strings.HasPrefix(name, filePrefix) &&
		(strings.HasSuffix(name, ".db") || strings.HasSuffix(name, ".db.gz"))
}
