// Package conflict provides last-write-wins conflict detection for
// concurrent edits. The detector only signals; it never merges or
// resolves — merge semantics are domain-specific and belong to the caller.
package conflict

import (
	"context"
	"time"

	"github.com/projexhq/projex-sync/internal/errors"
	"github.com/projexhq/projex-sync/internal/logging"
	"github.com/projexhq/projex-sync/internal/models"
)

// Head is the conflict-relevant slice of a remote row: its write timestamp
// and monotonically incremented version.
type Head struct {
	UpdatedAt     string
	VersionNumber int
}

// HeadFetcher fetches only the conflict metadata for a remote entity, not
// the full row. A NOT_FOUND error means the entity has never been written.
type HeadFetcher interface {
	FetchHead(ctx context.Context, table models.Table, id string) (*Head, error)
}

// Resolution is the outcome of a conflict check.
type Resolution struct {
	HasConflict bool
	RemoteHead  *Head
	Message     string
}

// Detector compares local write timestamps against the remote head.
type Detector struct {
	fetcher HeadFetcher
	logger  *logging.Logger
}

// NewDetector creates a Detector.
func NewDetector(fetcher HeadFetcher, logger *logging.Logger) *Detector {
	if logger == nil {
		logger = logging.Get()
	}
	return &Detector{fetcher: fetcher, logger: logger}
}

// Detect reports whether a write stamped localTimestamp would clobber a
// newer remote version of (table, id). A missing remote row is the
// first-write case and never conflicts. The aborted write leaves the
// remote row untouched; the caller decides whether to refetch, overwrite,
// or prompt.
func (d *Detector) Detect(ctx context.Context, table models.Table, id, localTimestamp string) (*Resolution, error) {
	head, err := d.fetcher.FetchHead(ctx, table, id)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return &Resolution{HasConflict: false}, nil
		}
		return nil, err
	}

	remoteTime, err := time.Parse(time.RFC3339, head.UpdatedAt)
	if err != nil {
		// Unparseable remote timestamp: cannot prove staleness, let the
		// write proceed.
		d.logger.Warn("Remote head has unparseable timestamp",
			map[string]interface{}{
				"table":      table.String(),
				"id":         id,
				"updated_at": head.UpdatedAt,
			})
		return &Resolution{HasConflict: false, RemoteHead: head}, nil
	}

	localTime, err := time.Parse(time.RFC3339, localTimestamp)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid local timestamp", err)
	}

	if remoteTime.After(localTime) {
		d.logger.Warn("Stale write detected",
			map[string]interface{}{
				"table":            table.String(),
				"id":               id,
				"local_timestamp":  localTimestamp,
				"remote_timestamp": head.UpdatedAt,
				"remote_version":   head.VersionNumber,
			})
		return &Resolution{
			HasConflict: true,
			RemoteHead:  head,
			Message:     "remote has a newer version; refetch before writing",
		}, nil
	}

	return &Resolution{HasConflict: false, RemoteHead: head}, nil
}
