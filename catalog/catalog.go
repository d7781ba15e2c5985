// Package catalog mirrors download state into the persistent song catalog, the source of truth
// the UI reads "downloaded" flags from.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/tunestream/errutil"
	"github.com/xeptore/tunestream/media"
	"github.com/xeptore/tunestream/ptr"
)

var ErrNotFound = errors.New("song not found")

type Song struct {
	ID          media.TrackID
	Downloaded  bool
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

type Catalog struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Catalog {
	return &Catalog{db: db, now: time.Now}
}

func (c *Catalog) UpdateDownloadState(ctx context.Context, id media.TrackID, downloaded bool, completedAt *time.Time) error {
	const query = `
		INSERT INTO songs (id, downloaded, completed_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			downloaded = excluded.downloaded,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`
	var completed sql.NullInt64
	if nil != completedAt {
		completed = sql.NullInt64{Int64: completedAt.UnixMilli(), Valid: true}
	}

	if _, err := c.db.ExecContext(ctx, query, string(id), downloaded, completed, c.now().UnixMilli()); nil != err {
		if errutil.IsContext(ctx) {
			return ctx.Err()
		}
		flawP := flaw.P{
			"track_id":       id,
			"downloaded":     downloaded,
			"completed_at":   ptr.ValueOr(completedAt, time.Time{}),
			"err_debug_tree": errutil.Tree(err).FlawP(),
		}
		return flaw.From(fmt.Errorf("failed to update song download state: %v", err)).Append(flawP)
	}
	return nil
}

func (c *Catalog) Get(ctx context.Context, id media.TrackID) (*Song, error) {
	var (
		downloaded bool
		completed  sql.NullInt64
		updatedAt  int64
	)
	err := c.db.
		QueryRowContext(ctx, `SELECT downloaded, completed_at, updated_at FROM songs WHERE id = ?`, string(id)).
		Scan(&downloaded, &completed, &updatedAt)
	if nil != err {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, ErrNotFound
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		default:
			flawP := flaw.P{"track_id": id, "err_debug_tree": errutil.Tree(err).FlawP()}
			return nil, flaw.From(fmt.Errorf("failed to query song: %v", err)).Append(flawP)
		}
	}

	song := Song{ID: id, Downloaded: downloaded, UpdatedAt: time.UnixMilli(updatedAt)}
	if completed.Valid {
		song.CompletedAt = ptr.Of(time.UnixMilli(completed.Int64))
	}
	return &song, nil
}
