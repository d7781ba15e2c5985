package formatstore

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

var ErrNotFound = errors.New("format not found")

// ResolvedFormat is the last resolved stream metadata of a track. A record whose ExpiresAt is not
// after the read instant is treated as absent. Times are stored as Unix nanoseconds.
type ResolvedFormat struct {
	TrackID       media.TrackID
	Itag          int
	MimeType      string
	Bitrate       int
	SampleRate    int
	ContentLength int64
	LoudnessDB    *float64
	PlaybackURL   string
	ExpiresAt     time.Time
	CachedAt      time.Time
}

func (f *ResolvedFormat) FlawP() flaw.P {
	return flaw.P{
		"track_id":       f.TrackID,
		"itag":           f.Itag,
		"mime_type":      f.MimeType,
		"bitrate":        f.Bitrate,
		"sample_rate":    f.SampleRate,
		"content_length": f.ContentLength,
		"loudness_db":    ptr.ValueOr(f.LoudnessDB, 0),
		"expires_at":     f.ExpiresAt,
		"cached_at":      f.CachedAt,
	}
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Upsert(ctx context.Context, f ResolvedFormat) error {
	const query = `
		INSERT INTO formats (track_id, itag, mime_type, bitrate, sample_rate, content_length, loudness_db, playback_url, expires_at, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (track_id) DO UPDATE SET
			itag = excluded.itag,
			mime_type = excluded.mime_type,
			bitrate = excluded.bitrate,
			sample_rate = excluded.sample_rate,
			content_length = excluded.content_length,
			loudness_db = excluded.loudness_db,
			playback_url = excluded.playback_url,
			expires_at = excluded.expires_at,
			cached_at = excluded.cached_at
	`
	var loudness sql.NullFloat64
	if nil != f.LoudnessDB {
		loudness = sql.NullFloat64{Float64: *f.LoudnessDB, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		string(f.TrackID),
		f.Itag,
		f.MimeType,
		f.Bitrate,
		f.SampleRate,
		f.ContentLength,
		loudness,
		f.PlaybackURL,
		f.ExpiresAt.UnixNano(),
		f.CachedAt.UnixNano(),
	)
	if nil != err {
		if errutil.IsContext(ctx) {
			return ctx.Err()
		}
		flawP := flaw.P{"format": f.FlawP(), "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to upsert format: %v", err)).Append(flawP)
	}
	return nil
}

// GetValid returns the record of id if it expires after now, or ErrNotFound.
func (s *Store) GetValid(ctx context.Context, id media.TrackID, now time.Time) (*ResolvedFormat, error) {
	const query = `
		SELECT track_id, itag, mime_type, bitrate, sample_rate, content_length, loudness_db, playback_url, expires_at, cached_at
		FROM formats
		WHERE track_id = ? AND expires_at > ?
	`

	var (
		out        ResolvedFormat
		trackID    string
		sampleRate sql.NullInt64
		length     sql.NullInt64
		loudness   sql.NullFloat64
		expiresAt  int64
		cachedAt   int64
	)
	err := s.db.QueryRowContext(ctx, query, string(id), now.UnixNano()).Scan(
		&trackID,
		&out.Itag,
		&out.MimeType,
		&out.Bitrate,
		&sampleRate,
		&length,
		&loudness,
		&out.PlaybackURL,
		&expiresAt,
		&cachedAt,
	)
	if nil != err {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, ErrNotFound
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		default:
			flawP := flaw.P{"track_id": id, "err_debug_tree": errutil.Tree(err).FlawP()}
			return nil, flaw.From(fmt.Errorf("failed to query format: %v", err)).Append(flawP)
		}
	}

	out.TrackID = media.TrackID(trackID)
	out.SampleRate = int(sampleRate.Int64)
	out.ContentLength = length.Int64
	if loudness.Valid {
		out.LoudnessDB = ptr.Of(loudness.Float64)
	}
	out.ExpiresAt = time.Unix(0, expiresAt)
	out.CachedAt = time.Unix(0, cachedAt)
	return &out, nil
}

// ClearExpired deletes every record that expired at or before now and returns how many went.
func (s *Store) ClearExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM formats WHERE expires_at <= ?`, now.UnixNano())
	if nil != err {
		if errutil.IsContext(ctx) {
			return 0, ctx.Err()
		}
		flawP := flaw.P{"now": now, "err_debug_tree": errutil.Tree(err).FlawP()}
		return 0, flaw.From(fmt.Errorf("failed to clear expired formats: %v", err)).Append(flawP)
	}
	n, err := res.RowsAffected()
	if nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return 0, flaw.From(fmt.Errorf("failed to count cleared formats: %v", err)).Append(flawP)
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, id media.TrackID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM formats WHERE track_id = ?`, string(id)); nil != err {
		if errutil.IsContext(ctx) {
			return ctx.Err()
		}
		flawP := flaw.P{"track_id": id, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to delete format: %v", err)).Append(flawP)
	}
	return nil
}
