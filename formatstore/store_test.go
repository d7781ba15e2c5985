package formatstore_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/tunestream/db"
	"github.com/xeptore/tunestream/formatstore"
	"github.com/xeptore/tunestream/media"
	"github.com/xeptore/tunestream/ptr"
)

func newStore(t *testing.T) *formatstore.Store {
	t.Helper()
	conn, err := db.Open(t.Context(), filepath.Join(t.TempDir(), "formats.db"), db.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return formatstore.New(conn)
}

func sampleFormat(id media.TrackID, now time.Time, ttl time.Duration) formatstore.ResolvedFormat {
	return formatstore.ResolvedFormat{
		TrackID:       id,
		Itag:          251,
		MimeType:      `audio/webm; codecs="opus"`,
		Bitrate:       160000,
		SampleRate:    48000,
		ContentLength: 3433514,
		LoudnessDB:    ptr.Of(-7.25),
		PlaybackURL:   "https://rr3.example.com/videoplayback?id=" + string(id),
		ExpiresAt:     now.Add(ttl),
		CachedAt:      now,
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	now := time.Now()
	in := sampleFormat("dQw4w9WgXcQ", now, 6*time.Hour)
	require.NoError(t, store.Upsert(t.Context(), in))

	out, err := store.GetValid(t.Context(), "dQw4w9WgXcQ", now)
	require.NoError(t, err)
	assert.Equal(t, in.TrackID, out.TrackID)
	assert.Equal(t, in.Itag, out.Itag)
	assert.Equal(t, in.MimeType, out.MimeType)
	assert.Equal(t, in.Bitrate, out.Bitrate)
	assert.Equal(t, in.SampleRate, out.SampleRate)
	assert.Equal(t, in.ContentLength, out.ContentLength)
	require.NotNil(t, out.LoudnessDB)
	assert.InDelta(t, *in.LoudnessDB, *out.LoudnessDB, 0.0001)
	assert.Equal(t, in.PlaybackURL, out.PlaybackURL)
	assert.True(t, in.ExpiresAt.Equal(out.ExpiresAt))
	assert.True(t, in.CachedAt.Equal(out.CachedAt))

	_, err = store.GetValid(t.Context(), "dQw4w9WgXcQ", in.ExpiresAt)
	require.ErrorIs(t, err, formatstore.ErrNotFound, "expires_at <= now must read as absent")
}

func TestSubMillisecondExpiry(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	now := time.Now()
	in := sampleFormat("dQw4w9WgXcQ", now, 500*time.Microsecond)
	require.NoError(t, store.Upsert(t.Context(), in))

	out, err := store.GetValid(t.Context(), "dQw4w9WgXcQ", now)
	require.NoError(t, err)
	assert.True(t, in.ExpiresAt.Equal(out.ExpiresAt))

	_, err = store.GetValid(t.Context(), "dQw4w9WgXcQ", in.ExpiresAt)
	require.ErrorIs(t, err, formatstore.ErrNotFound)

	n, err := store.ClearExpired(t.Context(), now.Add(499*time.Microsecond))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = store.ClearExpired(t.Context(), in.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpsertReplaces(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	now := time.Now()
	first := sampleFormat("dQw4w9WgXcQ", now, time.Hour)
	require.NoError(t, store.Upsert(t.Context(), first))

	second := sampleFormat("dQw4w9WgXcQ", now, 2*time.Hour)
	second.Itag = 140
	second.LoudnessDB = nil
	require.NoError(t, store.Upsert(t.Context(), second))

	out, err := store.GetValid(t.Context(), "dQw4w9WgXcQ", now)
	require.NoError(t, err)
	assert.Equal(t, 140, out.Itag)
	assert.Nil(t, out.LoudnessDB)
}

func TestClearExpiredAndDelete(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	now := time.Now()
	require.NoError(t, store.Upsert(t.Context(), sampleFormat("expired0001", now, time.Minute)))
	require.NoError(t, store.Upsert(t.Context(), sampleFormat("fresh000001", now, time.Hour)))

	n, err := store.ClearExpired(t.Context(), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetValid(t.Context(), "fresh000001", now)
	require.NoError(t, err)

	require.NoError(t, store.Delete(t.Context(), "fresh000001"))
	_, err = store.GetValid(t.Context(), "fresh000001", now)
	require.ErrorIs(t, err, formatstore.ErrNotFound)
}
