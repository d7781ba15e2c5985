package media_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/tunestream/media"
)

func TestIsRemote(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"dQw4w9WgXcQ", "a-b_c-d_e-f", "00000000000"} {
		assert.True(t, media.IsRemote(key), key)
	}
	for _, key := range []string{"", "dQw4w9WgXc", "dQw4w9WgXcQQ", "content://media/external/audio/media/42", "/sdcard/Music/a.mp3", "dQw4w9WgX.Q"} {
		assert.False(t, media.IsRemote(key), key)
	}

	id, ok := media.ParseTrackID("dQw4w9WgXcQ")
	assert.True(t, ok)
	assert.Equal(t, media.TrackID("dQw4w9WgXcQ"), id)
}

func TestRequestRewrites(t *testing.T) {
	t.Parallel()

	req := media.NewRequest("dQw4w9WgXcQ", 0, 524288)
	assert.Equal(t, "dQw4w9WgXcQ", req.URI)
	assert.Equal(t, "bytes=0-524287", req.RangeHeader())
	assert.Equal(t, int64(524288), req.End())

	rewritten := req.WithURL("https://rr1.example.com/videoplayback?id=1").WithRange(1024, media.LengthUnset)
	assert.Equal(t, "https://rr1.example.com/videoplayback?id=1", rewritten.URI)
	assert.Equal(t, "dQw4w9WgXcQ", rewritten.Key)
	assert.True(t, rewritten.Unbounded())
	assert.Equal(t, "bytes=1024-", rewritten.RangeHeader())

	assert.Equal(t, "dQw4w9WgXcQ", req.URI, "rewrites must not mutate the original")
}

func TestParseQuality(t *testing.T) {
	t.Parallel()

	for _, q := range []media.Quality{media.QualityAuto, media.QualityHigh, media.QualityLow} {
		parsed, err := media.ParseQuality(q.String())
		require.NoError(t, err)
		assert.Equal(t, q, parsed)
	}

	_, err := media.ParseQuality("lossless")
	require.Error(t, err)
}
