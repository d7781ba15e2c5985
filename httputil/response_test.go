package httputil_test

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/tunestream/errutil"
	"github.com/xeptore/tunestream/httputil"
)

func newResponse(body string) *http.Response {
	return &http.Response{Body: io.NopCloser(strings.NewReader(body))}
}

func TestReadResponseBody(t *testing.T) {
	t.Parallel()

	t.Run("non_empty", func(t *testing.T) {
		t.Parallel()
		b, err := httputil.ReadResponseBody(t.Context(), newResponse(`{"ok":true}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(b))
	})

	t.Run("empty_is_flaw", func(t *testing.T) {
		t.Parallel()
		_, err := httputil.ReadResponseBody(t.Context(), newResponse(""))
		require.Error(t, err)
		assert.True(t, errutil.IsFlaw(err))
	})

	t.Run("optional_empty", func(t *testing.T) {
		t.Parallel()
		b, err := httputil.ReadOptionalResponseBody(t.Context(), newResponse(""))
		require.NoError(t, err)
		assert.Empty(t, b)
	})
}

func TestIsCredentialsExpiredResponse(t *testing.T) {
	t.Parallel()

	ok, err := httputil.IsCredentialsExpiredResponse([]byte(`{"error":{"code":401,"status":"UNAUTHENTICATED","message":"expired"}}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = httputil.IsCredentialsExpiredResponse([]byte(`{"error":{"code":401,"status":"PERMISSION_DENIED"}}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = httputil.IsCredentialsExpiredResponse([]byte(`nope`))
	require.Error(t, err)
}
