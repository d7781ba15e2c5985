package log_test

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/tunestream/log"
)

func TestNewPackedFlawFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := log.NewPacked(&buf)

	err := flaw.From(errors.New("resolver returned no audio formats")).Append(flaw.P{"track_id": "dQw4w9WgXcQ"})
	logger.Error().Func(log.Flaw(err)).Msg("Resolution failed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Resolution failed", line["message"])
	require.Contains(t, line, "error")
	require.Contains(t, line, "records")
	require.Contains(t, line, "app")
}

func TestNewPackedPlainError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := log.NewPacked(&buf)
	logger.Warn().Func(log.Flaw(fmt.Errorf("plain"))).Msg("Warned")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "plain", line["error"])
}

func TestNewRotating(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var console bytes.Buffer
	logger, closer := log.NewRotating(&console, log.RotatingFile{Path: filepath.Join(dir, "tunestream.log"), MaxSizeMB: 1})
	logger.Info().Str("track_id", "dQw4w9WgXcQ").Msg("Resolved")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(filepath.Join(dir, "tunestream.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "dQw4w9WgXcQ")
	assert.NotEmpty(t, console.Bytes())
}
