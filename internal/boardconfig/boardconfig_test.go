package boardconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadNormalizesAndCaches(t *testing.T) {
	Clear()
	dir := t.TempDir()
	path := filepath.Join(dir, "board_type")
	require.NoError(t, os.WriteFile(path, []byte("  M3\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, M3, cfg.BoardType)

	// Mutate the file; Load must still return the cached value.
	require.NoError(t, os.WriteFile(path, []byte("a8"), 0644))
	cfg2, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, M3, cfg2.BoardType)
}

func TestClearInvalidatesCache(t *testing.T) {
	Clear()
	dir := t.TempDir()
	path := filepath.Join(dir, "board_type")
	require.NoError(t, os.WriteFile(path, []byte("m3"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, M3, cfg.BoardType)

	require.NoError(t, os.WriteFile(path, []byte("a8"), 0644))
	Clear()

	cfg2, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, A8, cfg2.BoardType)
}

func TestLoadMissingFileIsFatal(t *testing.T) {
	Clear()
	_, err := Load("/nonexistent/path/to/board_type")
	assert.Error(t, err)
}

func TestBoardTypeSupported(t *testing.T) {
	assert.True(t, M3.Supported())
	assert.True(t, A8.Supported())
	assert.False(t, BoardType("unknown").Supported())
}
