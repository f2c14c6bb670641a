package filesystem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetUserHomeDirectory(t *testing.T) {
	t.Setenv("HOME", "/home/spacedb")
	require.Equal(t, "/home/spacedb", GetUserHomeDirectory())
}

func TestGetCanonicalPath(t *testing.T) {
	t.Setenv("HOME", "/home/spacedb")
	t.Setenv("SPACEDB_DIR", "/var/lib/spacedb")
	for _, tc := range []struct {
		path     string
		expected string
	}{
		{"", "."},
		{".", "."},
		{"spacedb", "spacedb"},
		{"spacedb/../test", "test"},
		{"spacedb/../..", ".."},
		{"a/b/../c/d/..", "a/c"},
		{"~/spacedb/test/../config", "/home/spacedb/spacedb/config"},
		{"$SPACEDB_DIR/data", "/var/lib/spacedb/data"},
		{"/spacedb/../test", "/test"},
	} {
		require.Equal(t, filepath.FromSlash(tc.expected), GetCanonicalPath(tc.path), tc.path)
	}
}

func TestExistOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, ExistOrCreate(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.NoError(t, ExistOrCreate(path))
}
