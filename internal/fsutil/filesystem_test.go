package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAll(t *testing.T, fsys FileSystem, name, data string) {
	t.Helper()
	w, err := fsys.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestFileSystems(t *testing.T) {
	impls := map[string]func(t *testing.T) (FileSystem, string){
		"os": func(t *testing.T) (FileSystem, string) {
			return OSFileSystem{}, t.TempDir()
		},
		"memory": func(t *testing.T) (FileSystem, string) {
			return NewMemoryFileSystem(), "/data"
		},
	}

	for name, mk := range impls {
		t.Run(name, func(t *testing.T) {
			fsys, root := mk(t)
			dir := filepath.Join(root, "plots", "2025")

			_, err := fsys.Create(filepath.Join(dir, "a.png"))
			assert.True(t, errors.Is(err, fs.ErrNotExist), "create without parent: %v", err)

			require.NoError(t, fsys.MkdirAll(dir, 0o755))
			require.NoError(t, fsys.MkdirAll(dir, 0o755), "MkdirAll is idempotent")

			info, err := fsys.Stat(dir)
			require.NoError(t, err)
			assert.True(t, info.IsDir())

			path := filepath.Join(dir, "a.png")
			writeAll(t, fsys, path, "first")
			writeAll(t, fsys, path, "png")

			data, err := fsys.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, "png", string(data))

			info, err = fsys.Stat(path)
			require.NoError(t, err)
			assert.False(t, info.IsDir())
			assert.Equal(t, int64(3), info.Size())

			_, err = fsys.ReadFile(filepath.Join(dir, "missing"))
			assert.True(t, errors.Is(err, fs.ErrNotExist))
			_, err = fsys.Stat(filepath.Join(dir, "missing"))
			assert.True(t, errors.Is(err, fs.ErrNotExist))
		})
	}
}

func TestMemoryFileSystem_VisibleOnClose(t *testing.T) {
	m := NewMemoryFileSystem()
	w, err := m.Create("out.png")
	require.NoError(t, err)
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)

	data, err := m.ReadFile("out.png")
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, w.Close())
	data, err = m.ReadFile("out.png")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	assert.Equal(t, []string{"out.png"}, m.Files())
}

func TestMemoryFileSystem_MkdirOverFile(t *testing.T) {
	m := NewMemoryFileSystem()
	writeAll(t, m, "/report", "x")
	assert.Error(t, m.MkdirAll("/report/sub", 0o755))

	_, err := m.Create("/")
	assert.Error(t, err)
}
