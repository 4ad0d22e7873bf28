package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	safeDir := filepath.Join(tmpDir, "safe")
	unsafeDir := filepath.Join(tmpDir, "unsafe")
	require.NoError(t, os.MkdirAll(safeDir, 0755))
	require.NoError(t, os.MkdirAll(unsafeDir, 0755))
	require.NoError(t, os.Symlink(unsafeDir, filepath.Join(safeDir, "evil-symlink")))

	tests := []struct {
		name      string
		filePath  string
		wantError bool
	}{
		{"file in directory", filepath.Join(safeDir, "scan.png"), false},
		{"nested new file", filepath.Join(safeDir, "dev", "scan.png"), false},
		{"dot dot", filepath.Join(safeDir, "..", "scan.png"), true},
		{"relative escape", "../../../etc/passwd", true},
		{"absolute elsewhere", "/etc/passwd", true},
		{"through symlinked dir", filepath.Join(safeDir, "evil-symlink", "scan.png"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.filePath, safeDir)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(tmpDir, "x"), filepath.Join(tmpDir, "missing")))
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"silo-1_2025_08.png", "silo-1_2025_08.png"},
		{"../../etc/passwd", "etc_passwd"},
		{"a b//c", "a_b_c"},
		{"โรงงาน 3", "3"},
		{"", "unknown"},
		{"...", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, SanitizeFilename(string(long)), 128)
}

func TestJoinWithin(t *testing.T) {
	dir := t.TempDir()
	path, err := JoinWithin(dir, "dev/1:batch 2.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "dev_1_batch_2.png"), path)

	_, err = JoinWithin(filepath.Join(dir, "missing"), "x.png")
	assert.Error(t, err)
}
