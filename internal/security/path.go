// Package security guards file paths built from device-supplied identifiers.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePathWithinDirectory rejects filePath unless it resolves, after
// cleaning and symlink resolution, to a location inside safeDir. Paths that
// do not exist yet are checked through their nearest existing parent.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}

	canonicalPath := absPath
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		canonicalPath = resolved
	} else {
		// Walk up to the first existing parent so a symlinked parent
		// directory cannot smuggle a new file outside safeDir.
		for check := absPath; ; {
			parent := filepath.Dir(check)
			if parent == check {
				break
			}
			if resolved, err := filepath.EvalSymlinks(parent); err == nil {
				rel, _ := filepath.Rel(parent, absPath)
				canonicalPath = filepath.Join(resolved, rel)
				break
			}
			check = parent
		}
	}

	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(canonicalSafeDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// SanitizeFilename maps an arbitrary identifier to a file name made of
// ASCII letters, digits, dot, underscore and dash. Runs of other characters
// become one underscore and the result is capped at 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}

// JoinWithin sanitizes name and joins it to dir, failing if the result
// would land outside dir.
func JoinWithin(dir, name string) (string, error) {
	path := filepath.Join(dir, SanitizeFilename(name))
	if err := ValidatePathWithinDirectory(path, dir); err != nil {
		return "", err
	}
	return path, nil
}
