package store

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrInvalidSessionID rejects session ids that could escape the storage
// root. Everything filesystem-facing goes through sessionDir.
var ErrInvalidSessionID = errors.New("store: invalid session id")

// sessionDir resolves the on-disk directory for a session id, refusing dot
// names, separators and anything that resolves outside the storage root.
func sessionDir(root, id string) (string, error) {
	if id == "" || id == "." || id == ".." {
		return "", ErrInvalidSessionID
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return "", ErrInvalidSessionID
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(absRoot, id)
	if dir != absRoot && !strings.HasPrefix(dir, absRoot+string(filepath.Separator)) {
		return "", ErrInvalidSessionID
	}
	if dir == absRoot {
		return "", ErrInvalidSessionID
	}
	return dir, nil
}
