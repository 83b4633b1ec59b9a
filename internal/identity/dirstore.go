package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DirStorage keeps one directory per session under Root.
type DirStorage struct {
	Root string
}

func (d DirStorage) Path(sessionID string) string {
	return filepath.Join(d.Root, sessionID)
}

// Ensure creates the session's directory.
func (d DirStorage) Ensure(sessionID string) (string, error) {
	if err := validSessionDir(sessionID); err != nil {
		return "", err
	}
	p := d.Path(sessionID)
	return p, os.MkdirAll(p, 0o700)
}

func (d DirStorage) List(context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (d DirStorage) Delete(_ context.Context, sessionID string) error {
	if err := validSessionDir(sessionID); err != nil {
		return err
	}
	return os.RemoveAll(d.Path(sessionID))
}

func validSessionDir(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return errors.New("invalid session storage id: " + id)
	}
	return nil
}
