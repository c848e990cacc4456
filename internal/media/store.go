// Package media stores uploaded attachments (images, video, voice notes) on
// disk, keyed by room, and hands out the URLs the gateway serves them under.
package media

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// URLPrefix is the gateway path media files are served under.
const URLPrefix = "/media/"

// Store is a disk-backed object store. Files live under dir/<roomBase>/ and
// never overwrite each other: every upload gets a timestamp prefix.
type Store struct {
	dir     string
	baseURL string
}

// NewStore creates the root directory if needed. baseURL is the externally
// reachable gateway origin, e.g. "http://127.0.0.1:8090".
func NewStore(dir, baseURL string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Store{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the store root, for the gateway's file server.
func (s *Store) Dir() string { return s.dir }

// Upload writes one attachment and returns its public URL.
func (s *Store) Upload(roomBase, name string, r io.Reader) (string, error) {
	key := fmt.Sprintf("%d_%s", time.Now().UnixMilli(), SanitizeName(name))
	roomDir := filepath.Join(s.dir, roomBase)
	if err := os.MkdirAll(roomDir, 0o755); err != nil {
		return "", fmt.Errorf("create room media dir: %w", err)
	}

	dst := filepath.Join(roomDir, key)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("write media file: %w", err)
	}

	log.Printf("MEDIA: stored %s/%s (%d bytes)", roomBase, key, n)
	return s.baseURL + URLPrefix + roomBase + "/" + key, nil
}

// RemoveRoom deletes every attachment of a room, for the clear-chat flow.
func (s *Store) RemoveRoom(roomBase string) error {
	if SanitizeName(roomBase) != roomBase {
		return fmt.Errorf("invalid room base %q", roomBase)
	}
	return os.RemoveAll(filepath.Join(s.dir, roomBase))
}

// SanitizeName reduces a client-supplied file name to a safe disk name:
// path separators and anything exotic become underscores, and the name can
// never start with a dot.
func SanitizeName(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		out = "file"
	}
	return out
}
