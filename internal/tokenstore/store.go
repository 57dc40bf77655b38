package tokenstore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/routecodex/gateway/internal/gwerrors"
)

// Store persists Records to disk using atomic rename on write, grounded on
// the teacher's sdk/auth.FileTokenStore (sdk/auth/filestore.go). Unlike the
// teacher's single mutex, Store keys its write lock per path so concurrent
// writers to different token files never block each other; callers needing
// cross-file serialization (C3 single-flight) provide their own locking.
type Store struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs an empty Store.
func New() *Store {
	return &Store{locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// Read loads and parses the record at path. A missing file returns
// (Record{}, false, nil) rather than an error.
func (s *Store) Read(path string) (Record, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "tokenstore: read failed")
	}
	if len(data) == 0 {
		return Record{}, false, nil
	}
	rec, err := ParseRecord(data)
	if err != nil {
		return Record{}, false, gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "tokenstore: parse failed")
	}
	return rec.Normalize(), true, nil
}

// Write persists rec to path atomically: write to a temp file in the same
// directory, then rename. Mode 0600 is applied where the platform supports
// it, matching the teacher's filestore write path.
func (s *Store) Write(path string, rec Record) error {
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "tokenstore: mkdir failed")
	}
	raw, err := rec.Normalize().MarshalJSON()
	if err != nil {
		return gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "tokenstore: marshal failed")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "tokenstore: create temp failed")
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "tokenstore: write temp failed")
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "tokenstore: close temp failed")
	}
	_ = os.Chmod(tmpName, 0o600)
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "tokenstore: rename failed")
	}
	return nil
}

// Backup copies path to "<path>.<epoch>.bak" and returns the backup path.
// It never deletes the primary file.
func (s *Store) Backup(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "tokenstore: backup read failed")
	}
	backupPath := fmt.Sprintf("%s.%d.bak", path, time.Now().Unix())
	if err = os.WriteFile(backupPath, data, 0o600); err != nil {
		return "", gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "tokenstore: backup write failed")
	}
	return backupPath, nil
}

// Restore renames backupPath over target, best-effort. Used on a failed
// forced-reset interactive run to roll back to the pre-reset token.
func (s *Store) Restore(backupPath, target string) error {
	if backupPath == "" {
		return nil
	}
	if err := os.Rename(backupPath, target); err != nil {
		return gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "tokenstore: restore failed")
	}
	return nil
}

// DiscardBackup best-effort unlinks a stale backup after a successful run.
func (s *Store) DiscardBackup(backupPath string) {
	if backupPath == "" {
		return
	}
	_ = os.Remove(backupPath)
}

// Mtime returns the file's modification time in unix milliseconds, or
// (0, false) if it doesn't exist.
func (s *Store) Mtime(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return info.ModTime().UnixMilli(), true
}

// ListDescriptors enumerates every "<provider>-oauth-*.json" file under dir.
func (s *Store) ListDescriptors(dir string) ([]Descriptor, error) {
	var out []Descriptor
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
			return nil
		}
		if desc, ok := ParseFileName(d.Name()); ok {
			out = append(out, desc)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return out, nil
}
