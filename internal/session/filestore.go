package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/ovenzeze/open-interpreter/internal/logger"
	"github.com/ovenzeze/open-interpreter/internal/message"
)

var (
	ErrNotFound  = errors.New("session file not found")
	ErrInvalidID = errors.New("invalid session id")
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// FileStore keeps one JSON file per session in a directory.
type FileStore struct {
	fs  afero.Fs
	dir string
}

func NewFileStore(fs afero.Fs, dir string) (*FileStore, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{fs: fs, dir: dir}, nil
}

func (f *FileStore) Dir() string {
	return f.dir
}

func (f *FileStore) path(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(f.dir, id+".json"), nil
}

func (f *FileStore) Save(s *Session) error {
	path, err := f.path(s.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}

	return f.atomicWrite(path, data)
}

// Load reads one record. A bare message array is upgraded to the full shape,
// taking the id from the file name; upgraded reports whether that happened.
func (f *FileStore) Load(id string) (s *Session, upgraded bool, err error) {
	path, err := f.path(id)
	if err != nil {
		return nil, false, err
	}

	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, false, fmt.Errorf("decode legacy %s: %w", path, err)
		}

		now := time.Now()
		return &Session{
			ID:         id,
			CreatedAt:  message.At(now),
			LastActive: message.At(now),
			Metadata:   map[string]any{},
			Messages:   message.FromLegacy(raw, now),
		}, true, nil
	}

	var rec Session
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}

	if rec.ID == "" {
		rec.ID = id
	}
	if rec.LastActive.IsZero() {
		rec.LastActive = rec.CreatedAt
	}

	return rec.Clone(), false, nil
}

// LoadAll loads every record in the directory. Each file is tried on its own;
// unreadable files are logged and skipped, legacy files are rewritten.
func (f *FileStore) LoadAll() []*Session {
	entries, err := afero.ReadDir(f.fs, f.dir)
	if err != nil {
		logger.Error("failed to list session dir", "dir", f.dir, "error", err)
		return nil
	}

	var out []*Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}

		id := strings.TrimSuffix(e.Name(), ".json")
		s, upgraded, err := f.Load(id)
		if err != nil {
			logger.Error("skipping unreadable session file", "file", e.Name(), "error", err)
			continue
		}

		if upgraded {
			if err := f.Save(s); err != nil {
				logger.Warn("failed to rewrite legacy session file", "session", id, "error", err)
			} else {
				logger.Info("legacy session file upgraded", "session", id, "messages", len(s.Messages))
			}
		}

		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt.Time) })
	return out
}

// Delete removes the record. Missing files are not an error.
func (f *FileStore) Delete(id string) error {
	path, err := f.path(id)
	if err != nil {
		return err
	}

	if err := f.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (f *FileStore) atomicWrite(path string, data []byte) error {
	tmp, err := afero.TempFile(f.fs, f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			f.fs.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := f.fs.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := f.fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}
