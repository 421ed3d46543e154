package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parley-dev/parley/errors"
)

// Metadata is the listing view of a stored session.
type Metadata struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists sessions at checkpoint boundaries. The byte format is the
// store's concern; integrity checking is the session's.
type Store interface {
	Save(s *Session) error
	Load(name string) (*Session, error)
	List() ([]Metadata, error)
}

// FileStore keeps one JSON file per session under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the session directory if needed. An empty dir
// defaults to .parley/sessions in the working directory.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = filepath.Join(".parley", "sessions")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not create session directory")
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(name string) string {
	return filepath.Join(f.dir, name+".json")
}

// Save writes the session atomically (write temp, then rename).
func (f *FileStore) Save(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session %s", s.Name)
	}
	tmp := f.path(s.Name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write session file")
	}
	return os.Rename(tmp, f.path(s.Name))
}

// Load reads a session by name and verifies its integrity. A checksum
// mismatch fails the load outright; no partially-loaded session escapes.
func (f *FileStore) Load(name string) (*Session, error) {
	data, err := os.ReadFile(f.path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", f.path(name))
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", f.path(name))
	}
	if err := s.VerifyIntegrity(); err != nil {
		return nil, err
	}
	s.store = f
	return &s, nil
}

// List returns metadata for every stored session, most recent first.
func (f *FileStore) List() ([]Metadata, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session directory")
	}
	var out []Metadata
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, e.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		out = append(out, Metadata{
			ID:           s.ID,
			Name:         s.Name,
			Status:       s.Status,
			MessageCount: len(s.Messages),
			UpdatedAt:    s.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
