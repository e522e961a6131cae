package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	ErrStoreClosed   = errors.New("ledger: store is closed")
	ErrMissingToolID = errors.New("ledger: tool id is required")
	ErrNotFound      = errors.New("ledger: record not found")
)

var toolsBucket = []byte("tools")

// Record is the last successful provisioning of one tool.
type Record struct {
	ToolID         string    `json:"tool_id"`
	URL            string    `json:"url"`
	FileName       string    `json:"file_name"`
	Path           string    `json:"path"`
	Version        string    `json:"version,omitempty"`
	// SHA256 is the digest of the installed file; ArtifactSHA256 of the download.
	SHA256         string    `json:"sha256"`
	ArtifactSHA256 string    `json:"artifact_sha256,omitempty"`
	Size           int64     `json:"size"`
	RunID          string    `json:"run_id"`
	InstalledAt    time.Time `json:"installed_at"`
}

type Store struct {
	mu     sync.RWMutex
	db     *bolt.DB
	path   string
	closed bool
}

// DefaultPath returns the ledger location under the user cache dir.
func DefaultPath() string {
	base, err := os.UserCacheDir()
	if err != nil || strings.TrimSpace(base) == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "ctrtools", "ledger.db")
}

func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure ledger dir: %w", err)
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(toolsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &Store{db: db, path: trimmed}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Put overwrites the record for rec.ToolID.
func (s *Store) Put(rec Record) error {
	id := strings.TrimSpace(rec.ToolID)
	if id == "" {
		return ErrMissingToolID
	}
	rec.ToolID = id
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", id, err)
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(toolsBucket).Put([]byte(id), data)
	})
}

func (s *Store) Get(toolID string) (Record, error) {
	id := strings.TrimSpace(toolID)
	if id == "" {
		return Record{}, ErrMissingToolID
	}
	var rec Record
	err := s.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(toolsBucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

// List returns all records in key order.
func (s *Store) List() ([]Record, error) {
	var out []Record
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(toolsBucket).ForEach(func(key, value []byte) error {
			var rec Record
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("decode record %s: %w", key, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *Store) Delete(toolID string) error {
	id := strings.TrimSpace(toolID)
	if id == "" {
		return ErrMissingToolID
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(toolsBucket).Delete([]byte(id))
	})
}

func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(fn)
}
