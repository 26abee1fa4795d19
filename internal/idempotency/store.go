package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrKeyMismatch reports a key replayed with a different request.
var ErrKeyMismatch = errors.New("idempotency key reused with a different request")

// Record holds stored response data.
type Record struct {
	RequestHash string    `json:"requestHash"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store abstracts idempotency persistence. Save never replaces a record that
// has not expired yet.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// HashRequest fingerprints the parts of a request that must match on replay.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the stored record for key, or nil when there is none. A
// record saved for a different request hash is ErrKeyMismatch.
func Lookup(ctx context.Context, store Store, key, requestHash string) (*Record, error) {
	rec, err := store.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.RequestHash != "" && rec.RequestHash != requestHash {
		return nil, ErrKeyMismatch
	}
	return rec, nil
}

// table is an expiring record map shared by the in-process stores. The first
// live record saved under a key wins; later saves are ignored until it expires.
type table map[string]Record

func (t table) get(key string, now time.Time) (*Record, bool) {
	rec, ok := t[key]
	if !ok {
		return nil, false
	}
	if now.After(rec.ExpiresAt) {
		delete(t, key)
		return nil, true
	}
	return &rec, false
}

func (t table) put(key string, rec Record, now time.Time) bool {
	if cur, ok := t[key]; ok && !now.After(cur.ExpiresAt) {
		return false
	}
	t[key] = rec
	return true
}

func (t table) sweep(now time.Time) {
	for k, rec := range t {
		if now.After(rec.ExpiresAt) {
			delete(t, k)
		}
	}
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data table
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(table), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, _ := m.data.get(key, m.now())
	return rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.put(key, record, m.now())
	return nil
}

// FileStore persists records as JSON for single-node development setups.
type FileStore struct {
	path string
	mu   sync.Mutex
	data table
	now  func() time.Time
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, data: make(table), now: time.Now}
	blob, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fs, nil
	case err != nil:
		return nil, err
	case len(blob) == 0:
		return fs, nil
	}
	if err := json.Unmarshal(blob, &fs.data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return fs, nil
}

// persist writes the live records through a temp file and rename.
func (f *FileStore) persist() error {
	f.data.sweep(f.now())
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, dropped := f.data.get(key, f.now())
	if dropped {
		_ = f.persist()
	}
	return rec, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.data.put(key, record, f.now()) {
		return nil
	}
	return f.persist()
}
