package export

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BlobStore persists finished export files and issues time-limited,
// tamper-proof download URLs. I/O stays at the edge of the pipeline so the
// hashing and signing phases remain pure.
type BlobStore interface {
	PutObject(ctx context.Context, name string, body []byte) error
	GetObject(ctx context.Context, name string) ([]byte, error)
	// SignedURL issues a download URL for object name, served under
	// downloadName.
	SignedURL(name, downloadName string, ttl time.Duration) (string, error)
}

// LocalStore is a filesystem BlobStore. Files are written to a temp path
// and renamed into place, so a partially written file is never visible via
// the download path. URLs are signed with an HMAC over name and expiry and
// validated by VerifyURL when the download route serves them.
type LocalStore struct {
	dir       string
	urlSecret []byte
	baseURL   string
}

// NewLocalStore creates a LocalStore rooted at dir. baseURL is the public
// prefix of the file-serving route (e.g. "/api/audit/files").
func NewLocalStore(dir, baseURL string, urlSecret []byte) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}

	return &LocalStore{dir: dir, urlSecret: urlSecret, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// PutObject writes body atomically under name.
func (s *LocalStore) PutObject(_ context.Context, name string, body []byte) error {
	if err := validateName(name); err != nil {
		return err
	}

	final := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp export file: %w", err)
	}

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name()) //nolint:errcheck // best-effort cleanup.

		return fmt.Errorf("writing export file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck // best-effort cleanup.

		return fmt.Errorf("closing export file: %w", err)
	}

	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck // best-effort cleanup.

		return fmt.Errorf("publishing export file: %w", err)
	}

	return nil
}

// GetObject reads a stored export file.
func (s *LocalStore) GetObject(_ context.Context, name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("reading export file: %w", err)
	}

	return data, nil
}

// SignedURL returns a relative URL valid for ttl. The download name rides
// along in the query and is covered by the signature, so the serving route
// can safely echo it as the attachment file name.
func (s *LocalStore) SignedURL(name, downloadName string, ttl time.Duration) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	if err := validateName(downloadName); err != nil {
		return "", err
	}

	exp := time.Now().UTC().Add(ttl).Unix()
	sig := s.urlSignature(name, downloadName, exp)

	q := url.Values{}
	q.Set("dl", downloadName)
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", sig)

	return s.baseURL + "/" + url.PathEscape(name) + "?" + q.Encode(), nil
}

// VerifyURL checks a download request's expiry and signature. Comparison is
// constant-time.
func (s *LocalStore) VerifyURL(name, downloadName, expStr, sig string) error {
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expiry: %w", err)
	}

	if time.Now().UTC().Unix() > exp {
		return fmt.Errorf("download URL expired")
	}

	expected := s.urlSignature(name, downloadName, exp)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("invalid download signature")
	}

	return nil
}

func (s *LocalStore) urlSignature(name, downloadName string, exp int64) string {
	mac := hmac.New(sha256.New, s.urlSecret)
	fmt.Fprintf(mac, "%s|%s|%d", name, downloadName, exp)

	return hex.EncodeToString(mac.Sum(nil))
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid export file name %q", name)
	}

	return nil
}

// MemoryStore is an in-memory BlobStore for tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

// PutObject stores body under name.
func (s *MemoryStore) PutObject(_ context.Context, name string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, len(body))
	copy(buf, body)
	s.data[name] = buf

	return nil
}

// GetObject returns the stored bytes for name.
func (s *MemoryStore) GetObject(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[name]
	if !ok {
		return nil, fmt.Errorf("object %q not found", name)
	}

	return data, nil
}

// Len reports how many objects the store holds.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.data)
}

// SignedURL returns a fake URL carrying the download name and expiry.
func (s *MemoryStore) SignedURL(name, downloadName string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.data[name]; !ok {
		return "", fmt.Errorf("object %q not found", name)
	}

	exp := time.Now().UTC().Add(ttl).Unix()

	return "/files/" + url.PathEscape(name) +
		"?dl=" + url.QueryEscape(downloadName) +
		"&exp=" + strconv.FormatInt(exp, 10), nil
}
