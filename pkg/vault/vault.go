// Package vault implements the broker's credential vault: a file-backed,
// encrypted key-value store for API keys, OAuth tokens, and bearer tokens.
//
// Grounded on pkg/credentials/store.go's AES-256-GCM
// encrypt/decrypt pair, generalized from a DB-column scheme to a
// file-backed one with a scrypt-derived key per spec.md §4.A.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"
)

// CredentialKind is the tagged-variant discriminator for Credential,
// matching spec.md §3's Credential data model.
type CredentialKind string

const (
	KindBearer CredentialKind = "bearer"
	KindAPIKey CredentialKind = "api-key"
	KindBasic  CredentialKind = "basic"
	KindQuery  CredentialKind = "query"
	KindOAuth2 CredentialKind = "oauth2"
	KindOpaque CredentialKind = "opaque"
)

// Credential is the tagged variant stored in the vault. Only the fields
// relevant to Kind are populated; the others are zero.
type Credential struct {
	Kind CredentialKind `json:"kind"`

	// bearer
	Token string `json:"token,omitempty"`

	// api-key
	Header     string `json:"header,omitempty"`
	HeaderName string `json:"header_name,omitempty"`

	// basic
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// query
	Param string `json:"param,omitempty"`

	// oauth2
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
	RefreshURL   string     `json:"refresh_url,omitempty"`
	ClientID     string     `json:"client_id,omitempty"`

	// opaque
	Value string `json:"value,omitempty"`
}

// CredentialEntry is the full record keyed by (protocol, target).
type CredentialEntry struct {
	Protocol           string          `json:"protocol"`
	Target             string          `json:"target"`
	Credential         Credential      `json:"credential"`
	Label              string          `json:"label,omitempty"`
	AllowedPaths       []string        `json:"allowed_paths,omitempty"`
	RateLimitPerMinute int             `json:"rate_limit_per_minute,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty"`
	State              CredentialState `json:"state"`
}

// ListEntry is the metadata-only projection store's list() returns — it
// never carries credential material, matching spec.md §3's invariant that
// no CredentialEntry is ever returned to an unauthenticated caller by
// construction: the RPC layer is the only caller of get/store, and list is
// metadata-only regardless of caller.
type ListEntry struct {
	Protocol   string     `json:"protocol"`
	Target     string     `json:"target"`
	Label      string     `json:"label,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	HasRefresh bool       `json:"has_refresh"`
	State      CredentialState `json:"state"`
}

// Sentinel errors, following the repo-wide Err* package-var idiom.
var (
	ErrNotFound  = errors.New("vault: entry not found")
	ErrCorrupt   = errors.New("vault: file corrupt, renamed aside; refusing to operate")
	ErrNoPassphrase = errors.New("vault: no passphrase configured")
)

type diskEntry struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
	Tag  string `json:"tag"`
}

type diskFile struct {
	Version int                  `json:"version"`
	Salt    string               `json:"salt"`
	Entries map[string]diskEntry `json:"entries"`
}

// Store is the file-backed encrypted vault described in spec.md §4.A.
type Store struct {
	path       string
	passphrase string

	mu      sync.RWMutex
	salt    []byte
	key     []byte // derived key cached against salt
	entries map[string]*CredentialEntry
	broken  bool // true after a corrupt-file detection; fails closed
}

// Open loads (or initializes) the vault at path, deriving the encryption
// key from passphrase via scrypt over the file's persistent salt.
func Open(path, passphrase string) (*Store, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	s := &Store{
		path:       path,
		passphrase: passphrase,
		entries:    make(map[string]*CredentialEntry),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func storageKey(protocol, target string) string {
	return protocol + ":" + target
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s.initFresh()
	}
	if err != nil {
		return fmt.Errorf("vault: read file: %w", err)
	}

	var df diskFile
	if err := json.Unmarshal(data, &df); err != nil {
		s.quarantine()
		return ErrCorrupt
	}

	salt, err := base64.StdEncoding.DecodeString(df.Salt)
	if err != nil {
		s.quarantine()
		return ErrCorrupt
	}
	s.salt = salt

	key, err := s.deriveKey(salt)
	if err != nil {
		return fmt.Errorf("vault: derive key: %w", err)
	}
	s.key = key

	for sk, de := range df.Entries {
		entry, err := s.decryptEntry(de)
		if err != nil {
			// A single bad entry fails closed for the whole vault: we never
			// silently drop an entry a caller might expect to find.
			s.quarantine()
			return ErrCorrupt
		}
		protocol, target := splitStorageKey(sk)
		entry.Protocol = protocol
		entry.Target = target
		s.entries[sk] = entry
	}

	return nil
}

func splitStorageKey(sk string) (protocol, target string) {
	for i := 0; i < len(sk); i++ {
		if sk[i] == ':' {
			return sk[:i], sk[i+1:]
		}
	}
	return "", sk
}

func (s *Store) initFresh() error {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("vault: generate salt: %w", err)
	}
	s.salt = salt
	key, err := s.deriveKey(salt)
	if err != nil {
		return fmt.Errorf("vault: derive key: %w", err)
	}
	s.key = key
	return s.persist()
}

// quarantine renames a corrupt vault file aside so the store fails closed
// rather than silently reinitializing, per spec.md §4.A's contract.
func (s *Store) quarantine() {
	s.broken = true
	dest := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().UnixMilli())
	_ = os.Rename(s.path, dest)
}

func (s *Store) deriveKey(salt []byte) ([]byte, error) {
	// N=32768, r=8, p=1: the scrypt parameters recommended for interactive
	// use at the time this was written.
	key, err := scrypt.Key([]byte(s.passphrase), salt, 32768, 8, 1, 32)
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Store) encryptEntry(entry *CredentialEntry) (diskEntry, error) {
	plaintext, err := json.Marshal(entry)
	if err != nil {
		return diskEntry{}, err
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return diskEntry{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return diskEntry{}, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return diskEntry{}, err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagSize := gcm.Overhead()
	data, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return diskEntry{
		IV:   base64.StdEncoding.EncodeToString(nonce),
		Data: base64.StdEncoding.EncodeToString(data),
		Tag:  base64.StdEncoding.EncodeToString(tag),
	}, nil
}

func (s *Store) decryptEntry(de diskEntry) (*CredentialEntry, error) {
	nonce, err := base64.StdEncoding.DecodeString(de.IV)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(de.Data)
	if err != nil {
		return nil, err
	}
	tag, err := base64.StdEncoding.DecodeString(de.Tag)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	sealed := append(append([]byte{}, data...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, err
	}

	var entry CredentialEntry
	if err := json.Unmarshal(plaintext, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// persist writes the current in-memory entries to disk atomically
// (temp-file-then-rename), with owner-only permissions on the file and
// parent directory, per spec.md §4.A.
func (s *Store) persist() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("vault: create dir: %w", err)
	}

	df := diskFile{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(s.salt),
		Entries: make(map[string]diskEntry, len(s.entries)),
	}
	for sk, entry := range s.entries {
		de, err := s.encryptEntry(entry)
		if err != nil {
			return fmt.Errorf("vault: encrypt entry %s: %w", sk, err)
		}
		df.Entries[sk] = de
	}

	data, err := json.MarshalIndent(df, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("vault: write temp: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		return fmt.Errorf("vault: chmod: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("vault: rename: %w", err)
	}
	return nil
}

// Store stores (or updates) a CredentialEntry at (protocol, target).
func (s *Store) Store(protocol, target string, cred Credential, opts ...EntryOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return ErrCorrupt
	}

	entry := &CredentialEntry{
		Protocol:   protocol,
		Target:     target,
		Credential: cred,
		CreatedAt:  time.Now().UTC(),
		State:      StateActive,
	}
	for _, opt := range opts {
		opt(entry)
	}

	s.entries[storageKey(protocol, target)] = entry
	return s.persist()
}

// EntryOption configures optional CredentialEntry fields at store time.
type EntryOption func(*CredentialEntry)

func WithLabel(label string) EntryOption { return func(e *CredentialEntry) { e.Label = label } }
func WithAllowedPaths(paths []string) EntryOption {
	return func(e *CredentialEntry) { e.AllowedPaths = paths }
}
func WithRateLimit(perMinute int) EntryOption {
	return func(e *CredentialEntry) { e.RateLimitPerMinute = perMinute }
}
func WithExpiresAt(t time.Time) EntryOption {
	return func(e *CredentialEntry) { e.ExpiresAt = &t }
}

// Get retrieves a CredentialEntry, or (nil, ErrNotFound).
func (s *Store) Get(protocol, target string) (*CredentialEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.broken {
		return nil, ErrCorrupt
	}
	entry, ok := s.entries[storageKey(protocol, target)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

// Has reports whether an entry exists for (protocol, target).
func (s *Store) Has(protocol, target string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[storageKey(protocol, target)]
	return ok
}

// Delete removes the entry for (protocol, target).
func (s *Store) Delete(protocol, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return ErrCorrupt
	}
	delete(s.entries, storageKey(protocol, target))
	return s.persist()
}

// List returns metadata for all entries, optionally filtered by protocol.
func (s *Store) List(protocol string) ([]ListEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.broken {
		return nil, ErrCorrupt
	}

	var out []ListEntry
	for _, entry := range s.entries {
		if protocol != "" && entry.Protocol != protocol {
			continue
		}
		out = append(out, ListEntry{
			Protocol:   entry.Protocol,
			Target:     entry.Target,
			Label:      entry.Label,
			CreatedAt:  entry.CreatedAt,
			ExpiresAt:  entry.ExpiresAt,
			HasRefresh: entry.Credential.RefreshToken != "",
			State:      entry.State,
		})
	}
	return out, nil
}

// UpdateOAuth persists a refreshed access/refresh token pair for an
// existing oauth2 entry, called by the LLM proxy's single-flight refresh
// path (spec.md §4.E).
func (s *Store) UpdateOAuth(protocol, target, accessToken, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return ErrCorrupt
	}

	entry, ok := s.entries[storageKey(protocol, target)]
	if !ok {
		return ErrNotFound
	}
	entry.Credential.AccessToken = accessToken
	if refreshToken != "" {
		entry.Credential.RefreshToken = refreshToken
	}
	entry.Credential.ExpiresAt = &expiresAt
	entry.State = StateRotated
	return s.persist()
}

// Ping reports whether the vault is usable (for the proxy's /health check).
func (s *Store) Ping() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.broken {
		return ErrCorrupt
	}
	return nil
}
