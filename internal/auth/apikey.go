// Package auth provides the thin authentication boundary the storage engine
// consumes: capability-scoped API keys and signed session tokens. Account
// management, password flows and permission UIs live outside this service.
package auth

import (
	cryptorand "crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Capabilities an API key can carry.
const (
	CapUpload       = "upload"
	CapList         = "list"
	CapDelete       = "delete"
	CapCreateFolder = "create_folder"
	CapDeleteFolder = "delete_folder"
)

// AllCapabilities returns every known capability.
func AllCapabilities() []string {
	return []string{CapUpload, CapList, CapDelete, CapCreateFolder, CapDeleteFolder}
}

// APIKey grants a subset of capabilities on behalf of a user. Only the
// SHA-256 of the secret is stored; the plaintext is shown once at creation.
type APIKey struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"` // Display name; also the default cdn prefix for shares
	SecretHash   string    `json:"secret_hash"`
	Capabilities []string  `json:"capabilities"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at,omitempty"`
}

// HasCapability reports whether the key carries the capability.
func (k *APIKey) HasCapability(cap string) bool {
	for _, c := range k.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// KeyStore persists API keys as a JSON document and answers lookups by
// presented secret.
type KeyStore struct {
	path string
	mu   sync.RWMutex
	keys map[string]*APIKey // by id
}

// OpenKeyStore loads (or initializes) the key set at path.
func OpenKeyStore(path string) (*KeyStore, error) {
	ks := &KeyStore{path: path, keys: make(map[string]*APIKey)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ks, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read api keys: %w", err)
	}
	var keys []*APIKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parse api keys: %w", err)
	}
	for _, k := range keys {
		ks.keys[k.ID] = k
	}
	return ks, nil
}

// Create mints a new key for a user. Returns the key and the plaintext
// secret, which is not recoverable afterwards.
func (ks *KeyStore) Create(userID, name string, capabilities []string) (*APIKey, string, error) {
	for _, c := range capabilities {
		if !validCapability(c) {
			return nil, "", fmt.Errorf("unknown capability %q", c)
		}
	}

	buf := make([]byte, 32)
	if _, err := cryptorand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generate secret: %w", err)
	}
	secret := "loft_" + hex.EncodeToString(buf)

	caps := append([]string(nil), capabilities...)
	sort.Strings(caps)

	k := &APIKey{
		ID:           uuid.NewString(),
		UserID:       userID,
		Name:         name,
		SecretHash:   hashSecret(secret),
		Capabilities: caps,
		CreatedAt:    time.Now().UTC(),
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[k.ID] = k
	if err := ks.saveLocked(); err != nil {
		delete(ks.keys, k.ID)
		return nil, "", err
	}
	cp := *k
	return &cp, secret, nil
}

// Lookup resolves a presented secret to its key, updating last-used.
// Returns nil if no key matches.
func (ks *KeyStore) Lookup(secret string) *APIKey {
	want := hashSecret(secret)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	for _, k := range ks.keys {
		if subtle.ConstantTimeCompare([]byte(k.SecretHash), []byte(want)) == 1 {
			k.LastUsedAt = time.Now().UTC()
			cp := *k
			return &cp
		}
	}
	return nil
}

// Revoke deletes a key by id.
func (ks *KeyStore) Revoke(id string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, ok := ks.keys[id]; !ok {
		return fmt.Errorf("api key %q not found", id)
	}
	delete(ks.keys, id)
	return ks.saveLocked()
}

// List returns every key (without secrets, which are never stored).
func (ks *KeyStore) List() []*APIKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]*APIKey, 0, len(ks.keys))
	for _, k := range ks.keys {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (ks *KeyStore) saveLocked() error {
	ids := make([]string, 0, len(ks.keys))
	for id := range ks.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	keys := make([]*APIKey, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, ks.keys[id])
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal api keys: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(ks.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(ks.path, data, 0o600)
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func validCapability(c string) bool {
	for _, known := range AllCapabilities() {
		if c == known {
			return true
		}
	}
	return false
}
