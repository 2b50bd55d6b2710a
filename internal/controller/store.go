package controller

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coffersTech/mapwatch/internal/pkg/security"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	keyPrefix    = "mw_"
	lookupLength = 8 // characters after keyPrefix kept in clear for lookup
)

var ErrKeyNotFound = errors.New("access key not found")

// AccessKey is a bearer credential for the query API. Only the bcrypt hash
// of the secret is stored.
type AccessKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Lookup    string `json:"lookup"`
	Hash      string `json:"hash,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// MetaData is the top-level container persisted to disk.
type MetaData struct {
	Keys []AccessKey `json:"keys"`
}

// Store handles the persistence and in-memory management of access keys.
type Store struct {
	filePath  string
	masterKey []byte
	cost      int
	mu        sync.RWMutex
	data      *MetaData
}

// NewStore creates a key store backed by an AES-GCM encrypted file.
func NewStore(filePath string, masterKey []byte) *Store {
	return &Store{
		filePath:  filePath,
		masterKey: masterKey,
		cost:      bcrypt.DefaultCost,
		data:      &MetaData{Keys: make([]AccessKey, 0)},
	}
}

// Load reads keys from disk. A missing file is an empty store.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encryptedData, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(encryptedData) == 0 {
		return nil
	}

	decrypted, err := security.Decrypt(s.masterKey, encryptedData)
	if err != nil {
		return errors.New("failed to decrypt access keys (invalid key or corrupted file): " + err.Error())
	}
	return json.Unmarshal(decrypted, s.data)
}

// saveLocked writes keys to disk with encryption.
func (s *Store) saveLocked() error {
	jsonData, err := json.Marshal(s.data)
	if err != nil {
		return err
	}

	encrypted, err := security.Encrypt(s.masterKey, jsonData)
	if err != nil {
		return err
	}

	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, encrypted, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath)
}

// HasKeys reports whether any key exists.
func (s *Store) HasKeys() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.Keys) > 0
}

// CreateKey adds a key and returns it with its secret. The secret cannot
// be recovered later.
func (s *Store) CreateKey(name string) (AccessKey, string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return AccessKey{}, "", err
	}
	secret := keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return AccessKey{}, "", err
	}

	key := AccessKey{
		ID:        uuid.NewString(),
		Name:      name,
		Lookup:    lookupOf(secret),
		Hash:      string(hash),
		CreatedAt: time.Now().Unix(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Keys = append(s.data.Keys, key)
	if err := s.saveLocked(); err != nil {
		s.data.Keys = s.data.Keys[:len(s.data.Keys)-1]
		return AccessKey{}, "", err
	}

	key.Hash = ""
	return key, secret, nil
}

// DeleteKey removes a key by ID.
func (s *Store) DeleteKey(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, k := range s.data.Keys {
		if k.ID == id {
			s.data.Keys = append(s.data.Keys[:i], s.data.Keys[i+1:]...)
			return s.saveLocked()
		}
	}
	return ErrKeyNotFound
}

// ListKeys returns all keys without their hashes.
func (s *Store) ListKeys() []AccessKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]AccessKey, len(s.data.Keys))
	for i, k := range s.data.Keys {
		keys[i] = k
		keys[i].Hash = ""
	}
	return keys
}

// Verify finds the key matching a presented secret.
func (s *Store) Verify(secret string) (AccessKey, bool) {
	if !strings.HasPrefix(secret, keyPrefix) {
		return AccessKey{}, false
	}
	lookup := lookupOf(secret)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.data.Keys {
		if k.Lookup != lookup {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(secret)) == nil {
			k.Hash = ""
			return k, true
		}
	}
	return AccessKey{}, false
}

func lookupOf(secret string) string {
	rest := strings.TrimPrefix(secret, keyPrefix)
	if len(rest) > lookupLength {
		rest = rest[:lookupLength]
	}
	return rest
}
