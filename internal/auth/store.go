// Package auth persists upstream credentials and drives the device-code
// OAuth flow used by providers like GitHub Copilot.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/user/ucr/internal/models"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// Store is a credential store backed by a single JSON document on disk.
// All operations serialize through the in-memory map; writes rewrite the
// whole file with owner-only permissions.
type Store struct {
	path       string
	passphrase string // empty = plaintext store

	mu    sync.RWMutex
	creds map[string]*models.Credential
}

// NewStore opens (or lazily creates) the store at path. A non-empty
// passphrase turns on encryption at rest.
func NewStore(path, passphrase string) (*Store, error) {
	s := &Store{
		path:       path,
		passphrase: passphrase,
		creds:      make(map[string]*models.Credential),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the credential for a provider id.
func (s *Store) Get(providerID string) (*models.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[providerID]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// Set stores a credential and rewrites the file.
func (s *Store) Set(cred *models.Credential) error {
	if cred == nil || cred.Provider == "" {
		return errors.New("credential must name a provider")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cred
	s.creds[cred.Provider] = &cp
	return s.persist()
}

// Delete removes a provider's credential and rewrites the file.
func (s *Store) Delete(providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[providerID]; !ok {
		return nil
	}
	delete(s.creds, providerID)
	return s.persist()
}

// List returns the stored provider ids, sorted.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.creds))
	for id := range s.creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// load reads the store file. A missing file yields an empty store.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read credential store: %w", err)
	}
	if s.passphrase != "" {
		data, err = decrypt(data, s.passphrase)
		if err != nil {
			return fmt.Errorf("decrypt credential store: %w", err)
		}
	}
	if err := json.Unmarshal(data, &s.creds); err != nil {
		return fmt.Errorf("parse credential store: %w", err)
	}
	return nil
}

// persist rewrites the whole file. Caller holds the write lock.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential store: %w", err)
	}
	if s.passphrase != "" {
		data, err = encrypt(data, s.passphrase)
		if err != nil {
			return fmt.Errorf("encrypt credential store: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	// Write-then-rename so a crash never leaves a truncated store.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Encrypted store layout: versioned envelope with scrypt-derived key.
type encryptedStore struct {
	Version int    `json:"v"`
	Salt    string `json:"salt"`
	Nonce   string `json:"nonce"`
	Data    string `json:"data"`
}

func deriveKey(passphrase string, salt []byte) (*[32]byte, error) {
	raw, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

func encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nil, plaintext, &nonce, key)
	return json.Marshal(&encryptedStore{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Nonce:   base64.StdEncoding.EncodeToString(nonce[:]),
		Data:    base64.StdEncoding.EncodeToString(sealed),
	})
}

func decrypt(data []byte, passphrase string) ([]byte, error) {
	var env encryptedStore
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Version != 1 {
		return nil, fmt.Errorf("unsupported store version %d", env.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, err
	}
	nonceRaw, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonceRaw) != 24 {
		return nil, errors.New("malformed nonce")
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], nonceRaw)
	plaintext, ok := secretbox.Open(nil, sealed, &nonce, key)
	if !ok {
		return nil, errors.New("wrong passphrase or corrupted store")
	}
	return plaintext, nil
}
