package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Service implements envelope encryption for memories and call insights.
//
// A per-account data-encryption key (DEK) is generated once, wrapped under
// the global key-encryption key (KEK) with AES-256-GCM, and stored wrapped.
// Unwrapped DEKs are cached only in process memory. Every record is
// encrypted with a fresh nonce and AAD binding it to its owning account,
// line, record id and kind, so ciphertext cannot be replayed across records.

var (
	ErrNoKey          = errors.New("encryption: no key for account")
	ErrKeyConflict    = errors.New("encryption: account key already exists")
	ErrDecryptFailed  = errors.New("encryption: decryption failed")
	ErrInvalidKeySize = errors.New("encryption: KEK must be 32 bytes")
)

// KeyStore persists wrapped DEKs. Losing this store loses the data: key
// store outages are a hard failure, unlike the fail-open rate limiter.
// PutWrappedDEK is first-write-wins and returns ErrKeyConflict when another
// writer already stored a key for the account.
type KeyStore interface {
	GetWrappedDEK(ctx context.Context, accountID string) ([]byte, error)
	PutWrappedDEK(ctx context.Context, accountID string, wrapped []byte) error
}

// AAD is the additional authenticated data bound into each ciphertext.
type AAD struct {
	AccountID string
	LineID    string
	RecordID  string
	Kind      string
}

func (a AAD) bytes() []byte {
	return []byte(strings.Join([]string{a.AccountID, a.LineID, a.RecordID, a.Kind}, "|"))
}

// Envelope is one encrypted record: ciphertext, nonce and GCM tag stored
// separately, never plaintext at rest.
type Envelope struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Tag        []byte `json:"tag"`
}

type Service struct {
	kek   cipher.AEAD
	store KeyStore

	// read-mostly cache of unwrapped DEKs, safe for concurrent calls.
	mu   sync.RWMutex
	deks map[string]cipher.AEAD
}

func NewService(kek []byte, store KeyStore) (*Service, error) {
	if len(kek) != 32 {
		return nil, ErrInvalidKeySize
	}
	aead, err := newAEAD(kek)
	if err != nil {
		return nil, err
	}
	return &Service{kek: aead, store: store, deks: make(map[string]cipher.AEAD)}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptRecord encrypts plaintext under the account's DEK, creating and
// wrapping a new DEK on first use.
func (s *Service) EncryptRecord(ctx context.Context, aad AAD, plaintext []byte) (Envelope, error) {
	dek, err := s.accountDEK(ctx, aad.AccountID, true)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, dek.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, err
	}
	sealed := dek.Seal(nil, nonce, plaintext, aad.bytes())
	tagLen := dek.Overhead()
	return Envelope{
		Ciphertext: sealed[:len(sealed)-tagLen],
		Nonce:      nonce,
		Tag:        sealed[len(sealed)-tagLen:],
	}, nil
}

// DecryptRecord reverses EncryptRecord. Any tampering with ciphertext,
// nonce, tag or AAD yields ErrDecryptFailed, never wrong plaintext.
func (s *Service) DecryptRecord(ctx context.Context, aad AAD, env Envelope) ([]byte, error) {
	dek, err := s.accountDEK(ctx, aad.AccountID, false)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != dek.NonceSize() {
		return nil, ErrDecryptFailed
	}
	sealed := append(append([]byte{}, env.Ciphertext...), env.Tag...)
	plain, err := dek.Open(nil, env.Nonce, sealed, aad.bytes())
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// accountDEK unwraps (or creates) the account's DEK, consulting the
// in-memory cache first.
func (s *Service) accountDEK(ctx context.Context, accountID string, create bool) (cipher.AEAD, error) {
	if accountID == "" {
		return nil, fmt.Errorf("encryption: account id is required")
	}
	s.mu.RLock()
	dek, ok := s.deks[accountID]
	s.mu.RUnlock()
	if ok {
		return dek, nil
	}

	wrapped, err := s.store.GetWrappedDEK(ctx, accountID)
	switch {
	case errors.Is(err, ErrNoKey):
		if !create {
			return nil, err
		}
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, err
		}
		w, err := s.wrap(accountID, raw)
		if err != nil {
			return nil, err
		}
		switch err := s.store.PutWrappedDEK(ctx, accountID, w); {
		case errors.Is(err, ErrKeyConflict):
			// Another writer won the race; its key is the account's key.
			wrapped, err = s.store.GetWrappedDEK(ctx, accountID)
			if err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		default:
			wrapped = w
		}
	case err != nil:
		return nil, err
	}

	raw, err := s.unwrap(accountID, wrapped)
	if err != nil {
		return nil, err
	}
	dek, err = newAEAD(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.deks[accountID] = dek
	s.mu.Unlock()
	return dek, nil
}

// wrap encrypts a raw DEK under the KEK; layout is nonce || ciphertext+tag.
func (s *Service) wrap(accountID string, raw []byte) ([]byte, error) {
	nonce := make([]byte, s.kek.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, s.kek.Seal(nil, nonce, raw, []byte(accountID))...), nil
}

func (s *Service) unwrap(accountID string, wrapped []byte) ([]byte, error) {
	ns := s.kek.NonceSize()
	if len(wrapped) < ns {
		return nil, ErrDecryptFailed
	}
	raw, err := s.kek.Open(nil, wrapped[:ns], wrapped[ns:], []byte(accountID))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return raw, nil
}

// MemoryKeyStore keeps wrapped DEKs in memory. Tests and local development.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string][]byte)}
}

func (m *MemoryKeyStore) GetWrappedDEK(_ context.Context, accountID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.keys[accountID]
	if !ok {
		return nil, ErrNoKey
	}
	return append([]byte{}, w...), nil
}

func (m *MemoryKeyStore) PutWrappedDEK(_ context.Context, accountID string, wrapped []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[accountID]; ok {
		return ErrKeyConflict
	}
	m.keys[accountID] = append([]byte{}, wrapped...)
	return nil
}
