package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/Klingon-tech/spendplanner/internal/chain"
	"github.com/Klingon-tech/spendplanner/pkg/helpers"
)

// Argon2id parameters for keystore encryption.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32

	MinPasswordLength = 8
)

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrWeakPassword  = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrWrongPassword = errors.New("failed to decrypt keystore (wrong password?)")
)

// sealedKeystore is the on-disk JSON envelope.
type sealedKeystore struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// Keystore keeps named secret keys, encrypted at rest with Argon2id and
// AES-256-GCM. Keys are held as WIF strings inside the sealed payload.
type Keystore struct {
	path string
	net  *chain.Params

	mu   sync.RWMutex
	keys map[string]string
}

// NewKeystore returns an empty keystore that will be written to path.
func NewKeystore(path string, net *chain.Params) *Keystore {
	return &Keystore{path: path, net: net, keys: make(map[string]string)}
}

// OpenKeystore decrypts the keystore at path.
func OpenKeystore(path, password string, net *chain.Params) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	var sealed sealedKeystore
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal keystore: %w", err)
	}

	key := argon2.IDKey([]byte(password), sealed.Salt, sealed.Time, sealed.Memory, sealed.Parallelism, argon2KeyLen)
	defer helpers.SecureClear(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	defer helpers.SecureClear(plaintext)

	ks := NewKeystore(path, net)
	if err := json.Unmarshal(plaintext, &ks.keys); err != nil {
		return nil, fmt.Errorf("corrupt keystore payload: %w", err)
	}
	return ks, nil
}

// Put stores a key under name, replacing any previous entry.
func (ks *Keystore) Put(name string, k *PrivateKey) error {
	wif, err := k.WIF(ks.net)
	if err != nil {
		return err
	}
	ks.mu.Lock()
	ks.keys[name] = wif
	ks.mu.Unlock()
	return nil
}

// Get returns the key stored under name.
func (ks *Keystore) Get(name string) (*PrivateKey, error) {
	ks.mu.RLock()
	wif, ok := ks.keys[name]
	ks.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	return ParseWIF(wif)
}

// Names lists the stored key names in sorted order.
func (ks *Keystore) Names() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	names := make([]string, 0, len(ks.keys))
	for name := range ks.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save encrypts the keystore with password and writes it with mode 0600.
func (ks *Keystore) Save(password string) error {
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}

	ks.mu.RLock()
	plaintext, err := json.Marshal(ks.keys)
	ks.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal keys: %w", err)
	}
	defer helpers.SecureClear(plaintext)

	salt, err := helpers.GenerateSecureRandom(argon2SaltLen)
	if err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
	defer helpers.SecureClear(key)

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	data, err := json.Marshal(&sealedKeystore{
		Version:     1,
		Ciphertext:  gcm.Seal(nil, nonce, plaintext, nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal keystore: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(ks.path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(ks.path, data, 0600)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
