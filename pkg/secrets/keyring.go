// Package secrets encrypts and decrypts variable values with one master key
// per environment class.
//
// Ciphertexts have the form
//
//	rollout:v1:<base64(salt | nonce | secretbox)>
//
// The box key is derived from the class master key and the per-value salt
// with scrypt, so identical plaintexts never produce identical ciphertexts.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/openfroyo/rollout/pkg/vars"
)

const (
	// Prefix marks a rollout ciphertext.
	Prefix = "rollout:v1:"

	KeySize   = 32
	NonceSize = 24
	SaltSize  = 16

	// Default scrypt cost parameters.
	ScryptN = 32768
	ScryptR = 8
	ScryptP = 1
)

var (
	ErrNoKey          = errors.New("no key for environment class")
	ErrMalformed      = errors.New("malformed ciphertext")
	ErrDecryptFailed  = errors.New("decryption failed")
	ErrEmptyMasterKey = errors.New("master key is empty")
)

// Keyring holds the master keys of each environment class. It implements
// vars.Decrypter.
type Keyring struct {
	mu      sync.RWMutex
	masters map[vars.Class][]byte
	derived map[string]*[KeySize]byte
	n       int
}

var _ vars.Decrypter = (*Keyring)(nil)

// Option configures a Keyring.
type Option func(*Keyring)

// WithScryptCost overrides the scrypt N parameter. It must be a power of
// two greater than 1.
func WithScryptCost(n int) Option {
	return func(k *Keyring) { k.n = n }
}

// NewKeyring returns an empty keyring.
func NewKeyring(opts ...Option) *Keyring {
	k := &Keyring{
		masters: make(map[vars.Class][]byte),
		derived: make(map[string]*[KeySize]byte),
		n:       ScryptN,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// SetKey installs the master key of class.
func (k *Keyring) SetKey(class vars.Class, master []byte) error {
	if len(master) == 0 {
		return fmt.Errorf("class %s: %w", class, ErrEmptyMasterKey)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.masters[class] = append([]byte(nil), master...)
	for id := range k.derived {
		if strings.HasPrefix(id, string(class)+"/") {
			delete(k.derived, id)
		}
	}
	return nil
}

// Classes lists the classes that have a key.
func (k *Keyring) Classes() []vars.Class {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]vars.Class, 0, len(k.masters))
	for _, c := range []vars.Class{vars.ClassProd, vars.ClassTest, vars.ClassLocal} {
		if _, ok := k.masters[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Encrypt seals plaintext with the key of class.
func (k *Keyring) Encrypt(class vars.Class, plaintext string) (string, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	key, err := k.key(class, salt)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, SaltSize+NonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, []byte(plaintext), &nonce, key)
	return Prefix + base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a ciphertext produced by Encrypt with the key of class.
func (k *Keyring) Decrypt(class vars.Class, ciphertext string) (string, error) {
	encoded, ok := strings.CutPrefix(strings.TrimSpace(ciphertext), Prefix)
	if !ok {
		return "", fmt.Errorf("%w: missing %q prefix", ErrMalformed, Prefix)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < SaltSize+NonceSize+secretbox.Overhead {
		return "", fmt.Errorf("%w: %d bytes is too short", ErrMalformed, len(raw))
	}

	salt := raw[:SaltSize]
	var nonce [NonceSize]byte
	copy(nonce[:], raw[SaltSize:SaltSize+NonceSize])

	key, err := k.key(class, salt)
	if err != nil {
		return "", err
	}
	plain, ok := secretbox.Open(nil, raw[SaltSize+NonceSize:], &nonce, key)
	if !ok {
		return "", fmt.Errorf("%w for class %s", ErrDecryptFailed, class)
	}
	return string(plain), nil
}

// key derives, and caches, the box key for class and salt.
func (k *Keyring) key(class vars.Class, salt []byte) (*[KeySize]byte, error) {
	id := string(class) + "/" + string(salt)

	k.mu.RLock()
	master, ok := k.masters[class]
	cached := k.derived[id]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoKey, class)
	}
	if cached != nil {
		return cached, nil
	}

	raw, err := scrypt.Key(master, salt, k.n, ScryptR, ScryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("scrypt key derivation failed: %w", err)
	}
	var key [KeySize]byte
	copy(key[:], raw)

	k.mu.Lock()
	k.derived[id] = &key
	k.mu.Unlock()
	return &key, nil
}

// EnvVar names the environment variable that may carry the master key of
// class, e.g. ROLLOUT_KEY_PROD.
func EnvVar(class vars.Class) string {
	return "ROLLOUT_KEY_" + strings.ToUpper(string(class))
}

// Load builds a keyring from <dir>/<class>.key files. The variable named by
// EnvVar wins over the file. Classes with neither are left without a key;
// decrypting for them fails with ErrNoKey. An empty dir reads only the
// environment.
func Load(dir string, getenv func(string) string, opts ...Option) (*Keyring, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	k := NewKeyring(opts...)
	for _, class := range []vars.Class{vars.ClassProd, vars.ClassTest, vars.ClassLocal} {
		if v := getenv(EnvVar(class)); v != "" {
			if err := k.SetKey(class, []byte(v)); err != nil {
				return nil, err
			}
			continue
		}
		if dir == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, string(class)+".key"))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s key: %w", class, err)
		}
		if err := k.SetKey(class, []byte(strings.TrimSpace(string(data)))); err != nil {
			return nil, err
		}
	}
	return k, nil
}
