// Secret handling for the state store: connection secret blobs are encrypted with
// AES-GCM under a key derived (via HKDF) from either NEURA_STATE_SECRET or a
// process-local key file, and stored in a bbolt side table keyed by connection id
// (spec §3, §6). bbolt gives us crash-safe, transactional per-key writes without
// reinventing one on top of a flat file, the way the teacher reaches for a
// purpose-built store (cxdb) rather than hand-rolling persistence.
package statestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/hkdf"
)

var secretsBucket = []byte("connection_secrets")

// secretVault wraps a bbolt database holding AEAD-encrypted connection secrets.
type secretVault struct {
	db  *bbolt.DB
	key [32]byte
}

// openSecretVault opens (creating if needed) the bbolt-backed secret side table
// at <stateDir>/secrets.db, deriving the AEAD key from keySource (NEURA_STATE_SECRET)
// or, if empty, a 0600 key file at <stateDir>/.state_key.
func openSecretVault(stateDir, keySource string) (*secretVault, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: create state dir: %w", err)
	}

	raw := keySource
	if raw == "" {
		var err error
		raw, err = loadOrCreateKeyFile(filepath.Join(stateDir, ".state_key"))
		if err != nil {
			return nil, err
		}
	}

	key, err := deriveKey(raw)
	if err != nil {
		return nil, err
	}

	db, err := bbolt.Open(filepath.Join(stateDir, "secrets.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("statestore: open secrets db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(secretsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statestore: init secrets bucket: %w", err)
	}

	return &secretVault{db: db, key: key}, nil
}

func loadOrCreateKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("statestore: read key file: %w", err)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("statestore: generate key: %w", err)
	}
	raw := fmt.Sprintf("%x", buf)
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		return "", fmt.Errorf("statestore: write key file: %w", err)
	}
	return raw, nil
}

// deriveKey normalizes an arbitrary-length key/passphrase into a 32-byte AEAD
// key via HKDF-SHA256 (spec §6: "normalized to a symmetric AEAD key").
func deriveKey(raw string) ([32]byte, error) {
	var out [32]byte
	if raw == "" {
		return out, errors.New("statestore: empty key material")
	}
	hk := hkdf.New(sha256.New, []byte(raw), nil, []byte("neurareport-statestore-v1"))
	if _, err := io.ReadFull(hk, out[:]); err != nil {
		return out, fmt.Errorf("statestore: derive key: %w", err)
	}
	return out, nil
}

func (v *secretVault) close() error {
	return v.db.Close()
}

func (v *secretVault) seal(plaintext string) ([]byte, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("statestore: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("statestore: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("statestore: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (v *secretVault) open(sealed []byte) (string, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return "", fmt.Errorf("statestore: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("statestore: gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", errors.New("statestore: sealed secret too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("statestore: decrypt: %w", err)
	}
	return string(plain), nil
}

func (v *secretVault) put(connectionID, plaintext string) error {
	sealed, err := v.seal(plaintext)
	if err != nil {
		return err
	}
	return v.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(secretsBucket).Put([]byte(connectionID), sealed)
	})
}

func (v *secretVault) get(connectionID string) (string, bool, error) {
	var sealed []byte
	err := v.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(secretsBucket).Get([]byte(connectionID))
		if b != nil {
			sealed = append([]byte(nil), b...)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if sealed == nil {
		return "", false, nil
	}
	plain, err := v.open(sealed)
	if err != nil {
		return "", false, err
	}
	return plain, true, nil
}

func (v *secretVault) delete(connectionID string) error {
	return v.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(secretsBucket).Delete([]byte(connectionID))
	})
}
