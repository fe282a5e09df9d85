package store

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"ripple/internal/config"
	"ripple/internal/ripple"
)

// EncryptedStore wraps another Store and encrypts values at rest with
// an age X25519 key pair. Keys stay in plaintext so prefix listing
// still works; values are age-encrypted and base64-armored. The public
// key lives on disk in plaintext; the private key is encrypted with the
// user's passphrase and unlocked once at startup.
type EncryptedStore struct {
	inner     ripple.Store
	recipient age.Recipient
	identity  age.Identity
}

var _ ripple.Store = (*EncryptedStore)(nil)

// SetupEncryption performs one-time key generation: an X25519 pair with
// the public key stored in plaintext and the private key encrypted with
// the passphrase using age's scrypt-based passphrase encryption.
func SetupEncryption(cfg config.EncryptionConfig, passphrase string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.PublicKeyPath), 0700); err != nil {
		return fmt.Errorf("creating public key directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.PrivateKeyPath), 0700); err != nil {
		return fmt.Errorf("creating private key directory: %w", err)
	}

	if err := os.WriteFile(cfg.PublicKeyPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	privFile, err := os.OpenFile(cfg.PrivateKeyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating private key file: %w", err)
	}
	defer privFile.Close()

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	w, err := age.Encrypt(privFile, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("writing encrypted private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted private key: %w", err)
	}
	return nil
}

// OpenEncrypted unlocks the private key with the passphrase and wraps
// inner with value encryption.
func OpenEncrypted(inner ripple.Store, cfg config.EncryptionConfig, passphrase string) (*EncryptedStore, error) {
	pubData, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	recipient, err := age.ParseX25519Recipient(strings.TrimSpace(string(pubData)))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	privData, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}
	scryptID, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	decReader, err := age.Decrypt(bytes.NewReader(privData), scryptID)
	if err != nil {
		return nil, fmt.Errorf("decrypting private key (wrong passphrase?): %w", err)
	}
	keyData, err := io.ReadAll(decReader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted private key: %w", err)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(keyData)))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	// The persisted public key is authoritative for encryption; the
	// unlocked identity only decrypts.
	return &EncryptedStore{
		inner:     inner,
		recipient: recipient,
		identity:  identity,
	}, nil
}

// NewEncrypted wraps inner using an already-unlocked identity.
func NewEncrypted(inner ripple.Store, identity *age.X25519Identity) *EncryptedStore {
	return &EncryptedStore{
		inner:     inner,
		recipient: identity.Recipient(),
		identity:  identity,
	}
}

func (s *EncryptedStore) Get(key string) (string, bool, error) {
	sealed, ok, err := s.inner.Get(key)
	if err != nil || !ok {
		return "", ok, err
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", false, fmt.Errorf("decoding value for %s: %w", key, err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return "", false, fmt.Errorf("decrypting value for %s: %w", key, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", false, fmt.Errorf("reading decrypted value for %s: %w", key, err)
	}
	return string(plain), true, nil
}

func (s *EncryptedStore) Set(key, value string) error {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, value); err != nil {
		return fmt.Errorf("encrypting value for %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encryption for %s: %w", key, err)
	}
	return s.inner.Set(key, base64.StdEncoding.EncodeToString(buf.Bytes()))
}

func (s *EncryptedStore) Remove(key string) error           { return s.inner.Remove(key) }
func (s *EncryptedStore) MultiRemove(keys []string) error   { return s.inner.MultiRemove(keys) }
func (s *EncryptedStore) Keys(prefix string) ([]string, error) { return s.inner.Keys(prefix) }
func (s *EncryptedStore) Close() error                      { return s.inner.Close() }
