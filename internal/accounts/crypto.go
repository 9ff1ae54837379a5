package accounts

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// SecretEnv overrides the master key file when set.
	SecretEnv = "NBPILOT_SECRET"

	masterKeySize = 32

	// sealedVersion prefixes every blob and is bound into the AAD.
	sealedVersion byte = 0x01
)

var hkdfInfoCredentials = []byte("nbpilot.credentials.v1")

// CredentialStore seals account secrets with XChaCha20-Poly1305 under a key
// derived from process-local secret material. Blobs are
//
//	[version: 1 byte][nonce: 24 bytes][ciphertext+tag]
//
// base64-encoded, with the owning account id bound as additional data so a
// blob copied onto another account fails to open.
type CredentialStore struct {
	key []byte
}

// NewCredentialStore derives the encryption key from secret.
func NewCredentialStore(secret []byte) (*CredentialStore, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty credential secret")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfoCredentials), key); err != nil {
		return nil, fmt.Errorf("deriving credential key: %w", err)
	}
	return &CredentialStore{key: key}, nil
}

// OpenCredentialStore uses $NBPILOT_SECRET when set, otherwise the master key
// file at keyPath, creating it with fresh random bytes on first use.
func OpenCredentialStore(keyPath string) (*CredentialStore, error) {
	if s := os.Getenv(SecretEnv); s != "" {
		return NewCredentialStore([]byte(s))
	}

	secret, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		if len(secret) < masterKeySize {
			return nil, fmt.Errorf("master key %s is truncated (%d bytes)", keyPath, len(secret))
		}
	case os.IsNotExist(err):
		secret = make([]byte, masterKeySize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating master key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
			return nil, fmt.Errorf("creating key directory: %w", err)
		}
		if err := os.WriteFile(keyPath, secret, 0600); err != nil {
			return nil, fmt.Errorf("writing master key: %w", err)
		}
	default:
		return nil, fmt.Errorf("reading master key: %w", err)
	}
	return NewCredentialStore(secret)
}

func credentialAAD(accountID string) []byte {
	aad := make([]byte, 0, 1+len(accountID))
	aad = append(aad, sealedVersion)
	return append(aad, accountID...)
}

// Seal encrypts plaintext for accountID. Empty plaintext seals to "".
func (cs *CredentialStore) Seal(accountID, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(cs.key)
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+aead.Overhead())
	out[0] = sealedVersion
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], []byte(plaintext), credentialAAD(accountID))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a blob produced by Seal for the same accountID.
func (cs *CredentialStore) Open(accountID, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	blob, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", &CredentialError{AccountID: accountID, Err: fmt.Errorf("decoding blob: %w", err)}
	}
	if len(blob) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", &CredentialError{AccountID: accountID, Err: errors.New("blob too short")}
	}
	if blob[0] != sealedVersion {
		return "", &CredentialError{AccountID: accountID, Err: fmt.Errorf("unsupported blob version %d", blob[0])}
	}

	aead, err := chacha20poly1305.NewX(cs.key)
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], credentialAAD(accountID))
	if err != nil {
		return "", &CredentialError{AccountID: accountID, Err: err}
	}
	return string(plain), nil
}

// SealCredentials encrypts a plaintext bundle.
func (cs *CredentialStore) SealCredentials(accountID string, c Credentials) (SealedCredentials, error) {
	pw, err := cs.Seal(accountID, c.Password)
	if err != nil {
		return SealedCredentials{}, err
	}
	seed, err := cs.Seal(accountID, c.TOTPSeed)
	if err != nil {
		return SealedCredentials{}, err
	}
	return SealedCredentials{Password: pw, TOTPSeed: seed}, nil
}

// OpenCredentials decrypts a sealed bundle.
func (cs *CredentialStore) OpenCredentials(accountID string, s SealedCredentials) (Credentials, error) {
	pw, err := cs.Open(accountID, s.Password)
	if err != nil {
		return Credentials{}, err
	}
	seed, err := cs.Open(accountID, s.TOTPSeed)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Password: pw, TOTPSeed: seed}, nil
}
