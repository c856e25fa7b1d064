// Package vault stores quarantined originals encrypted at rest, addressed by
// random references that reveal nothing about the content.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	coreerrors "github.com/davidahmann/shomer/core/errors"
	"github.com/davidahmann/shomer/core/fsx"
)

var ErrNotFound = errors.New("vault reference not found")

const (
	keyFileName    = ".vault_key"
	payloadSuffix  = ".enc"
	metadataSuffix = ".meta"
	formatVersion  = byte(1)
	storeAttempts  = 3
)

// Metadata describes where a quarantined payload came from. It must carry only
// provenance, never the sensitive content itself.
type Metadata struct {
	Type   string `json:"type,omitempty"`
	URL    string `json:"url,omitempty"`
	CaseID string `json:"case_id,omitempty"`
}

type Options struct {
	// KeyPath overrides the key location; defaults to <dir>/.vault_key.
	KeyPath string
	Logger  *slog.Logger
}

type Vault struct {
	dir    string
	aead   cipherAEAD
	logger *slog.Logger
}

type cipherAEAD interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// DefaultKeyPath is where Open keeps the key when Options.KeyPath is empty.
func DefaultKeyPath(dir string) string {
	return filepath.Join(dir, keyFileName)
}

// Open prepares the vault directory and loads its key, generating the key on
// first use. Losing the key makes every stored payload unrecoverable.
func Open(dir string, options Options) (*Vault, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, coreerrors.New(coreerrors.CategoryConfiguration, "vault_path_missing", "vault path is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("create vault directory: %w", err), coreerrors.CategoryIOFailure, "vault_dir_create_failed", "check storage.vault_path permissions", false)
	}
	keyPath := strings.TrimSpace(options.KeyPath)
	if keyPath == "" {
		keyPath = DefaultKeyPath(dir)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	key, err := loadOrCreateKey(keyPath, logger)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init vault cipher: %w", err)
	}
	return &Vault{dir: dir, aead: aead, logger: logger}, nil
}

func loadOrCreateKey(path string, logger *slog.Logger) ([]byte, error) {
	key, err := readKey(path)
	if err == nil || !os.IsNotExist(err) {
		return key, err
	}
	fresh := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(fresh); err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}
	encoded := []byte(base64.StdEncoding.EncodeToString(fresh) + "\n")
	switch err := fsx.WriteFileExclusive(path, encoded, 0o600); {
	case err == nil:
		logger.Info("vault key generated", "key_path", path)
		return fresh, nil
	case errors.Is(err, fsx.ErrExists):
		return readKey(path)
	default:
		return nil, coreerrors.Wrap(fmt.Errorf("write vault key: %w", err), coreerrors.CategoryIOFailure, "vault_key_write_failed", "check vault key path permissions", false)
	}
}

func readKey(path string) ([]byte, error) {
	// #nosec G304 -- key path comes from operator configuration.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("decode vault key: %w", err), coreerrors.CategoryConfiguration, "vault_key_invalid", "vault key file is corrupt", false)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, coreerrors.New(coreerrors.CategoryConfiguration, "vault_key_invalid", fmt.Sprintf("vault key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key)))
	}
	return key, nil
}

// Store encrypts data and returns its reference. metadata may be nil.
func (v *Vault) Store(data []byte, metadata *Metadata) (string, error) {
	for attempt := 0; attempt < storeAttempts; attempt++ {
		ref := uuid.NewString()
		sealed, err := v.seal(ref, data)
		if err != nil {
			return "", err
		}
		err = fsx.WriteFileExclusive(v.payloadPath(ref), sealed, 0o600)
		if errors.Is(err, fsx.ErrExists) {
			continue
		}
		if err != nil {
			return "", coreerrors.Wrap(fmt.Errorf("write vault payload: %w", err), coreerrors.CategoryIOFailure, "vault_write_failed", "check storage.vault_path permissions", true)
		}
		if metadata != nil {
			encoded, err := json.MarshalIndent(metadata, "", "  ")
			if err != nil {
				return "", fmt.Errorf("encode vault metadata: %w", err)
			}
			if err := fsx.WriteFileAtomic(v.metadataPath(ref), encoded, 0o600); err != nil {
				return "", coreerrors.Wrap(fmt.Errorf("write vault metadata: %w", err), coreerrors.CategoryIOFailure, "vault_write_failed", "check storage.vault_path permissions", true)
			}
		}
		v.logger.Debug("vault payload stored", "vault_ref", ref, "bytes", len(data))
		return ref, nil
	}
	return "", coreerrors.New(coreerrors.CategoryInternal, "vault_ref_collision", "could not allocate a unique vault reference")
}

// Retrieve decrypts the payload for ref.
func (v *Vault) Retrieve(ref string) ([]byte, error) {
	ref, err := normalizeRef(ref)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- ref is validated as a UUID before building the path.
	sealed, err := os.ReadFile(v.payloadPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(ref)
		}
		return nil, fmt.Errorf("read vault payload: %w", err)
	}
	return v.open(ref, sealed)
}

// Metadata returns the provenance stored with ref, or ok=false when none was stored.
func (v *Vault) Metadata(ref string) (*Metadata, bool, error) {
	ref, err := normalizeRef(ref)
	if err != nil {
		return nil, false, err
	}
	// #nosec G304 -- ref is validated as a UUID before building the path.
	raw, err := os.ReadFile(v.metadataPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read vault metadata: %w", err)
	}
	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, false, fmt.Errorf("decode vault metadata: %w", err)
	}
	return &metadata, true, nil
}

func (v *Vault) seal(ref string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+chacha20poly1305.Overhead)
	out = append(out, formatVersion)
	out = append(out, nonce...)
	return v.aead.Seal(out, nonce, plaintext, []byte(ref)), nil
}

func (v *Vault) open(ref string, sealed []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(sealed) < 1+nonceSize+chacha20poly1305.Overhead || sealed[0] != formatVersion {
		return nil, coreerrors.New(coreerrors.CategoryVerification, "vault_payload_corrupt", "vault payload is malformed")
	}
	nonce := sealed[1 : 1+nonceSize]
	plaintext, err := v.aead.Open(nil, nonce, sealed[1+nonceSize:], []byte(ref))
	if err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("decrypt vault payload: %w", err), coreerrors.CategoryVerification, "vault_payload_corrupt", "payload was modified or the vault key changed", false)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func (v *Vault) payloadPath(ref string) string {
	return filepath.Join(v.dir, ref+payloadSuffix)
}

func (v *Vault) metadataPath(ref string) string {
	return filepath.Join(v.dir, ref+metadataSuffix)
}

// normalizeRef accepts only canonical UUID strings so a reference can never
// address a file outside the vault directory.
func normalizeRef(ref string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", notFound(ref)
	}
	return parsed.String(), nil
}

func notFound(ref string) error {
	return coreerrors.Wrap(fmt.Errorf("%w: %q", ErrNotFound, ref), coreerrors.CategoryNotFound, "vault_ref_not_found", "", false)
}
