package sign

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/shomer/core/errors"
	"github.com/davidahmann/shomer/core/fsx"
)

var (
	ErrKeypairNotFound = errors.New("keypair not found")
	ErrInvalidKeyType  = errors.New("key material is not ed25519")
)

const (
	privateKeyPEMType = "PRIVATE KEY"
	publicKeyPEMType  = "PUBLIC KEY"

	createWaitAttempts = 100
	createWaitInterval = 20 * time.Millisecond
)

// KeyPaths returns the private and public key file paths for name under dir.
func KeyPaths(dir, name string) (string, string) {
	return filepath.Join(dir, name+".pem"), filepath.Join(dir, name+".pub.pem")
}

func EncodePrivateKeyPEM(priv ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: der}), nil
}

func EncodePublicKeyPEM(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: der}), nil
}

func ParsePrivateKeyPEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, invalidKeyType(fmt.Errorf("private key: no PEM block"))
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, invalidKeyType(fmt.Errorf("private key: %w", err))
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, invalidKeyType(fmt.Errorf("private key is %T", parsed))
	}
	return priv, nil
}

func ParsePublicKeyPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, invalidKeyType(fmt.Errorf("public key: no PEM block"))
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, invalidKeyType(fmt.Errorf("public key: %w", err))
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, invalidKeyType(fmt.Errorf("public key is %T", parsed))
	}
	return pub, nil
}

// LoadKeyPair reads <name>.pem and <name>.pub.pem from dir. Either half missing
// yields ErrKeypairNotFound; material of another algorithm, or halves that do
// not belong together, yield ErrInvalidKeyType.
func LoadKeyPair(dir, name string) (KeyPair, error) {
	privPath, pubPath := KeyPaths(dir, name)
	privPEM, err := readKeyFile(privPath)
	if err != nil {
		return KeyPair{}, err
	}
	pubPEM, err := readKeyFile(pubPath)
	if err != nil {
		return KeyPair{}, err
	}
	priv, err := ParsePrivateKeyPEM(privPEM)
	if err != nil {
		return KeyPair{}, err
	}
	pub, err := ParsePublicKeyPEM(pubPEM)
	if err != nil {
		return KeyPair{}, err
	}
	if !pub.Equal(priv.Public()) {
		return KeyPair{}, invalidKeyType(fmt.Errorf("public key does not match private key"))
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// GetOrCreateKeyPair loads the keypair, generating and persisting one on first
// use. Concurrent callers converge on the same keys: each half is published with
// an exclusive create, and a caller that loses the race loads the winner's pair.
func GetOrCreateKeyPair(dir, name string) (KeyPair, error) {
	kp, err := LoadKeyPair(dir, name)
	if err == nil || !errors.Is(err, ErrKeypairNotFound) {
		return kp, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return KeyPair{}, coreerrors.Wrap(fmt.Errorf("create key directory: %w", err), coreerrors.CategoryIOFailure, "key_dir_create_failed", "check key_path permissions", false)
	}

	generated, err := GenerateKeyPair()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate keypair: %w", err)
	}
	privPEM, err := EncodePrivateKeyPEM(generated.Private)
	if err != nil {
		return KeyPair{}, err
	}
	privPath, pubPath := KeyPaths(dir, name)
	switch err := fsx.WriteFileExclusive(privPath, privPEM, 0o600); {
	case errors.Is(err, fsx.ErrExists):
		return awaitKeyPair(dir, name)
	case err != nil:
		return KeyPair{}, coreerrors.Wrap(fmt.Errorf("write private key: %w", err), coreerrors.CategoryIOFailure, "key_write_failed", "check key_path permissions", false)
	}
	if err := writePublicHalf(pubPath, generated.Public); err != nil {
		return KeyPair{}, err
	}
	return LoadKeyPair(dir, name)
}

// awaitKeyPair waits for a concurrent creator to publish the public half. If it
// never appears (a previous creator died between the two writes), the public key
// is derived from the private key on disk.
func awaitKeyPair(dir, name string) (KeyPair, error) {
	for attempt := 0; attempt < createWaitAttempts; attempt++ {
		kp, err := LoadKeyPair(dir, name)
		if err == nil || !errors.Is(err, ErrKeypairNotFound) {
			return kp, err
		}
		time.Sleep(createWaitInterval)
	}
	privPath, pubPath := KeyPaths(dir, name)
	privPEM, err := readKeyFile(privPath)
	if err != nil {
		return KeyPair{}, err
	}
	priv, err := ParsePrivateKeyPEM(privPEM)
	if err != nil {
		return KeyPair{}, err
	}
	if err := writePublicHalf(pubPath, priv.Public().(ed25519.PublicKey)); err != nil {
		return KeyPair{}, err
	}
	return LoadKeyPair(dir, name)
}

func writePublicHalf(path string, pub ed25519.PublicKey) error {
	pubPEM, err := EncodePublicKeyPEM(pub)
	if err != nil {
		return err
	}
	if err := fsx.WriteFileExclusive(path, pubPEM, 0o644); err != nil && !errors.Is(err, fsx.ErrExists) {
		return coreerrors.Wrap(fmt.Errorf("write public key: %w", err), coreerrors.CategoryIOFailure, "key_write_failed", "check key_path permissions", false)
	}
	return nil
}

func readKeyFile(path string) ([]byte, error) {
	// #nosec G304 -- key paths come from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, coreerrors.Wrap(fmt.Errorf("%w: %s", ErrKeypairNotFound, path), coreerrors.CategoryNotFound, "keypair_not_found", "run `shomer keys init` or check crypto.key_path", false)
		}
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, invalidKeyType(fmt.Errorf("key file %s is empty", path))
	}
	return data, nil
}

func invalidKeyType(cause error) error {
	return coreerrors.Wrap(fmt.Errorf("%w: %v", ErrInvalidKeyType, cause), coreerrors.CategoryInvalidKeyType, "invalid_key_type", "regenerate the keypair with `shomer keys init --force`", false)
}
