package sign

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"sync"
	"testing"

	coreerrors "github.com/davidahmann/shomer/core/errors"
)

func TestGetOrCreateKeyPairIdempotent(t *testing.T) {
	dir := t.TempDir()
	first, err := GetOrCreateKeyPair(dir, "shomer-key")
	if err != nil {
		t.Fatalf("create keypair: %v", err)
	}
	second, err := GetOrCreateKeyPair(dir, "shomer-key")
	if err != nil {
		t.Fatalf("load keypair: %v", err)
	}
	if !first.Public.Equal(second.Public) || !first.Private.Equal(second.Private) {
		t.Fatalf("expected the persisted keypair to be reused")
	}
	privPath, _ := KeyPaths(dir, "shomer-key")
	info, err := os.Stat(privPath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Fatalf("private key is group/world accessible: %v", info.Mode().Perm())
	}
}

func TestGetOrCreateKeyPairConcurrent(t *testing.T) {
	dir := t.TempDir()
	const callers = 8
	results := make([]KeyPair, callers)
	var group sync.WaitGroup
	group.Add(callers)
	for index := 0; index < callers; index++ {
		go func(slot int) {
			defer group.Done()
			kp, err := GetOrCreateKeyPair(dir, "race")
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			results[slot] = kp
		}(index)
	}
	group.Wait()
	for index := 1; index < callers; index++ {
		if !results[index].Public.Equal(results[0].Public) {
			t.Fatalf("caller %d observed a different keypair", index)
		}
	}
}

func TestGetOrCreateKeyPairRecoversMissingPublicHalf(t *testing.T) {
	dir := t.TempDir()
	kp, err := GetOrCreateKeyPair(dir, "half")
	if err != nil {
		t.Fatalf("create keypair: %v", err)
	}
	_, pubPath := KeyPaths(dir, "half")
	if err := os.Remove(pubPath); err != nil {
		t.Fatalf("remove public half: %v", err)
	}
	recovered, err := GetOrCreateKeyPair(dir, "half")
	if err != nil {
		t.Fatalf("recover keypair: %v", err)
	}
	if !recovered.Public.Equal(kp.Public) {
		t.Fatalf("expected public half to be derived from the existing private key")
	}
}

func TestLoadKeyPairNotFound(t *testing.T) {
	_, err := LoadKeyPair(t.TempDir(), "missing")
	if !errors.Is(err, ErrKeypairNotFound) {
		t.Fatalf("expected ErrKeypairNotFound, got %v", err)
	}
	if coreerrors.CategoryOf(err) != coreerrors.CategoryNotFound {
		t.Fatalf("unexpected category: %s", coreerrors.CategoryOf(err))
	}
}

func TestLoadKeyPairInvalidKeyType(t *testing.T) {
	dir := t.TempDir()
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ecdsa key: %v", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(ecKey)
	if err != nil {
		t.Fatalf("marshal ecdsa private: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&ecKey.PublicKey)
	if err != nil {
		t.Fatalf("marshal ecdsa public: %v", err)
	}
	privPath, pubPath := KeyPaths(dir, "ec")
	if err := os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: privDER}), 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	if err := os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: pubDER}), 0o600); err != nil {
		t.Fatalf("write public: %v", err)
	}
	_, err = LoadKeyPair(dir, "ec")
	if !errors.Is(err, ErrInvalidKeyType) {
		t.Fatalf("expected ErrInvalidKeyType, got %v", err)
	}
	if coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidKeyType {
		t.Fatalf("unexpected category: %s", coreerrors.CategoryOf(err))
	}
}

func TestLoadKeyPairMismatchedHalves(t *testing.T) {
	dir := t.TempDir()
	if _, err := GetOrCreateKeyPair(dir, "a"); err != nil {
		t.Fatalf("create a: %v", err)
	}
	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	otherPub, err := EncodePublicKeyPEM(other.Public)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, pubPath := KeyPaths(dir, "a")
	if err := os.WriteFile(pubPath, otherPub, 0o600); err != nil {
		t.Fatalf("overwrite public: %v", err)
	}
	if _, err := LoadKeyPair(dir, "a"); !errors.Is(err, ErrInvalidKeyType) {
		t.Fatalf("expected mismatch to be rejected, got %v", err)
	}
}

func TestPEMRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	pubPEM, err := EncodePublicKeyPEM(kp.Public)
	if err != nil {
		t.Fatalf("encode public: %v", err)
	}
	pub, err := ParsePublicKeyPEM(pubPEM)
	if err != nil {
		t.Fatalf("parse public: %v", err)
	}
	if !pub.Equal(kp.Public) {
		t.Fatalf("public key mismatch")
	}
	if _, err := ParsePublicKeyPEM([]byte("not pem")); !errors.Is(err, ErrInvalidKeyType) {
		t.Fatalf("expected invalid key type for garbage, got %v", err)
	}
}
