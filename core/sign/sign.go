// Package sign implements the Ed25519 signing used for evidence pack manifests.
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

const AlgEd25519 = "ed25519"

type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Signature is the envelope stored as manifest.sig inside a pack.
type Signature struct {
	Alg   string `json:"alg"`
	KeyID string `json:"key_id"`
	Sig   string `json:"sig"`
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyID is the sha256 hex fingerprint of a raw public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// SignRaw returns the 64-byte Ed25519 signature over data.
func SignRaw(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

func Sign(priv ed25519.PrivateKey, data []byte) Signature {
	return Signature{
		Alg:   AlgEd25519,
		KeyID: KeyID(priv.Public().(ed25519.PublicKey)),
		Sig:   base64.StdEncoding.EncodeToString(SignRaw(priv, data)),
	}
}

// VerifyRaw reports whether rawSig is a valid signature of data under pub.
// Malformed keys or signatures yield false rather than an error or panic.
func VerifyRaw(pub ed25519.PublicKey, rawSig []byte, data []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if len(pub) != ed25519.PublicKeySize || len(rawSig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, rawSig)
}

// Verify checks a signature envelope. Any malformed field, algorithm other than
// ed25519 or key id that does not match pub yields false.
func Verify(pub ed25519.PublicKey, sig Signature, data []byte) bool {
	if sig.Alg != AlgEd25519 {
		return false
	}
	if sig.KeyID != "" && len(pub) == ed25519.PublicKeySize && sig.KeyID != KeyID(pub) {
		return false
	}
	rawSig, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return false
	}
	return VerifyRaw(pub, rawSig, data)
}
