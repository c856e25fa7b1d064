// Package pack assembles and verifies evidence packs: one deterministic zip per
// case holding the canonical manifest, its signature, the public key, the
// artifacts and the case's custody log.
package pack

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/davidahmann/shomer/core/custody"
	"github.com/davidahmann/shomer/core/digest"
	coreerrors "github.com/davidahmann/shomer/core/errors"
	"github.com/davidahmann/shomer/core/fsx"
	"github.com/davidahmann/shomer/core/manifest"
	"github.com/davidahmann/shomer/core/sign"
	"github.com/davidahmann/shomer/core/zipx"
)

const (
	ManifestName       = "manifest.json"
	SignatureName      = "manifest.sig"
	PublicKeyName      = "pubkey.pem"
	CustodyLogName     = "chain_of_custody.log"
	PrettyManifestName = "manifest.pretty.json"
	FileName           = "pack.zip"
	artifactsDir       = "artifacts"
)

type ArtifactFile struct {
	Type string
	Path string
}

type Assembler struct {
	baseDir string
	keys    sign.KeyPair
	logger  *slog.Logger
}

type Option func(*Assembler)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func NewAssembler(baseDir string, keys sign.KeyPair, options ...Option) (*Assembler, error) {
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		return nil, coreerrors.New(coreerrors.CategoryConfiguration, "pack_base_missing", "pack base directory is required")
	}
	if len(keys.Private) != ed25519.PrivateKeySize || len(keys.Public) != ed25519.PublicKeySize {
		return nil, coreerrors.New(coreerrors.CategoryInvalidKeyType, "pack_key_invalid", "pack assembler requires an ed25519 key pair")
	}
	a := &Assembler{baseDir: baseDir, keys: keys, logger: slog.New(slog.DiscardHandler)}
	for _, option := range options {
		option(a)
	}
	return a, nil
}

// MemberName is where an artifact of the given type lands inside a pack.
// Namespacing by type keeps artifacts of different types that share a file
// name apart.
func MemberName(artifactType, artifactPath string) string {
	return path.Join(artifactsDir, artifactType, filepath.Base(filepath.FromSlash(artifactPath)))
}

// PackPath is the stable per-case location of a pack under baseDir.
func PackPath(baseDir, caseID string) string {
	return filepath.Join(baseDir, caseID, FileName)
}

// SignedManifest is a manifest together with the exact bytes that were signed.
type SignedManifest struct {
	Manifest  manifest.Manifest
	Canonical []byte
	Digest    string
	Signature sign.Signature
}

// SignManifest canonicalises m and signs it with the assembler's key.
func (a *Assembler) SignManifest(m manifest.Manifest) (SignedManifest, error) {
	canonical, err := manifest.Canonical(m)
	if err != nil {
		return SignedManifest{}, err
	}
	return SignedManifest{
		Manifest:  m,
		Canonical: canonical,
		Digest:    digest.Bytes(canonical),
		Signature: sign.Sign(a.keys.Private, canonical),
	}, nil
}

// CreatePack signs the canonical manifest and writes the pack for caseID.
func (a *Assembler) CreatePack(caseID string, m manifest.Manifest, artifacts []ArtifactFile, custodyLog []byte) (string, error) {
	signed, err := a.SignManifest(m)
	if err != nil {
		return "", err
	}
	return a.WritePack(caseID, signed, artifacts, custodyLog)
}

// WritePack writes a pack for caseID from an already signed manifest.
// Artifacts missing from disk are left out, matching the manifest builder.
// custodyLog may be empty, in which case no custody member is written.
func (a *Assembler) WritePack(caseID string, signed SignedManifest, artifacts []ArtifactFile, custodyLog []byte) (string, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" || !filepath.IsLocal(caseID) || strings.ContainsAny(caseID, `/\`) {
		return "", coreerrors.New(coreerrors.CategoryInvalidInput, "pack_case_invalid", "case id must be a single path segment")
	}
	m := signed.Manifest
	if m.CaseID != caseID {
		return "", coreerrors.New(coreerrors.CategoryInvalidInput, "pack_case_mismatch", "manifest belongs to a different case")
	}
	if len(signed.Canonical) == 0 || signed.Signature.Sig == "" {
		return "", coreerrors.New(coreerrors.CategoryInvalidInput, "pack_manifest_unsigned", "manifest must be signed before it is packed")
	}

	canonical := signed.Canonical
	signature, err := json.Marshal(signed.Signature)
	if err != nil {
		return "", fmt.Errorf("encode signature: %w", err)
	}
	publicPEM, err := sign.EncodePublicKeyPEM(a.keys.Public)
	if err != nil {
		return "", err
	}
	pretty, err := manifest.Pretty(m)
	if err != nil {
		return "", err
	}

	files := []zipx.File{
		{Path: ManifestName, Data: canonical, Mode: 0o644},
		{Path: SignatureName, Data: signature, Mode: 0o644},
		{Path: PublicKeyName, Data: publicPEM, Mode: 0o644},
		{Path: PrettyManifestName, Data: pretty, Mode: 0o644},
	}
	for _, artifact := range artifacts {
		// #nosec G304 -- artifact paths are produced by the pipeline under its base path.
		data, readErr := os.ReadFile(artifact.Path)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				a.logger.Debug("pack artifact missing", "case_id", caseID, "type", artifact.Type)
				continue
			}
			return "", coreerrors.Wrap(fmt.Errorf("read artifact: %w", readErr), coreerrors.CategoryIOFailure, "pack_artifact_read_failed", "", false)
		}
		files = append(files, zipx.File{Path: MemberName(artifact.Type, artifact.Path), Data: data, Mode: 0o644})
	}
	if len(custodyLog) > 0 {
		files = append(files, zipx.File{Path: CustodyLogName, Data: custodyLog, Mode: 0o644})
	}

	var buffer bytes.Buffer
	if err := zipx.WriteDeterministicZip(&buffer, files); err != nil {
		return "", fmt.Errorf("write pack zip: %w", err)
	}

	outputPath := PackPath(a.baseDir, caseID)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o750); err != nil {
		return "", coreerrors.Wrap(fmt.Errorf("create pack directory: %w", err), coreerrors.CategoryIOFailure, "pack_dir_create_failed", "", false)
	}
	if err := fsx.WriteFileAtomic(outputPath, buffer.Bytes(), 0o600); err != nil {
		return "", coreerrors.Wrap(fmt.Errorf("write pack: %w", err), coreerrors.CategoryIOFailure, "pack_write_failed", "", false)
	}
	a.logger.Info("pack written", "case_id", caseID, "members", len(files))
	return outputPath, nil
}

type VerifyOptions struct {
	// PublicKey pins the expected signer. When nil the embedded key is used.
	PublicKey ed25519.PublicKey
}

type HashMismatch struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

type VerifyResult struct {
	CaseID          string         `json:"case_id"`
	ManifestDigest  string         `json:"manifest_digest"`
	KeyID           string         `json:"key_id,omitempty"`
	FilesChecked    int            `json:"files_checked"`
	MissingFiles    []string       `json:"missing_files,omitempty"`
	HashMismatches  []HashMismatch `json:"hash_mismatches,omitempty"`
	UndeclaredFiles []string       `json:"undeclared_files,omitempty"`
	DuplicateFiles  []string       `json:"duplicate_files,omitempty"`
	SignatureStatus string         `json:"signature_status"`
	SignatureErrors []string       `json:"signature_errors,omitempty"`
	CustodyStatus   string         `json:"custody_status"`
	CustodyEvents   int            `json:"custody_events,omitempty"`
	CustodyErrors   []string       `json:"custody_errors,omitempty"`
}

// OK reports whether every integrity check passed.
func (r VerifyResult) OK() bool {
	return r.SignatureStatus == "verified" &&
		len(r.MissingFiles) == 0 &&
		len(r.HashMismatches) == 0 &&
		len(r.UndeclaredFiles) == 0 &&
		len(r.DuplicateFiles) == 0 &&
		r.CustodyStatus != "failed"
}

// Verify re-derives every integrity claim of a pack. Structural problems that
// make the pack unreadable are returned as errors; integrity findings are
// reported in the result.
func Verify(packPath string, options VerifyOptions) (VerifyResult, error) {
	archive, err := zipx.Open(packPath)
	if err != nil {
		return VerifyResult{}, verificationError(err)
	}
	defer func() {
		_ = archive.Close()
	}()

	canonical, ok, err := archive.Read(ManifestName)
	if err != nil {
		return VerifyResult{}, verificationError(fmt.Errorf("read %s: %w", ManifestName, err))
	}
	if !ok {
		return VerifyResult{}, verificationError(fmt.Errorf("missing %s", ManifestName))
	}
	m, err := manifest.Parse(canonical)
	if err != nil {
		return VerifyResult{}, err
	}

	result := VerifyResult{
		CaseID:          m.CaseID,
		ManifestDigest:  digest.Bytes(canonical),
		FilesChecked:    len(m.Artifacts),
		DuplicateFiles:  append([]string(nil), archive.Duplicates...),
		SignatureStatus: "missing",
		CustodyStatus:   "missing",
	}
	if recanonical, err := manifest.Canonical(m); err != nil || !bytes.Equal(recanonical, canonical) {
		result.SignatureErrors = append(result.SignatureErrors, "manifest is not in canonical form")
	}

	declared := map[string]struct{}{
		ManifestName:       {},
		SignatureName:      {},
		PublicKeyName:      {},
		PrettyManifestName: {},
		CustodyLogName:     {},
	}
	for _, artifact := range m.Artifacts {
		member := MemberName(artifact.Type, artifact.Path)
		declared[member] = struct{}{}
		file, ok := archive.Files[member]
		if !ok {
			result.MissingFiles = append(result.MissingFiles, member)
			continue
		}
		actual, hashErr := zipx.HashFile(file)
		if hashErr != nil {
			return VerifyResult{}, verificationError(fmt.Errorf("hash %s: %w", member, hashErr))
		}
		if actual != artifact.Hash {
			result.HashMismatches = append(result.HashMismatches, HashMismatch{Path: member, Expected: artifact.Hash, Actual: actual})
		}
	}
	for _, name := range archive.Names {
		if _, ok := declared[name]; !ok {
			result.UndeclaredFiles = append(result.UndeclaredFiles, name)
		}
	}

	if err := verifySignature(archive, canonical, options, &result); err != nil {
		return VerifyResult{}, err
	}
	if err := verifyCustody(archive, m.CaseID, &result); err != nil {
		return VerifyResult{}, err
	}

	sort.Strings(result.MissingFiles)
	sort.Strings(result.UndeclaredFiles)
	sort.Slice(result.HashMismatches, func(i, j int) bool { return result.HashMismatches[i].Path < result.HashMismatches[j].Path })
	return result, nil
}

func verifySignature(archive *zipx.Archive, canonical []byte, options VerifyOptions, result *VerifyResult) error {
	sigBytes, ok, err := archive.Read(SignatureName)
	if err != nil {
		return verificationError(fmt.Errorf("read %s: %w", SignatureName, err))
	}
	if !ok {
		result.SignatureErrors = append(result.SignatureErrors, "pack has no signature")
		return nil
	}
	var signature sign.Signature
	if err := json.Unmarshal(sigBytes, &signature); err != nil {
		result.SignatureStatus = "failed"
		result.SignatureErrors = append(result.SignatureErrors, "signature envelope is not valid json")
		return nil
	}
	result.KeyID = signature.KeyID

	publicKey := options.PublicKey
	if pemBytes, ok, err := archive.Read(PublicKeyName); err != nil {
		return verificationError(fmt.Errorf("read %s: %w", PublicKeyName, err))
	} else if ok {
		embedded, parseErr := sign.ParsePublicKeyPEM(pemBytes)
		switch {
		case parseErr != nil:
			result.SignatureErrors = append(result.SignatureErrors, "embedded public key is invalid")
		case publicKey == nil:
			publicKey = embedded
		case !embedded.Equal(publicKey):
			result.SignatureErrors = append(result.SignatureErrors, "embedded public key does not match pinned key")
		}
	}
	if publicKey == nil {
		result.SignatureStatus = "failed"
		result.SignatureErrors = append(result.SignatureErrors, "no public key available")
		return nil
	}
	if !sign.Verify(publicKey, signature, canonical) {
		result.SignatureErrors = append(result.SignatureErrors, "signature verification failed")
	}
	if len(result.SignatureErrors) == 0 {
		result.SignatureStatus = "verified"
	} else {
		result.SignatureStatus = "failed"
	}
	sort.Strings(result.SignatureErrors)
	return nil
}

func verifyCustody(archive *zipx.Archive, caseID string, result *VerifyResult) error {
	file, ok := archive.Files[CustodyLogName]
	if !ok {
		return nil
	}
	data, err := zipx.ReadFile(file)
	if err != nil {
		return verificationError(fmt.Errorf("read %s: %w", CustodyLogName, err))
	}
	events := make([]custody.Event, 0)
	if err := custody.ParseLines(bytes.NewReader(data), func(_ []byte, event custody.Event) {
		events = append(events, event)
	}); err != nil {
		result.CustodyStatus = "failed"
		result.CustodyErrors = append(result.CustodyErrors, err.Error())
		return nil
	}
	result.CustodyEvents = len(events)
	for _, event := range events {
		if event.CaseID != caseID {
			result.CustodyErrors = append(result.CustodyErrors, fmt.Sprintf("custody event seq %d belongs to case %s", event.Seq, event.CaseID))
		}
	}
	if err := custody.VerifyChain(events); err != nil {
		result.CustodyErrors = append(result.CustodyErrors, err.Error())
	}
	if len(result.CustodyErrors) == 0 {
		result.CustodyStatus = "verified"
	} else {
		result.CustodyStatus = "failed"
	}
	return nil
}

func verificationError(err error) error {
	return coreerrors.Wrap(err, coreerrors.CategoryVerification, "pack_verification_failed", "inspect pack contents", false)
}
