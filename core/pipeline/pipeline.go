// Package pipeline runs one ingestion end to end: fetch, PII quarantine and
// pseudonymization, image vaulting, hashing, classification, manifest signing
// and pack assembly, recording every transition in the custody log.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidahmann/shomer/core/caseindex"
	"github.com/davidahmann/shomer/core/classify"
	"github.com/davidahmann/shomer/core/custody"
	coreerrors "github.com/davidahmann/shomer/core/errors"
	"github.com/davidahmann/shomer/core/fetch"
	"github.com/davidahmann/shomer/core/manifest"
	"github.com/davidahmann/shomer/core/pack"
	"github.com/davidahmann/shomer/core/pii"
	"github.com/davidahmann/shomer/core/vault"
)

const (
	DefaultMaxImages        = 10
	DefaultImageConcurrency = 4
	maxErrorRunes           = 240
	tracerName              = "github.com/davidahmann/shomer/core/pipeline"
)

type Fetcher interface {
	Fetch(ctx context.Context, url string) (fetch.Page, error)
	FetchImage(ctx context.Context, url string) ([]byte, error)
}

type Classifier interface {
	Classify(ctx context.Context, text string, metadata map[string]any) classify.Result
}

type CaseIndex interface {
	CreateCase(ctx context.Context, url string) (string, error)
	UpdateCaseStatus(ctx context.Context, caseID string, status caseindex.Status, manifestDigest, packPath string) error
	AddArtifact(ctx context.Context, caseID, artifactType, path, digest, vaultRef string) (string, error)
}

type Vault interface {
	Store(data []byte, metadata *vault.Metadata) (string, error)
}

type CustodyLog interface {
	Log(entry custody.Entry) (custody.Event, error)
	ExportCase(caseID string) ([]byte, error)
}

// Redactor detects and pseudonymizes PII. Scrub cleans free-form strings such
// as error messages before they are recorded.
type Redactor interface {
	Redact(ctx context.Context, text string) (pii.Redaction, error)
	Scrub(s string) string
}

// PackAssembler signs first so the custody log can record the signature
// before the pack that embeds that log is written.
type PackAssembler interface {
	SignManifest(m manifest.Manifest) (pack.SignedManifest, error)
	WritePack(caseID string, signed pack.SignedManifest, artifacts []pack.ArtifactFile, custodyLog []byte) (string, error)
}

type Options struct {
	Fetcher    Fetcher
	Classifier Classifier
	Cases      CaseIndex
	Vault      Vault
	Custody    CustodyLog
	PII        Redactor
	Packer     PackAssembler
	// BaseDir holds one directory of plain or redacted artifacts per case.
	BaseDir          string
	MaxImages        int
	ImageConcurrency int
	Logger           *slog.Logger
	Registerer       prometheus.Registerer
	Tracer           trace.Tracer
	Now              func() time.Time
}

type Pipeline struct {
	fetcher          Fetcher
	classifier       Classifier
	cases            CaseIndex
	vault            Vault
	custody          CustodyLog
	pii              Redactor
	packer           PackAssembler
	baseDir          string
	maxImages        int
	imageConcurrency int
	logger           *slog.Logger
	metrics          *Metrics
	tracer           trace.Tracer
	now              func() time.Time
}

func New(options Options) (*Pipeline, error) {
	missing := make([]string, 0)
	if options.Fetcher == nil {
		missing = append(missing, "fetcher")
	}
	if options.Classifier == nil {
		missing = append(missing, "classifier")
	}
	if options.Cases == nil {
		missing = append(missing, "case index")
	}
	if options.Vault == nil {
		missing = append(missing, "vault")
	}
	if options.Custody == nil {
		missing = append(missing, "custody log")
	}
	if options.PII == nil {
		missing = append(missing, "pii engine")
	}
	if options.Packer == nil {
		missing = append(missing, "pack assembler")
	}
	if strings.TrimSpace(options.BaseDir) == "" {
		missing = append(missing, "base dir")
	}
	if len(missing) > 0 {
		return nil, coreerrors.New(coreerrors.CategoryConfiguration, "pipeline_incomplete", "pipeline is missing: "+strings.Join(missing, ", "))
	}
	p := &Pipeline{
		fetcher:          options.Fetcher,
		classifier:       options.Classifier,
		cases:            options.Cases,
		vault:            options.Vault,
		custody:          options.Custody,
		pii:              options.PII,
		packer:           options.Packer,
		baseDir:          options.BaseDir,
		maxImages:        options.MaxImages,
		imageConcurrency: options.ImageConcurrency,
		logger:           options.Logger,
		metrics:          NewMetrics(options.Registerer),
		tracer:           options.Tracer,
		now:              options.Now,
	}
	if p.maxImages == 0 {
		p.maxImages = DefaultMaxImages
	}
	if p.maxImages < 0 {
		p.maxImages = 0
	}
	if p.imageConcurrency <= 0 {
		p.imageConcurrency = DefaultImageConcurrency
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Ingest processes rawURL and returns the new case id. On failure the case is
// marked failed, an ingest-failed event is recorded and the error is returned
// with category ingest_failure; the case id is still returned when one was
// allocated.
func (p *Pipeline) Ingest(ctx context.Context, rawURL string) (string, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.ingest")
	defer span.End()

	caseID, err := p.cases.CreateCase(ctx, rawURL)
	if err != nil {
		p.metrics.observeIngest("failed", start)
		span.RecordError(err)
		span.SetStatus(codes.Error, "create case")
		return "", coreerrors.Wrap(fmt.Errorf("create case: %w", err), coreerrors.CategoryIngestFailure, "ingest_failed", "", false)
	}
	span.SetAttributes(attribute.String("shomer.case_id", caseID))
	logger := p.logger.With("case_id", caseID)

	if packPath, err := p.run(ctx, caseID, rawURL, logger); err != nil {
		p.fail(ctx, caseID, packPath, err, logger)
		p.metrics.observeIngest("failed", start)
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
		return caseID, coreerrors.Wrap(fmt.Errorf("ingest case %s: %w", caseID, err), coreerrors.CategoryIngestFailure, "ingest_failed", "inspect the case custody events", false)
	}
	p.metrics.observeIngest("completed", start)
	logger.Info("ingest completed", "duration_ms", time.Since(start).Milliseconds())
	return caseID, nil
}

type artifactRecord struct {
	descriptor manifest.Descriptor
	absPath    string
}

// run executes every ingest step. On failure it still returns the pack path
// when a pack had already been written, so the caller can withdraw it.
func (p *Pipeline) run(ctx context.Context, caseID, rawURL string, logger *slog.Logger) (string, error) {
	if err := p.log(caseID, custody.ActionCreated, custody.StatusSuccess, map[string]any{"url": p.pii.Scrub(rawURL)}, ""); err != nil {
		return "", err
	}

	if err := p.log(caseID, custody.ActionFetched, custody.StatusInProgress, nil, ""); err != nil {
		return "", err
	}
	page, err := p.fetchPage(ctx, rawURL)
	if err != nil {
		return "", err
	}
	if err := p.log(caseID, custody.ActionFetched, custody.StatusSuccess, map[string]any{
		"status_code": page.StatusCode,
		"image_count": len(page.ImageURLs),
	}, ""); err != nil {
		return "", err
	}

	caseDir := filepath.Join(p.baseDir, caseID)
	if err := os.MkdirAll(caseDir, 0o750); err != nil {
		return "", coreerrors.Wrap(fmt.Errorf("create case directory: %w", err), coreerrors.CategoryIOFailure, "case_dir_failed", "", false)
	}

	text, err := p.processContent(ctx, caseID, rawURL, contentKind{name: "text", plainFile: "text.txt", redactedFile: "text_redacted.txt"}, page.Text)
	if err != nil {
		return "", err
	}
	html, err := p.processContent(ctx, caseID, rawURL, contentKind{name: "html", plainFile: "html.html", redactedFile: "html_redacted.html"}, page.HTML)
	if err != nil {
		return "", err
	}
	piiDetected := text.redacted || html.redacted
	records := []artifactRecord{text.record, html.record}

	if err := p.processImages(ctx, caseID, page.ImageURLs); err != nil {
		return "", err
	}

	artifacts, err := p.hashArtifacts(ctx, caseID, records)
	if err != nil {
		return "", err
	}

	classification, err := p.classify(ctx, caseID, rawURL, text.retained)
	if err != nil {
		return "", err
	}

	m, err := manifest.New(caseID, rawURL, artifacts, classification.Payload(), piiDetected, p.now())
	if err != nil {
		return "", err
	}
	signed, err := p.packer.SignManifest(m)
	if err != nil {
		return "", fmt.Errorf("sign manifest: %w", err)
	}
	if err := p.log(caseID, custody.ActionSigned, custody.StatusSuccess, map[string]any{
		"manifest_digest": signed.Digest,
		"key_id":          signed.Signature.KeyID,
	}, ""); err != nil {
		return "", err
	}

	packPath, err := p.assemble(ctx, caseID, signed, records)
	if err != nil {
		return "", err
	}
	if err := p.log(caseID, custody.ActionPackaged, custody.StatusSuccess, map[string]any{"pack_path": packPath}, ""); err != nil {
		return packPath, err
	}
	if err := p.log(caseID, custody.ActionCompleted, custody.StatusSuccess, map[string]any{"manifest_digest": signed.Digest}, ""); err != nil {
		return packPath, err
	}
	if err := p.cases.UpdateCaseStatus(ctx, caseID, caseindex.StatusCompleted, signed.Digest, packPath); err != nil {
		return packPath, fmt.Errorf("mark case completed: %w", err)
	}
	logger.Debug("case completed", "manifest_digest", signed.Digest, "pii_detected", piiDetected)
	return packPath, nil
}

func (p *Pipeline) fetchPage(ctx context.Context, rawURL string) (fetch.Page, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.fetch")
	defer span.End()
	page, err := p.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return fetch.Page{}, err
	}
	return page, nil
}

type contentKind struct {
	name         string
	plainFile    string
	redactedFile string
}

type contentOutcome struct {
	record   artifactRecord
	redacted bool
	// retained is what was written to disk.
	retained string
}

// processContent writes either the content as is or, when PII is found, its
// pseudonymized form after quarantining the original in the vault.
func (p *Pipeline) processContent(ctx context.Context, caseID, rawURL string, kind contentKind, content string) (contentOutcome, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.pii", trace.WithAttributes(attribute.String("shomer.content_type", kind.name)))
	defer span.End()

	redaction, err := p.pii.Redact(ctx, content)
	if err != nil {
		return contentOutcome{}, fmt.Errorf("detect pii in %s: %w", kind.name, err)
	}
	if !redaction.Found() {
		record, err := p.writeArtifact(caseID, kind.name, kind.plainFile, content, "")
		if err != nil {
			return contentOutcome{}, err
		}
		return contentOutcome{record: record, retained: content}, nil
	}

	for entityType, count := range redaction.Counts {
		p.metrics.PIIDetections.WithLabelValues(entityType).Add(float64(count))
	}
	entityCounts := make(map[string]any, len(redaction.Counts))
	for entityType, count := range redaction.Counts {
		entityCounts[entityType] = count
	}
	if err := p.log(caseID, custody.ActionPIIDetected, custody.StatusSuccess, map[string]any{
		"type":          kind.name,
		"count":         len(redaction.Detections),
		"entity_counts": entityCounts,
	}, ""); err != nil {
		return contentOutcome{}, err
	}

	ref, err := p.vault.Store([]byte(content), &vault.Metadata{Type: kind.name, URL: rawURL, CaseID: caseID})
	if err != nil {
		return contentOutcome{}, fmt.Errorf("quarantine original %s: %w", kind.name, err)
	}
	p.metrics.VaultWrites.WithLabelValues(kind.name).Inc()
	if err := p.log(caseID, custody.ActionPIIMoved, custody.StatusSuccess, map[string]any{"vault_ref": ref, "type": kind.name}, ""); err != nil {
		return contentOutcome{}, err
	}

	redactedType := kind.name + "_redacted"
	record, err := p.writeArtifact(caseID, redactedType, kind.redactedFile, redaction.Text, ref)
	if err != nil {
		return contentOutcome{}, err
	}
	if err := p.log(caseID, custody.ActionPseudonymized, custody.StatusSuccess, map[string]any{"type": kind.name, "vault_ref": ref}, ""); err != nil {
		return contentOutcome{}, err
	}
	return contentOutcome{record: record, redacted: true, retained: redaction.Text}, nil
}

func (p *Pipeline) writeArtifact(caseID, artifactType, fileName, content, vaultRef string) (artifactRecord, error) {
	relPath := path.Join(caseID, fileName)
	absPath := filepath.Join(p.baseDir, filepath.FromSlash(relPath))
	if err := os.WriteFile(absPath, []byte(content), 0o600); err != nil {
		return artifactRecord{}, coreerrors.Wrap(fmt.Errorf("write %s artifact: %w", artifactType, err), coreerrors.CategoryIOFailure, "artifact_write_failed", "", false)
	}
	return artifactRecord{
		descriptor: manifest.Descriptor{Type: artifactType, Path: relPath, VaultRef: vaultRef},
		absPath:    absPath,
	}, nil
}

func (p *Pipeline) hashArtifacts(ctx context.Context, caseID string, records []artifactRecord) ([]manifest.Artifact, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.hash")
	defer span.End()
	if err := p.log(caseID, custody.ActionHashed, custody.StatusInProgress, nil, ""); err != nil {
		return nil, err
	}
	descriptors := make([]manifest.Descriptor, 0, len(records))
	for _, record := range records {
		descriptors = append(descriptors, record.descriptor)
	}
	artifacts, err := manifest.HashArtifacts(p.baseDir, descriptors)
	if err != nil {
		return nil, err
	}
	for _, artifact := range artifacts {
		if _, err := p.cases.AddArtifact(ctx, caseID, artifact.Type, artifact.Path, artifact.Hash, artifact.VaultRef); err != nil {
			return nil, fmt.Errorf("record artifact: %w", err)
		}
	}
	if err := p.log(caseID, custody.ActionHashed, custody.StatusSuccess, map[string]any{"artifact_count": len(artifacts)}, ""); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// classify never fails the case on classifier trouble; a degraded result is
// recorded like any other.
func (p *Pipeline) classify(ctx context.Context, caseID, rawURL, retained string) (classify.Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.classify")
	defer span.End()
	if err := p.log(caseID, custody.ActionClassified, custody.StatusInProgress, nil, ""); err != nil {
		return classify.Result{}, err
	}
	result := p.classifier.Classify(ctx, retained, map[string]any{"url": rawURL, "case_id": caseID})
	if result.Degraded() {
		p.metrics.ClassifierDegraded.Inc()
		p.logger.Warn("classification degraded", "case_id", caseID)
	}
	if err := p.log(caseID, custody.ActionClassified, custody.StatusSuccess, map[string]any{"classification": result.Classification}, ""); err != nil {
		return classify.Result{}, err
	}
	return result, nil
}

func (p *Pipeline) assemble(ctx context.Context, caseID string, signed pack.SignedManifest, records []artifactRecord) (string, error) {
	_, span := p.tracer.Start(ctx, "pipeline.pack")
	defer span.End()
	custodyLines, err := p.custody.ExportCase(caseID)
	if err != nil {
		return "", fmt.Errorf("export custody log: %w", err)
	}
	files := make([]pack.ArtifactFile, 0, len(records))
	for _, record := range records {
		files = append(files, pack.ArtifactFile{Type: record.descriptor.Type, Path: record.absPath})
	}
	packPath, err := p.packer.WritePack(caseID, signed, files, custodyLines)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("assemble pack: %w", err)
	}
	return packPath, nil
}

// fail records the failure and marks the case failed. A pack written before
// the failure is removed so a failed case never carries one.
func (p *Pipeline) fail(ctx context.Context, caseID, packPath string, cause error, logger *slog.Logger) {
	message := p.sanitize(cause)
	metadata := map[string]any{}
	if packPath != "" {
		if err := os.Remove(packPath); err != nil && !os.IsNotExist(err) {
			logger.Error("withdraw pack", "error", p.sanitize(err))
		} else {
			metadata["pack_withdrawn"] = true
		}
	}
	if err := p.log(caseID, custody.ActionIngestFailed, custody.StatusError, metadata, message); err != nil {
		logger.Error("record ingest failure", "error", p.sanitize(err))
	}
	if err := p.cases.UpdateCaseStatus(context.WithoutCancel(ctx), caseID, caseindex.StatusFailed, "", ""); err != nil {
		logger.Error("mark case failed", "error", p.sanitize(err))
	}
	logger.Warn("ingest failed", "error", message)
}

// sanitize shortens an error message and replaces any PII the pattern
// detector finds in it.
func (p *Pipeline) sanitize(err error) string {
	message := p.pii.Scrub(err.Error())
	if utf8.RuneCountInString(message) <= maxErrorRunes {
		return message
	}
	runes := []rune(message)
	return string(runes[:maxErrorRunes]) + "..."
}

func (p *Pipeline) log(caseID, action string, status custody.Status, metadata map[string]any, errMessage string) error {
	_, err := p.custody.Log(custody.Entry{
		CaseID:   caseID,
		Action:   action,
		Status:   status,
		Metadata: metadata,
		Error:    errMessage,
	})
	return err
}

// Close releases collaborators that hold network or database resources.
func (p *Pipeline) Close() error {
	var first error
	for _, collaborator := range []any{p.fetcher, p.classifier, p.cases} {
		if closer, ok := collaborator.(io.Closer); ok {
			if err := closer.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
