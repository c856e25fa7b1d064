// Package caseindex is the SQLite record of cases and their artifacts.
package caseindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/davidahmann/shomer/core/caseindex/migrations"
	coreerrors "github.com/davidahmann/shomer/core/errors"
	"github.com/davidahmann/shomer/internal/sqlitemigrate"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var ErrNotFound = errors.New("case not found")

type Case struct {
	ID             string    `json:"case_id"`
	URL            string    `json:"url"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Status         Status    `json:"status"`
	ManifestDigest string    `json:"manifest_digest,omitempty"`
	PackPath       string    `json:"pack_path,omitempty"`
}

type Artifact struct {
	ID        string    `json:"artifact_id"`
	CaseID    string    `json:"case_id"`
	Type      string    `json:"type"`
	Path      string    `json:"path"`
	Digest    string    `json:"digest"`
	VaultRef  string    `json:"vault_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the index at path, creating it and applying migrations as needed.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, coreerrors.New(coreerrors.CategoryConfiguration, "caseindex_path_missing", "case index path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, coreerrors.Wrap(fmt.Errorf("create case index directory: %w", err), coreerrors.CategoryIOFailure, "caseindex_dir_failed", "", false)
		}
	}
	dsn := "file:" + filepath.ToSlash(cleanPath) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, coreerrors.Wrap(fmt.Errorf("ping sqlite db: %w", err), coreerrors.CategoryIOFailure, "caseindex_open_failed", "check storage.sqlite_path", false)
	}
	if err := sqlitemigrate.Apply(ctx, db, migrations.FS, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateCase records a new case in status created and returns its id.
func (s *Store) CreateCase(ctx context.Context, url string) (string, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return "", coreerrors.New(coreerrors.CategoryInvalidInput, "case_url_missing", "case url is required")
	}
	caseID := uuid.NewString()
	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cases (case_id, url, created_at, updated_at, status) VALUES (?, ?, ?, ?, ?)`,
		caseID, url, now, now, string(StatusCreated),
	)
	if err != nil {
		return "", fmt.Errorf("create case: %w", err)
	}
	return caseID, nil
}

func (s *Store) GetCase(ctx context.Context, caseID string) (Case, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT case_id, url, created_at, updated_at, status, manifest_digest, pack_path
		   FROM cases
		  WHERE case_id = ?`,
		strings.TrimSpace(caseID),
	)
	var (
		record         Case
		createdAt      int64
		updatedAt      int64
		status         string
		manifestDigest sql.NullString
		packPath       sql.NullString
	)
	err := row.Scan(&record.ID, &record.URL, &createdAt, &updatedAt, &status, &manifestDigest, &packPath)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Case{}, notFound(caseID)
		}
		return Case{}, fmt.Errorf("get case: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	record.Status = Status(status)
	record.ManifestDigest = manifestDigest.String
	record.PackPath = packPath.String
	return record, nil
}

// UpdateCaseStatus sets status and, when non-empty, the manifest digest and
// pack path. Empty values leave the stored ones untouched.
func (s *Store) UpdateCaseStatus(ctx context.Context, caseID string, status Status, manifestDigest, packPath string) error {
	switch status {
	case StatusCreated, StatusCompleted, StatusFailed:
	default:
		return coreerrors.New(coreerrors.CategoryInvalidInput, "case_status_invalid", fmt.Sprintf("unknown case status %q", status))
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE cases
		    SET status = ?,
		        manifest_digest = COALESCE(NULLIF(?, ''), manifest_digest),
		        pack_path = COALESCE(NULLIF(?, ''), pack_path),
		        updated_at = ?
		  WHERE case_id = ?`,
		string(status), manifestDigest, packPath, toMillis(s.now()), strings.TrimSpace(caseID),
	)
	if err != nil {
		return fmt.Errorf("update case status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update case status: %w", err)
	}
	if affected == 0 {
		return notFound(caseID)
	}
	return nil
}

// AddArtifact records an artifact of caseID and returns the artifact id.
func (s *Store) AddArtifact(ctx context.Context, caseID, artifactType, path, digest, vaultRef string) (string, error) {
	if strings.TrimSpace(artifactType) == "" || strings.TrimSpace(path) == "" || strings.TrimSpace(digest) == "" {
		return "", coreerrors.New(coreerrors.CategoryInvalidInput, "artifact_invalid", "artifact type, path and digest are required")
	}
	artifactID := uuid.NewString()
	var ref sql.NullString
	if vaultRef != "" {
		ref = sql.NullString{String: vaultRef, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (artifact_id, case_id, artifact_type, path, digest, vault_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		artifactID, strings.TrimSpace(caseID), artifactType, path, digest, ref, toMillis(s.now()),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return "", notFound(caseID)
		}
		return "", fmt.Errorf("add artifact: %w", err)
	}
	return artifactID, nil
}

// GetArtifacts returns the artifacts of caseID in insertion order.
func (s *Store) GetArtifacts(ctx context.Context, caseID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT artifact_id, case_id, artifact_type, path, digest, vault_ref, created_at
		   FROM artifacts
		  WHERE case_id = ?
		  ORDER BY rowid`,
		strings.TrimSpace(caseID),
	)
	if err != nil {
		return nil, fmt.Errorf("get artifacts: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	artifacts := make([]Artifact, 0)
	for rows.Next() {
		var (
			artifact  Artifact
			vaultRef  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&artifact.ID, &artifact.CaseID, &artifact.Type, &artifact.Path, &artifact.Digest, &vaultRef, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifact.VaultRef = vaultRef.String
		artifact.CreatedAt = fromMillis(createdAt)
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get artifacts: %w", err)
	}
	return artifacts, nil
}

func notFound(caseID string) error {
	return coreerrors.Wrap(fmt.Errorf("%w: %q", ErrNotFound, caseID), coreerrors.CategoryNotFound, "case_not_found", "", false)
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}
