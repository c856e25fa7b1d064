// Package zipx writes byte-stable zip archives and reads them back with size limits.
package zipx

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
)

// MaxEntryBytes bounds any single member read back from an archive.
const MaxEntryBytes = int64(256 * 1024 * 1024)

var deterministicTimestamp = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

type File struct {
	Path string
	Data []byte
	Mode uint32
}

// WriteDeterministicZip writes files sorted by path with fixed timestamps so
// that equal inputs produce identical archives.
func WriteDeterministicZip(w io.Writer, files []File) error {
	sorted := append([]File(nil), files...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	seen := make(map[string]struct{}, len(sorted))
	for _, file := range sorted {
		if err := checkMemberPath(file.Path); err != nil {
			return err
		}
		if _, dup := seen[file.Path]; dup {
			return fmt.Errorf("duplicate zip member: %s", file.Path)
		}
		seen[file.Path] = struct{}{}
	}

	writer := zip.NewWriter(w)
	writer.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	for _, file := range sorted {
		mode := file.Mode
		if mode == 0 {
			mode = 0o644
		}
		header := &zip.FileHeader{
			Name:     file.Path,
			Method:   zip.Deflate,
			Modified: deterministicTimestamp,
		}
		header.SetMode(os.FileMode(mode).Perm())
		entry, err := writer.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("create zip member %s: %w", file.Path, err)
		}
		if _, err := entry.Write(file.Data); err != nil {
			return fmt.Errorf("write zip member %s: %w", file.Path, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close zip: %w", err)
	}
	return nil
}

func checkMemberPath(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("zip member path is required")
	}
	if strings.Contains(name, "\\") || strings.HasPrefix(name, "/") {
		return fmt.Errorf("zip member path must be relative with forward slashes: %s", name)
	}
	if path.Clean(name) != name {
		return fmt.Errorf("zip member path must be clean: %s", name)
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return fmt.Errorf("zip member path must not traverse parents: %s", name)
		}
	}
	return nil
}

// Archive is an opened zip with members indexed by name. A name stored more
// than once keeps its first entry in Files and is listed in Duplicates.
type Archive struct {
	reader     *zip.ReadCloser
	Files      map[string]*zip.File
	Names      []string
	Duplicates []string
}

func Open(archivePath string) (*Archive, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	reader.RegisterDecompressor(zip.Deflate, flate.NewReader)
	archive := &Archive{reader: reader, Files: make(map[string]*zip.File, len(reader.File))}
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		if _, seen := archive.Files[file.Name]; seen {
			if !containsName(archive.Duplicates, file.Name) {
				archive.Duplicates = append(archive.Duplicates, file.Name)
			}
			continue
		}
		archive.Files[file.Name] = file
		archive.Names = append(archive.Names, file.Name)
	}
	sort.Strings(archive.Names)
	sort.Strings(archive.Duplicates)
	return archive, nil
}

func containsName(names []string, name string) bool {
	for _, candidate := range names {
		if candidate == name {
			return true
		}
	}
	return false
}

func (a *Archive) Close() error {
	if a == nil || a.reader == nil {
		return nil
	}
	return a.reader.Close()
}

// Read returns a member's content, or false when the archive has no such member.
func (a *Archive) Read(name string) ([]byte, bool, error) {
	file, ok := a.Files[name]
	if !ok {
		return nil, false, nil
	}
	data, err := ReadFile(file)
	return data, true, err
}

func ReadFile(file *zip.File) ([]byte, error) {
	reader, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close()
	}()
	payload, err := io.ReadAll(io.LimitReader(reader, MaxEntryBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > MaxEntryBytes {
		return nil, fmt.Errorf("zip entry too large: %s", file.Name)
	}
	return payload, nil
}

// HashFile streams a member through sha256.
func HashFile(file *zip.File) (string, error) {
	reader, err := file.Open()
	if err != nil {
		return "", err
	}
	defer func() {
		_ = reader.Close()
	}()
	hasher := sha256.New()
	n, err := io.Copy(hasher, io.LimitReader(reader, MaxEntryBytes+1))
	if err != nil {
		return "", err
	}
	if n > MaxEntryBytes {
		return "", fmt.Errorf("zip entry too large: %s", file.Name)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
