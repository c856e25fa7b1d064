// Package fsx holds the durable file primitives used by the vault, the key
// store, the custody log and pack output.
package fsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ErrExists is returned by WriteFileExclusive when the destination is already present.
var ErrExists = errors.New("file already exists")

// WriteFileAtomic replaces path with content through a synced temp file and rename.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	tempPath, err := writeTemp(path, content, mode)
	if err != nil {
		return err
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove destination before rename: %w", removeErr)
		}
		if renameErr := os.Rename(tempPath, path); renameErr != nil {
			return fmt.Errorf("rename temp file after remove: %w", renameErr)
		}
	}
	cleanup = false
	syncDirectory(filepath.Dir(path))
	return nil
}

// WriteFileExclusive publishes content at path only if nothing exists there yet.
// Readers never observe a partially written file: the content is synced to a temp
// file first and then hard-linked into place, which fails atomically when the
// destination already exists.
func WriteFileExclusive(path string, content []byte, mode os.FileMode) error {
	tempPath, err := writeTemp(path, content, mode)
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tempPath)
	}()
	if err := os.Link(tempPath, path); err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return fmt.Errorf("link temp file: %w", err)
	}
	syncDirectory(filepath.Dir(path))
	return nil
}

func writeTemp(path string, content []byte, mode os.FileMode) (string, error) {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	tempFile, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	fail := func(err error) (string, error) {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return "", err
	}
	if _, err := tempFile.Write(content); err != nil {
		return fail(fmt.Errorf("write temp file: %w", err))
	}
	if err := tempFile.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp file: %w", err))
	}
	if err := tempFile.Chmod(mode); err != nil {
		return fail(fmt.Errorf("chmod temp file: %w", err))
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tempPath, nil
}

func syncDirectory(path string) {
	if path == "" || path == "." {
		return
	}
	// #nosec G304 -- directory path is derived from an explicit destination path.
	if dirHandle, err := os.Open(path); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
}
