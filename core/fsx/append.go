package fsx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	appendLockTimeout    = 30 * time.Second
	appendLockRetry      = 10 * time.Millisecond
	appendLockStaleAfter = 2 * time.Minute
	maxInt               = int(^uint(0) >> 1)
)

// AppendLineLocked appends exactly one line to a file with a cross-process lock.
// The caller provides raw bytes for one record; a trailing newline is added and
// the file is fsynced before returning.
func AppendLineLocked(path string, line []byte, mode os.FileMode) error {
	return AppendLineLockedFunc(path, func() ([]byte, error) { return line, nil }, mode)
}

// AppendLineLockedFunc is AppendLineLocked with the record produced while the lock
// is held, so build may read the current file contents (for example to chain a
// hash onto the previous record) without racing other writers.
func AppendLineLockedFunc(path string, build func() ([]byte, error), mode os.FileMode) error {
	cleanPath, err := ValidateLocalOrAbsolutePath(path)
	if err != nil {
		return err
	}
	parent := filepath.Dir(cleanPath)
	if parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return fmt.Errorf("create append directory: %w", err)
		}
	}

	if err := withAppendFileLock(cleanPath, func() error {
		line, err := build()
		if err != nil {
			return err
		}
		if strings.ContainsRune(string(line), '\n') {
			return fmt.Errorf("append record must be a single line")
		}
		torn, err := endsWithoutNewline(cleanPath)
		if err != nil {
			return err
		}
		payloadCapacity, err := appendPayloadCapacity(len(line))
		if err != nil {
			return err
		}
		payload := make([]byte, 0, payloadCapacity+1)
		if torn {
			payload = append(payload, '\n')
		}
		payload = append(payload, line...)
		payload = append(payload, '\n')

		// #nosec G304 -- append path is validated local relative or absolute.
		file, openErr := os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
		if openErr != nil {
			return fmt.Errorf("open append file: %w", openErr)
		}
		defer func() {
			_ = file.Close()
		}()
		if _, writeErr := file.Write(payload); writeErr != nil {
			return fmt.Errorf("append file line: %w", writeErr)
		}
		if syncErr := file.Sync(); syncErr != nil {
			return fmt.Errorf("sync append file: %w", syncErr)
		}
		return nil
	}); err != nil {
		return err
	}

	if parent != "." && parent != "" {
		syncDirectory(parent)
	}
	return nil
}

// endsWithoutNewline reports whether a non-empty file was left mid-line, for
// example by a crash during a previous append.
func endsWithoutNewline(path string) (bool, error) {
	// #nosec G304 -- append path is validated local relative or absolute.
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open append file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	info, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("stat append file: %w", err)
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := file.ReadAt(last, info.Size()-1); err != nil {
		return false, fmt.Errorf("read append file tail: %w", err)
	}
	return last[0] != '\n', nil
}

func appendPayloadCapacity(lineLength int) (int, error) {
	if lineLength < 0 {
		return 0, fmt.Errorf("line length must be >= 0")
	}
	if lineLength >= maxInt {
		return 0, fmt.Errorf("line length exceeds maximum supported size")
	}
	return lineLength + 1, nil
}

func withAppendFileLock(path string, fn func() error) error {
	lockPath := path + ".lock"
	start := time.Now()
	for {
		// #nosec G304 -- lock path is derived from a validated append path.
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = lockFile.Close()
			defer func() {
				_ = os.Remove(lockPath)
			}()
			return fn()
		}
		if !isAppendLockContention(err, lockPath) {
			return fmt.Errorf("acquire append lock: %w", err)
		}
		if shouldRecoverStaleAppendLock(lockPath, time.Now().UTC()) {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Since(start) >= appendLockTimeout {
			return fmt.Errorf("append lock timeout")
		}
		time.Sleep(appendLockRetry)
	}
}

func isAppendLockContention(acquireErr error, lockPath string) bool {
	if os.IsExist(acquireErr) {
		return true
	}
	if !os.IsPermission(acquireErr) {
		return false
	}
	_, statErr := os.Stat(lockPath)
	return statErr == nil
}

func shouldRecoverStaleAppendLock(lockPath string, now time.Time) bool {
	// #nosec G304 -- lock path is derived from a validated append path.
	info, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime().UTC()) > appendLockStaleAfter
}

// ValidateLocalOrAbsolutePath rejects relative paths that escape the working directory.
func ValidateLocalOrAbsolutePath(path string) (string, error) {
	cleanPath := filepath.Clean(strings.TrimSpace(path))
	if cleanPath == "." || cleanPath == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsLocal(cleanPath) {
		return cleanPath, nil
	}
	if filepath.IsAbs(cleanPath) {
		return cleanPath, nil
	}
	return "", fmt.Errorf("path must be local relative or absolute")
}
