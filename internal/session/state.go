package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

const (
	stateDir  = ".loom"
	stateFile = "current_thread"
)

// StateFilePath returns the full path to the current-thread state file,
// creating ~/.loom if needed. LOOM_STATE_DIR overrides the directory.
func StateFilePath() (string, error) {
	stateDirPath := os.Getenv("LOOM_STATE_DIR")
	if stateDirPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		stateDirPath = filepath.Join(homeDir, stateDir)
	}
	if err := os.MkdirAll(stateDirPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}

	return filepath.Join(stateDirPath, stateFile), nil
}

// withStateLock runs fn while holding an exclusive lock on the state file,
// so concurrent sessions never interleave partial writes.
func withStateLock(path string, fn func() error) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock state file: %w", err)
	}
	defer func() { _ = lock.Unlock() }()
	return fn()
}

// LoadCurrentThreadID loads the most recently active thread id from the
// local state file. A missing or empty file means no current thread and is
// not an error.
func LoadCurrentThreadID() (string, error) {
	path, err := StateFilePath()
	if err != nil {
		return "", err
	}

	var threadID string
	err = withStateLock(path, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to read state file: %w", err)
		}
		threadID = strings.TrimSpace(string(data))
		return nil
	})
	return threadID, err
}

// SaveCurrentThreadID marks a thread as current. The write is atomic: a
// temp file in the same directory is renamed over the state file.
func SaveCurrentThreadID(threadID string) error {
	path, err := StateFilePath()
	if err != nil {
		return err
	}

	return withStateLock(path, func() error {
		tmp, err := os.CreateTemp(filepath.Dir(path), stateFile+".tmp-*")
		if err != nil {
			return fmt.Errorf("failed to create temp state file: %w", err)
		}
		tmpName := tmp.Name()
		if _, err := tmp.WriteString(threadID + "\n"); err != nil {
			tmp.Close()
			_ = os.Remove(tmpName)
			return fmt.Errorf("failed to write state file: %w", err)
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("failed to close state file: %w", err)
		}
		if err := os.Rename(tmpName, path); err != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("failed to replace state file: %w", err)
		}
		return nil
	})
}

// ClearCurrentThreadID removes the state file. Idempotent.
func ClearCurrentThreadID() error {
	path, err := StateFilePath()
	if err != nil {
		return err
	}

	return withStateLock(path, func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove state file: %w", err)
		}
		return nil
	})
}
