// Package state persists the upstream registry to a JSON file with
// atomic writes, automatic backups, and cross-process file locking.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/mcplens/mcplens/internal/domain/registry"
)

// RegistryFile is the on-disk document wrapping the server list.
type RegistryFile struct {
	Servers   []registry.McpServer `json:"servers"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// FileRegistryStore manages reading and writing the registry file.
// Writes are atomic (write-tmp-fsync-rename) and guarded by both an
// in-process mutex and a cross-process flock.
type FileRegistryStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileRegistryStore creates a store for the given file path.
func NewFileRegistryStore(path string, logger *slog.Logger) *FileRegistryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileRegistryStore{path: path, logger: logger}
}

// Load reads and parses the registry file. A missing file yields an
// empty list; invalid JSON is an error.
func (s *FileRegistryStore) Load() ([]registry.McpServer, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("registry file not found, starting empty", "path", s.path)
			return nil, nil
		}
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	// Warn on permissions wider than 0600. Skipped on Windows where
	// Unix permission bits are not meaningful.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			mode := info.Mode().Perm()
			if mode&0o077 != 0 {
				s.logger.Warn("registry file has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var file RegistryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}
	return file.Servers, nil
}

// Save writes the server list to disk atomically.
//
// The write sequence is: in-process mutex, flock on path+".lock", copy
// the current file to path+".bak", marshal, write path+".tmp" with 0600
// permissions, fsync, rename over path.
func (s *FileRegistryStore) Save(servers []registry.McpServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	// Back up the current file; ignore a missing one.
	if currentData, readErr := os.ReadFile(s.path); readErr == nil {
		if writeErr := os.WriteFile(s.path+".bak", currentData, 0o600); writeErr != nil {
			s.logger.Warn("failed to create registry backup", "error", writeErr)
		}
	}

	data, err := json.MarshalIndent(RegistryFile{
		Servers:   servers,
		UpdatedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}

	if err := os.Chmod(s.path, 0o600); err != nil {
		s.logger.Warn("failed to set permissions on registry file", "error", err)
	}

	s.logger.Debug("registry saved", "path", s.path, "servers", len(servers))
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it
// over the target path. On any error the temp file is cleaned up.
func (s *FileRegistryStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to registry: %w", err)
	}
	return nil
}
