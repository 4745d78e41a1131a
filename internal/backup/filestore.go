package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	backupsDir  = "backups"
	restoresDir = "restores"
)

// FileStore keeps one indented JSON document per record:
//
//	<dir>/backups/<target-id>/<id>.json
//	<dir>/restores/<target-id>/<id>.json
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// Ensure FileStore satisfies Repository.
var _ Repository = (*FileStore)(nil)

// NewFileStore prepares dir for use.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store: directory is required")
	}
	for _, sub := range []string{backupsDir, restoresDir} {
		if err := EnsureDirectoryExist(filepath.Join(dir, sub)); err != nil {
			return nil, err
		}
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) backupPath(targetID, id string) string {
	return filepath.Join(s.dir, backupsDir, safeName(targetID), safeName(id)+".json")
}

func (s *FileStore) restorePath(targetID, id string) string {
	return filepath.Join(s.dir, restoresDir, safeName(targetID), safeName(id)+".json")
}

// CreateBackup stores a new record. It fails if the id already exists.
func (s *FileStore) CreateBackup(_ context.Context, rec *BackupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.backupPath(rec.TargetID, rec.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("backup %q already exists", rec.ID)
	}
	return writeJSON(path, rec)
}

// UpdateBackup replaces a stored record unless the stored copy is terminal.
func (s *FileStore) UpdateBackup(_ context.Context, rec *BackupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.backupPath(rec.TargetID, rec.ID)
	var stored BackupRecord
	if err := readJSON(path, &stored); err != nil {
		return err
	}
	if stored.Status.Terminal() {
		return fmt.Errorf("update backup %q: %w", rec.ID, ErrTerminalState)
	}
	return writeJSON(path, rec)
}

// GetBackup looks a record up by id across all targets.
func (s *FileStore) GetBackup(_ context.Context, id string) (*BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.find(backupsDir, id)
	if err != nil {
		return nil, err
	}
	var rec BackupRecord
	if err := readJSON(path, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListBackups returns every record stored for targetID.
func (s *FileStore) ListBackups(_ context.Context, targetID string) ([]*BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pattern := filepath.Join(s.dir, backupsDir, safeName(targetID), "*.json")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	out := make([]*BackupRecord, 0, len(paths))
	for _, p := range paths {
		var rec BackupRecord
		if err := readJSON(p, &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}

// DeleteBackup removes the metadata record. Artifact removal is the
// caller's job and must happen first.
func (s *FileStore) DeleteBackup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.find(backupsDir, id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete backup %q: %w", id, err)
	}
	return nil
}

// CreateRestore stores a new restore record.
func (s *FileStore) CreateRestore(_ context.Context, rec *RestoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.restorePath(rec.TargetID, rec.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("restore %q already exists", rec.ID)
	}
	return writeJSON(path, rec)
}

// UpdateRestore replaces a stored restore record unless it is terminal.
func (s *FileStore) UpdateRestore(_ context.Context, rec *RestoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.restorePath(rec.TargetID, rec.ID)
	var stored RestoreRecord
	if err := readJSON(path, &stored); err != nil {
		return err
	}
	if stored.Status.Terminal() {
		return fmt.Errorf("update restore %q: %w", rec.ID, ErrTerminalState)
	}
	return writeJSON(path, rec)
}

func (s *FileStore) find(kind, id string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, kind, "*", safeName(id)+".json"))
	if err != nil {
		return "", fmt.Errorf("find %q: %w", id, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%s %q: %w", strings.TrimSuffix(kind, "s"), id, ErrNotFound)
	}
	return matches[0], nil
}

// readJSON decodes the JSON document at filePath into v.
func readJSON(filePath string, v any) error {
	jsonFile, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", filepath.Base(filePath), ErrNotFound)
		}
		return fmt.Errorf("couldn't open record file %q: %w", filePath, err)
	}
	defer jsonFile.Close()
	if err := json.NewDecoder(jsonFile).Decode(v); err != nil {
		return fmt.Errorf("decode record JSON %q: %w", filePath, err)
	}
	return nil
}

// writeJSON writes v next to filePath and renames it into place so readers
// never see a half-written record.
func writeJSON(filePath string, v any) error {
	dirPath := filepath.Dir(filePath)
	if err := EnsureDirectoryExist(dirPath); err != nil {
		return fmt.Errorf("ensure record directory %q: %w", dirPath, err)
	}

	tmp, err := os.CreateTemp(dirPath, ".record-*")
	if err != nil {
		return fmt.Errorf("create record file in %q: %w", dirPath, err)
	}
	defer os.Remove(tmp.Name())

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("encode record JSON: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close record file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("rename record file %q: %w", filePath, err)
	}
	return nil
}

// safeName keeps ids from escaping their directory.
func safeName(s string) string {
	s = strings.ReplaceAll(s, string(filepath.Separator), "_")
	s = strings.ReplaceAll(s, "..", "_")
	if s == "" {
		return "_"
	}
	return s
}
