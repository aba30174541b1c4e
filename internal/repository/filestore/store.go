package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
)

const (
	recordExt       = ".toml"
	recordFileMode  = 0o600
	recordDirMode   = 0o700
	tempFilePattern = ".session-*.toml.tmp"
)

// Store хранит один TOML-документ на сессию в каталоге dir. Запись атомарная: temp + rename.
type Store struct {
	dir string
	mu  sync.RWMutex
}

func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(abs, recordDirMode); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dir: filepath.Clean(abs)}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	return filepath.Join(s.dir, id+recordExt), nil
}

func (s *Store) WriteRecord(ctx context.Context, rec *domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.path(rec.ID)
	if err != nil {
		return err
	}
	data, err := toml.Marshal(toSchema(rec))
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tempFile, err := os.CreateTemp(s.dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp record file: %w", err)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp record file: %w", err)
	}
	if err := tempFile.Chmod(recordFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp record file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp record file: %w", err)
	}
	if err := os.Rename(tempName, target); err != nil {
		return fmt.Errorf("replace record file: %w", err)
	}
	cleanup = false
	return nil
}

func (s *Store) ReadRecord(ctx context.Context, id string) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, err := os.ReadFile(p)
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}

	var rec recordSchema
	if err := toml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	if err := rec.validateVersion(); err != nil {
		return nil, err
	}
	return fromSchema(rec), nil
}

// ListRecordIDs: id в лексикографическом порядке, временные файлы пропускаются.
func (s *Store) ListRecordIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entries, err := os.ReadDir(s.dir)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteRecord для отсутствующей записи: не ошибка.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}
