package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/compliance-checker/compliance-checker/internal/addepar"
)

// FileStore keeps the snapshot as a CSV file in a cache directory. The
// retrieval time is the file's modification time, so a snapshot written by a
// previous process (or by the fetch subcommand) is picked up transparently.
type FileStore struct {
	path string
}

// NewFileStore creates the cache directory if needed and returns a store
// writing to <dir>/<file>.
func NewFileStore(dir, file string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir %s: %w", dir, err)
	}
	return &FileStore{path: filepath.Join(dir, file)}, nil
}

// Path returns the location of the snapshot file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(_ context.Context) (*addepar.Table, time.Time, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("stat %s: %w", s.path, err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading %s: %w", s.path, err)
	}
	table, err := addepar.ParseCSV(data)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parsing cached snapshot %s: %w", s.path, err)
	}

	return table, info.ModTime(), nil
}

func (s *FileStore) Put(_ context.Context, table *addepar.Table, fetched time.Time) error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if err := table.WriteCSV(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	if !fetched.IsZero() {
		if err := os.Chtimes(s.path, fetched, fetched); err != nil {
			return fmt.Errorf("setting snapshot time: %w", err)
		}
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context) error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *FileStore) Close() error { return nil }
