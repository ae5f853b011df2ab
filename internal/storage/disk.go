package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tempPrefix = ".tmp-"

// DiskStore keeps objects as plain files under baseDir. Keys are slash separated
// relative paths such as "2026/10/16/<id>_clip.mp4".
type DiskStore struct {
	baseDir string
}

func NewDiskStore(baseDir string) (*DiskStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("disk store: base dir is empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &DiskStore{baseDir: baseDir}, nil
}

func (s *DiskStore) path(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if key == "" || !filepath.IsLocal(rel) {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.baseDir, rel), nil
}

// Put writes to a temp file in the target directory and renames it into place, so a
// key is either absent or complete.
func (s *DiskStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	absPath, err := s.path(key)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create upload directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(tmpName, absPath); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("failed to move file into place: %w", err)
	}
	return n, nil
}

func (s *DiskStore) Open(_ context.Context, key string) (Object, error) {
	absPath, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(absPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &diskObject{f: f, size: info.Size()}, nil
}

func (s *DiskStore) Delete(_ context.Context, key string) error {
	absPath, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(absPath)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (s *DiskStore) List(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	return keys, err
}

// diskObject keeps one descriptor open for the lifetime of a response. The descriptor
// stays readable if the file is unlinked meanwhile.
type diskObject struct {
	f    *os.File
	size int64
}

func (o *diskObject) Size() int64 { return o.size }

func (o *diskObject) ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	if err := checkRange(o.size, offset, length); err != nil {
		return nil, err
	}
	return io.NopCloser(&ctxReader{ctx: ctx, r: io.NewSectionReader(o.f, offset, length)}), nil
}

func (o *diskObject) Close() error {
	return o.f.Close()
}
