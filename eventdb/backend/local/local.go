package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/cedricziel/errata/eventdb/backend"
	"github.com/cedricziel/errata/pkg/util"
)

// Backend stores objects on the local filesystem. Intermediate
// directories are created on write; writes go to a temp name and are
// renamed into place so readers never observe partial files.
type Backend struct {
	cfg *Config
}

var _ backend.Backend = (*Backend)(nil)

func New(cfg *Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, errors.New("local backend requires a path")
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating base path %s", cfg.Path)
	}
	return &Backend{cfg: cfg}, nil
}

func (b *Backend) abs(path string) string {
	return filepath.Join(b.cfg.Path, filepath.FromSlash(path))
}

func (b *Backend) List(_ context.Context, prefix string) ([]backend.FileInfo, error) {
	entries, err := os.ReadDir(b.abs(prefix))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", prefix)
	}

	var files []backend.FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// raced with a concurrent delete, skip
			continue
		}
		files = append(files, backend.FileInfo{
			Path: joinPath(prefix, e.Name()),
			Name: e.Name(),
			Size: info.Size(),
		})
	}
	return files, nil
}

func (b *Backend) ListPrefixes(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.abs(prefix))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listing prefixes under %s", prefix)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

func (b *Backend) Open(_ context.Context, path string) (io.ReadCloser, int64, error) {
	f, err := os.Open(b.abs(path))
	if os.IsNotExist(err) {
		return nil, 0, backend.ErrDoesNotExist
	}
	if err != nil {
		return nil, 0, errors.Wrapf(err, "opening %s", path)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, errors.Wrapf(err, "statting %s", path)
	}
	return f, stat.Size(), nil
}

func (b *Backend) Write(_ context.Context, path string, data io.Reader, _ int64) error {
	dst := b.abs(path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "creating directories for %s", path)
	}

	tmp := dst + ".tmp-" + util.NewUUIDv7()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrapf(err, "creating temp file for %s", path)
	}

	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "closing %s", path)
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "renaming %s into place", path)
	}
	return nil
}

func (b *Backend) Remove(_ context.Context, path string) error {
	err := os.Remove(b.abs(path))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", path)
	}
	return nil
}

func (b *Backend) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(b.abs(path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "statting %s", path)
	}
	return true, nil
}

func (b *Backend) BasePath() string { return b.cfg.Path }

func (b *Backend) Kind() backend.Kind { return backend.KindLocal }

func (b *Backend) Shutdown() {}

func joinPath(prefix, name string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
