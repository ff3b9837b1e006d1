package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/curbwatch/hotspots/engine/domain"
)

// LocalStore writes artifacts under Root on the local filesystem.
type LocalStore struct {
	Root string
}

// NewLocalStore creates Root if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &LocalStore{Root: root}, nil
}

// ImagePath is the absolute image path for k.
func (s *LocalStore) ImagePath(k Key) string {
	return filepath.Join(s.Root, filepath.FromSlash(k.ImageName()))
}

// MetaPath is the absolute metadata path for k.
func (s *LocalStore) MetaPath(k Key) string {
	return filepath.Join(s.Root, filepath.FromSlash(k.MetaName()))
}

// Exists reports whether the image file is present.
func (s *LocalStore) Exists(_ context.Context, k Key) (bool, error) {
	_, err := os.Stat(s.ImagePath(k))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", k, err)
}

// Put streams body into a temp file, verifies it, writes the metadata and
// renames the temp file into place.
func (s *LocalStore) Put(ctx context.Context, k Key, body io.Reader, size int64, meta Metadata) (int64, error) {
	if ok, err := s.Exists(ctx, k); err != nil {
		return 0, err
	} else if ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrAlreadyPersisted, k)
	}

	dir := filepath.Join(s.Root, k.Dir())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create cluster dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+k.ImageID+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	v := &verifier{r: body, want: size}
	n, err := io.Copy(tmp, v)
	if err != nil {
		if errors.Is(err, domain.ErrTruncated) {
			return n, err
		}
		return n, fmt.Errorf("%w: %v", domain.ErrDownloadFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("sync %s: %w", k, err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", k, err)
	}

	meta.Bytes = n
	data, err := meta.Encode()
	if err != nil {
		return n, err
	}
	if err := writeFileAtomic(s.MetaPath(k), data); err != nil {
		return n, fmt.Errorf("write metadata %s: %w", k, err)
	}

	if err := os.Rename(tmp.Name(), s.ImagePath(k)); err != nil {
		return n, fmt.Errorf("commit %s: %w", k, err)
	}
	committed = true
	return n, nil
}

func writeFileAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".*.part")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), name)
}
