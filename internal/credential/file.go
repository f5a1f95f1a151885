package credential

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/islombek4642/tgsecret/internal/errors"
	"github.com/islombek4642/tgsecret/internal/keylock"
	"github.com/islombek4642/tgsecret/internal/user"
)

const (
	filePrefix = "session_"
	fileSuffix = ".cred"
)

// FileStore keeps one file per user under a private directory. Writes go
// through a temp file and rename, so a crash mid-write leaves the previous
// record intact.
type FileStore struct {
	dir   string
	opts  options
	locks *keylock.Locker[user.ID]
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (creating if needed) a store rooted at dir.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.NewStorageError("open", err)
	}
	return &FileStore{dir: dir, opts: o, locks: keylock.New[user.ID]()}, nil
}

// Dir returns the directory the store writes to.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id user.ID) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d%s", filePrefix, id, fileSuffix))
}

func (s *FileStore) Put(ctx context.Context, id user.ID, c Credential) error {
	if err := validatePut(id, c); err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	c.UserID = id
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.opts.now()
	}
	return s.write(id, c)
}

func (s *FileStore) write(id user.ID, c Credential) error {
	data, err := encodeRecord(c, s.opts.sealer)
	if err != nil {
		return errors.NewStorageError("put", err).WithUser(int64(id))
	}
	if err := atomicWriteFile(s.path(id), data, 0600); err != nil {
		return errors.NewStorageError("put", err).WithUser(int64(id))
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, id user.ID) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	return s.read(id)
}

func (s *FileStore) read(id user.ID) (Credential, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Credential{}, notFound(id)
		}
		return Credential{}, errors.NewStorageError("get", err).WithUser(int64(id))
	}
	c, err := decodeRecord(id, data, s.opts.sealer)
	if err != nil {
		return Credential{}, errors.NewStorageError("get", err).WithUser(int64(id))
	}
	return c, nil
}

func (s *FileStore) Invalidate(ctx context.Context, id user.ID, reason string) error {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := s.read(id)
	if err != nil {
		return err
	}
	return s.write(id, invalidate(c, reason, s.opts.now()))
}

func (s *FileStore) Delete(ctx context.Context, id user.ID) error {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return errors.NewStorageError("delete", err).WithUser(int64(id))
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]user.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.NewStorageError("list", err)
	}

	var ids []user.ID
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id, err := user.Parse(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// atomicWriteFile replaces path with data. The temp file lives in the same
// directory so the final rename never crosses a filesystem.
func atomicWriteFile(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
