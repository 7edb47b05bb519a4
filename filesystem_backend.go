package crmbase

import (
	"context"
	"os"
	"path/filepath"
)

// FilesystemBackend implements Backend using local filesystem
type FilesystemBackend struct {
	basePath string
	locks    *StripedLocks // Fine-grained locking per key
}

// NewFilesystemBackend creates a new filesystem backend rooted at basePath
func NewFilesystemBackend(basePath string) *FilesystemBackend {
	return &FilesystemBackend{
		basePath: basePath,
		locks:    NewStripedLocks(32),
	}
}

func (b *FilesystemBackend) getPath(key string) string {
	return filepath.Join(b.basePath, key)
}

func (b *FilesystemBackend) Get(ctx context.Context, key string) ([]byte, error) {
	unlock := b.locks.RLock(key)
	defer unlock()
	return b.read(key)
}

func (b *FilesystemBackend) read(key string) ([]byte, error) {
	data, err := os.ReadFile(b.getPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, WithContext(ErrNotFound, map[string]interface{}{"path": b.getPath(key)})
		}
		if os.IsPermission(err) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return data, nil
}

func (b *FilesystemBackend) Put(ctx context.Context, key string, data []byte) error {
	unlock := b.locks.Lock(key)
	defer unlock()
	return b.write(key, data)
}

func (b *FilesystemBackend) write(key string, data []byte) error {
	path := b.getPath(key)
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return err
	}
	return os.WriteFile(path, data, DefaultFilePermissions)
}

func (b *FilesystemBackend) Copy(ctx context.Context, src, dst string) error {
	unlockSrc := b.locks.RLock(src)
	data, err := b.read(src)
	unlockSrc()
	if err != nil {
		return err
	}

	unlock := b.locks.Lock(dst)
	defer unlock()
	return b.write(dst, data)
}

func (b *FilesystemBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(b.getPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *FilesystemBackend) Ping(ctx context.Context) error {
	_, err := os.Stat(b.basePath)
	if os.IsNotExist(err) {
		return os.MkdirAll(b.basePath, DefaultDirPermissions)
	}
	return err
}

func (b *FilesystemBackend) Close() error {
	return nil
}
