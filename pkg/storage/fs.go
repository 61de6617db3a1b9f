package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/spf13/afero"

	"nutri-advisor-go/internal/model"
)

// FSStore 把产物写入 afero 文件系统的某个目录，本地开发用 OsFs，测试用 MemMapFs。
type FSStore struct {
	fs afero.Fs
}

// NewFSStore 以 root 为根目录创建产物存储。
func NewFSStore(base afero.Fs, root string) (*FSStore, error) {
	if err := base.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("创建产物目录失败: %w", err)
	}
	return &FSStore{fs: afero.NewBasePathFs(base, root)}, nil
}

func (s *FSStore) Put(_ context.Context, key string, data []byte, _ string) error {
	if err := s.fs.MkdirAll(path.Dir(key), 0o755); err != nil {
		return err
	}
	tmp := key + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return err
	}
	return s.fs.Rename(tmp, key)
}

func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, key)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, model.NewNotFoundError("storage.get", "artifact %s", key)
	}
	return data, err
}

func (s *FSStore) Ping(_ context.Context) error {
	_, err := s.fs.Stat("/")
	return err
}
