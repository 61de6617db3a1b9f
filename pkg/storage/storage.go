// Package storage 提供持久化产物（分类器 bundle、索引快照、导出文件）的存取。
package storage

import "context"

// ArtifactStore 按 key 读写不可变产物。Get 在对象不存在时返回 model.ErrNotFound。
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Ping(ctx context.Context) error
}
