package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// metaSuffix 元数据旁路文件后缀
const metaSuffix = ".meta.json"

// FilesystemStore 本地文件系统后端，用于开发与单机部署
type FilesystemStore struct {
	basePath string
}

// fileMeta 旁路元数据文件内容
type fileMeta struct {
	Metadata
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	SavedAt     string `json:"savedAt"`
}

// NewFilesystemStore 创建文件系统存储，根目录不存在时自动创建
func NewFilesystemStore(basePath string) (*FilesystemStore, error) {
	if err := ValidatePath(basePath); err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}

	normalized := NormalizePath(basePath)
	if err := os.MkdirAll(normalized, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FilesystemStore{basePath: normalized}, nil
}

// Put 写入对象及其元数据
func (s *FilesystemStore) Put(_ context.Context, key string, content []byte, contentType string, meta Metadata) error {
	file, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	if err := os.WriteFile(file, content, 0644); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}

	data, _ := json.MarshalIndent(fileMeta{
		Metadata:    meta,
		ContentType: contentType,
		Size:        int64(len(content)),
		SavedAt:     time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err := os.WriteFile(file+metaSuffix, data, 0644); err != nil {
		return fmt.Errorf("failed to write object metadata: %w", err)
	}
	return nil
}

// Get 读取对象；元数据缺失时只返回内容
func (s *FilesystemStore) Get(_ context.Context, key string) (*Object, error) {
	file, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	obj := &Object{Key: key, Content: content, Size: int64(len(content))}
	if data, err := os.ReadFile(file + metaSuffix); err == nil {
		var meta fileMeta
		if json.Unmarshal(data, &meta) == nil {
			obj.ContentType = meta.ContentType
			obj.Metadata = meta.Metadata
		}
	}
	return obj, nil
}

// Delete 删除对象，不存在时不报错
func (s *FilesystemStore) Delete(_ context.Context, key string) error {
	file, err := s.resolve(key)
	if err != nil {
		return err
	}
	for _, f := range []string{file, file + metaSuffix} {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete object: %w", err)
		}
	}
	return nil
}

// SignedURL 文件系统后端不支持签名链接
func (s *FilesystemStore) SignedURL(context.Context, string, time.Duration) (string, error) {
	return "", ErrSignedURLUnsupported
}

// Stats 统计对象数量与总字节数
func (s *FilesystemStore) Stats() (objects int, totalBytes int64, err error) {
	err = filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || filepath.Ext(p) == ".json" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		objects++
		totalBytes += info.Size()
		return nil
	})
	return objects, totalBytes, err
}

func (s *FilesystemStore) resolve(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}
