// Package objectstore 保存附件与归档文档的原始字节。
//
// key 布局为 {tenantId}/{folder}/{uuid}.{ext}，元数据记录原始文件名、租户与上传时间。
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"brokerinbox/backend/internal/config"
)

var (
	// ErrObjectNotFound 对象不存在
	ErrObjectNotFound = errors.New("object not found")
	// ErrSignedURLUnsupported 后端不支持签名下载链接，调用方应直接读取内容
	ErrSignedURLUnsupported = errors.New("signed urls not supported by backend")
	// ErrInvalidKey key 为空或包含路径穿越
	ErrInvalidKey = errors.New("invalid object key")
)

// 存储目录
const (
	FolderEmailAttachments = "email-attachments"
	FolderDocuments        = "documents"
	FolderManualUploads    = "manual-uploads"
)

// Metadata 对象元数据
type Metadata struct {
	OriginalFilename string    `json:"originalFilename"`
	TenantID         string    `json:"tenantId"`
	UploadedAt       time.Time `json:"uploadedAt"`
}

// Object 读取到的对象
type Object struct {
	Key         string
	ContentType string
	Size        int64
	Content     []byte
	Metadata    Metadata
}

// Store 对象存储接口
type Store interface {
	Put(ctx context.Context, key string, content []byte, contentType string, meta Metadata) error
	Get(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
	// SignedURL 返回限时下载链接，不支持时返回 ErrSignedURLUnsupported
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// BuildKey 生成 {tenantId}/{folder}/{uuid}.{ext}，扩展名取自原始文件名，缺省为 bin
func BuildKey(tenantID, folder, filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext == "" || !isAlnum(ext) {
		ext = "bin"
	}
	return fmt.Sprintf("%s/%s/%s.%s", tenantID, folder, uuid.NewString(), ext)
}

// validateKey 拒绝空 key、绝对路径与路径穿越
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return len(s) <= 10
}

// New 按配置创建对象存储后端
func New(ctx context.Context, cfg config.ObjectStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "filesystem":
		return NewFilesystemStore(cfg.Path)
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:          cfg.Bucket,
			Endpoint:        cfg.Endpoint,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unsupported object store backend: %s", cfg.Backend)
	}
}
