package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 对象元数据键
const (
	metaOriginalFilename = "original-filename"
	metaTenantID         = "tenant-id"
	metaUploadedAt       = "uploaded-at"
)

// S3Options S3 兼容服务（含 Cloudflare R2）连接参数
type S3Options struct {
	Bucket          string
	Endpoint        string // 为空时使用 AWS 默认端点
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store S3 兼容对象存储后端
type S3Store struct {
	bucket  string
	client  *s3.Client
	presign *s3.PresignClient
}

// NewS3Store 创建 S3 后端
func NewS3Store(_ context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "auto"
	}

	s3opts := s3.Options{
		Region:       region,
		UsePathStyle: opts.Endpoint != "",
	}
	if opts.Endpoint != "" {
		s3opts.BaseEndpoint = aws.String(opts.Endpoint)
	}
	if opts.AccessKeyID != "" {
		s3opts.Credentials = credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")
	}

	client := s3.New(s3opts)
	return &S3Store{
		bucket:  opts.Bucket,
		client:  client,
		presign: s3.NewPresignClient(client),
	}, nil
}

// Put 上传对象
func (s *S3Store) Put(ctx context.Context, key string, content []byte, contentType string, meta Metadata) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String(contentType),
		Metadata: map[string]string{
			metaOriginalFilename: url.QueryEscape(meta.OriginalFilename),
			metaTenantID:         meta.TenantID,
			metaUploadedAt:       meta.UploadedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	return nil
}

// Get 下载对象
func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to download object %s: %w", key, err)
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}

	return &Object{
		Key:         key,
		ContentType: aws.ToString(out.ContentType),
		Size:        int64(len(content)),
		Content:     content,
		Metadata:    metadataFromHeaders(out.Metadata),
	}, nil
}

// Delete 删除对象
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// SignedURL 生成限时 GET 链接
func (s *S3Store) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s: %w", key, err)
	}
	return req.URL, nil
}

func metadataFromHeaders(h map[string]string) Metadata {
	var meta Metadata
	if v, err := url.QueryUnescape(h[metaOriginalFilename]); err == nil {
		meta.OriginalFilename = v
	}
	meta.TenantID = h[metaTenantID]
	if t, err := time.Parse(time.RFC3339, h[metaUploadedAt]); err == nil {
		meta.UploadedAt = t
	}
	return meta
}
