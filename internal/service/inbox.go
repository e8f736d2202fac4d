package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/objectstore"
	"brokerinbox/backend/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// InboxPage 审核队列分页结果
type InboxPage struct {
	Transactions []domain.Transaction `json:"transactions"`
	Total        int64                `json:"total"`
	Counts       map[string]int64     `json:"counts"`
}

// Download 文档下载方式：URL 非空时重定向，否则直接返回 Object 内容
type Download struct {
	Document *domain.Document
	URL      string
	Object   *objectstore.Object
}

// InboxService 审核人员的只读查询：队列、详情、客户、保单与文档下载。
type InboxService struct {
	store        storage.Store
	objects      objectstore.Store
	signedURLTTL time.Duration
}

// NewInboxService 创建查询服务
func NewInboxService(store storage.Store, objects objectstore.Store, signedURLTTL time.Duration) *InboxService {
	if signedURLTTL <= 0 {
		signedURLTTL = time.Hour
	}
	return &InboxService{store: store, objects: objects, signedURLTTL: signedURLTTL}
}

// List 按状态分页列出交易，并返回各状态计数（含 "all"）
//
// status 为空或 "all" 表示全部状态。
func (s *InboxService) List(ctx context.Context, tenantID, status string, limit, offset int) (*InboxPage, error) {
	filter := storage.TransactionFilter{TenantID: tenantID, Limit: limit, Offset: offset}
	if status != "" && status != "all" {
		st := domain.TransactionStatus(status)
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status)
		}
		filter.Status = st
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	txs, total, err := s.store.ListTransactions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	byStatus, err := s.store.CountTransactionsByStatus(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	counts := make(map[string]int64, len(domain.AllStatuses)+1)
	var all int64
	for _, st := range domain.AllStatuses {
		counts[string(st)] = byStatus[st]
		all += byStatus[st]
	}
	counts["all"] = all

	if txs == nil {
		txs = []domain.Transaction{}
	}
	return &InboxPage{Transactions: txs, Total: total, Counts: counts}, nil
}

// Get 返回交易详情及附件
func (s *InboxService) Get(ctx context.Context, tenantID, id string) (*domain.Transaction, error) {
	return s.store.GetTransaction(ctx, tenantID, id)
}

// Clients 列出租户的客户，供人工选择
func (s *InboxService) Clients(ctx context.Context, tenantID string) ([]domain.Client, error) {
	clients, err := s.store.ListClients(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return clients, nil
}

// Policies 列出客户的有效保单
func (s *InboxService) Policies(ctx context.Context, tenantID, clientID string) ([]domain.Policy, error) {
	if _, err := s.store.GetClient(ctx, tenantID, clientID); err != nil {
		return nil, err
	}
	policies, err := s.store.ListActivePolicies(ctx, tenantID, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	return policies, nil
}

// Download 返回归档文档的签名下载链接；后端不支持签名链接时读取内容
func (s *InboxService) Download(ctx context.Context, tenantID, documentID string) (*Download, error) {
	doc, err := s.store.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}

	url, err := s.objects.SignedURL(ctx, doc.StorageKey, s.signedURLTTL)
	if err == nil {
		return &Download{Document: doc, URL: url}, nil
	}
	if !errors.Is(err, objectstore.ErrSignedURLUnsupported) {
		return nil, fmt.Errorf("failed to sign download url: %w", err)
	}

	obj, err := s.objects.Get(ctx, doc.StorageKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return nil, fmt.Errorf("document content %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return &Download{Document: doc, Object: obj}, nil
}
