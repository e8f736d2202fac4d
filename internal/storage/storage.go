package storage

import (
	"context"
	"fmt"
	"time"

	"brokerinbox/backend/internal/domain"
)

// 存储层错误，均包装 domain 中的错误分类
var (
	ErrTenantNotFound      = fmt.Errorf("tenant %w", domain.ErrNotFound)
	ErrClientNotFound      = fmt.Errorf("client %w", domain.ErrNotFound)
	ErrPolicyNotFound      = fmt.Errorf("policy %w", domain.ErrNotFound)
	ErrTransactionNotFound = fmt.Errorf("transaction %w", domain.ErrNotFound)
	ErrDocumentNotFound    = fmt.Errorf("document %w", domain.ErrNotFound)
	ErrStatusConflict      = fmt.Errorf("transaction status changed concurrently: %w", domain.ErrConflict)
)

// TransactionFilter 交易列表查询条件
type TransactionFilter struct {
	TenantID string
	Status   domain.TransactionStatus // 为空表示全部状态
	Limit    int
	Offset   int
}

// TenantRepository 定义租户数据存取操作。
type TenantRepository interface {
	SaveTenant(ctx context.Context, tenant *domain.Tenant) error
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	GetTenantBySubdomain(ctx context.Context, subdomain string) (*domain.Tenant, error)
}

// DirectoryRepository 定义客户与保单数据存取操作。
//
// FindPolicyByNumber / FindClientByNumber 做不区分大小写的子串检索，
// 只返回第一条结果，没有结果时返回 ErrPolicyNotFound / ErrClientNotFound。
type DirectoryRepository interface {
	SaveClient(ctx context.Context, client *domain.Client) error
	SavePolicy(ctx context.Context, policy *domain.Policy) error
	GetClient(ctx context.Context, tenantID, id string) (*domain.Client, error)
	GetPolicy(ctx context.Context, tenantID, id string) (*domain.Policy, error)
	ListClients(ctx context.Context, tenantID string) ([]domain.Client, error)
	ListActivePolicies(ctx context.Context, tenantID, clientID string) ([]domain.Policy, error)
	FindPolicyByNumber(ctx context.Context, tenantID, fragment string) (*domain.Policy, *domain.Client, error)
	FindClientByNumber(ctx context.Context, tenantID, fragment string) (*domain.Client, error)
}

// InboxRepository 定义收件箱数据存取操作。
type InboxRepository interface {
	// GetOrCreateInbox 按 (tenantID, address) 查找收件箱，不存在时创建
	GetOrCreateInbox(ctx context.Context, tenantID, address string) (*domain.Inbox, error)
}

// TransactionRepository 定义邮件处理交易数据存取操作。
type TransactionRepository interface {
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	// GetTransaction 返回交易及其附件，tenantID 不匹配时视为不存在
	GetTransaction(ctx context.Context, tenantID, id string) (*domain.Transaction, error)
	// UpdateTransaction 仅当当前状态等于 expected 时写入，否则返回 ErrStatusConflict
	UpdateTransaction(ctx context.Context, tx *domain.Transaction, expected domain.TransactionStatus) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, int64, error)
	CountTransactionsByStatus(ctx context.Context, tenantID string) (map[domain.TransactionStatus]int64, error)
	SaveAttachment(ctx context.Context, att *domain.EmailAttachment) error
}

// DocumentRepository 定义归档文档数据存取操作。
type DocumentRepository interface {
	CreateDocument(ctx context.Context, doc *domain.Document) error
	GetDocument(ctx context.Context, tenantID, id string) (*domain.Document, error)
}

// AuditRepository 定义审计日志写入操作。
type AuditRepository interface {
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
}

// RateLimitRepository 定义限流操作。
type RateLimitRepository interface {
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)
	GetRateLimit(ctx context.Context, key string) (int64, error)
}

// DeliveryRepository 定义 webhook 投递去重操作。
type DeliveryRepository interface {
	// ClaimDelivery 首次声明 key 时返回 true，ttl 内重复声明返回 false
	ClaimDelivery(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// ReleaseDelivery 处理失败后释放声明，允许发送方重试
	ReleaseDelivery(ctx context.Context, key string) error
}

// Store 定义完整的存储接口。
type Store interface {
	TenantRepository
	DirectoryRepository
	InboxRepository
	TransactionRepository
	DocumentRepository
	AuditRepository
	RateLimitRepository
	DeliveryRepository

	// 工具方法
	Close() error
	Health(ctx context.Context) error
}
