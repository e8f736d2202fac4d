package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/storage"
)

// PoolOptions 连接池参数，零值使用默认值 25/5/5m
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store 基于 GORM 的关系型存储实现，支持 PostgreSQL 与 MySQL
type Store struct {
	db *gorm.DB
}

// rateLimitRow 固定窗口计数
type rateLimitRow struct {
	BucketKey string    `gorm:"primaryKey;type:varchar(255)"`
	Count     int64     `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index"`
}

func (rateLimitRow) TableName() string { return "rate_limits" }

// deliveryRow webhook 投递去重记录
type deliveryRow struct {
	DeliveryKey string    `gorm:"primaryKey;type:varchar(255)"`
	ExpiresAt   time.Time `gorm:"index"`
}

func (deliveryRow) TableName() string { return "webhook_deliveries" }

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string, opts PoolOptions) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn), opts)
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string, opts PoolOptions) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn), opts)
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, opts PoolOptions) (*Store, error) {
	config := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(orDefault(opts.MaxOpenConns, 25))
	sqlDB.SetMaxIdleConns(orDefault(opts.MaxIdleConns, 5))
	lifetime := opts.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	sqlDB.SetConnMaxLifetime(lifetime)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Tenant{},
		&domain.Client{},
		&domain.Policy{},
		&domain.Inbox{},
		&domain.Transaction{},
		&domain.EmailAttachment{},
		&domain.Document{},
		&domain.AuditEntry{},
		&rateLimitRow{},
		&deliveryRow{},
	)
}

// notFound 把 gorm.ErrRecordNotFound 转换为存储层错误
func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

// escapeLike 转义 LIKE 通配符
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + strings.ToLower(r.Replace(s)) + "%"
}

// ========== Tenant Repository ==========

// SaveTenant 保存租户
func (s *Store) SaveTenant(ctx context.Context, tenant *domain.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.NewString()
	}
	tenant.ID = strings.ToLower(tenant.ID)
	tenant.Subdomain = strings.ToLower(tenant.Subdomain)
	return s.db.WithContext(ctx).Save(tenant).Error
}

// GetTenant 根据 ID 获取租户
func (s *Store) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := s.db.WithContext(ctx).Where("id = ?", strings.ToLower(id)).First(&tenant).Error
	if err != nil {
		return nil, notFound(err, storage.ErrTenantNotFound)
	}
	return &tenant, nil
}

// GetTenantBySubdomain 根据子域名获取租户
func (s *Store) GetTenantBySubdomain(ctx context.Context, subdomain string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := s.db.WithContext(ctx).Where("subdomain = ?", strings.ToLower(subdomain)).First(&tenant).Error
	if err != nil {
		return nil, notFound(err, storage.ErrTenantNotFound)
	}
	return &tenant, nil
}

// ========== Directory Repository ==========

// SaveClient 保存客户
func (s *Store) SaveClient(ctx context.Context, client *domain.Client) error {
	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Save(client).Error
}

// SavePolicy 保存保单
func (s *Store) SavePolicy(ctx context.Context, policy *domain.Policy) error {
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	if policy.Status == "" {
		policy.Status = domain.PolicyStatusActive
	}
	return s.db.WithContext(ctx).Save(policy).Error
}

// GetClient 获取租户下的客户
func (s *Store) GetClient(ctx context.Context, tenantID, id string) (*domain.Client, error) {
	var client domain.Client
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&client).Error
	if err != nil {
		return nil, notFound(err, storage.ErrClientNotFound)
	}
	return &client, nil
}

// GetPolicy 获取租户下的保单
func (s *Store) GetPolicy(ctx context.Context, tenantID, id string) (*domain.Policy, error) {
	var policy domain.Policy
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&policy).Error
	if err != nil {
		return nil, notFound(err, storage.ErrPolicyNotFound)
	}
	return &policy, nil
}

// ListClients 按姓名排序列出租户的客户
func (s *Store) ListClients(ctx context.Context, tenantID string) ([]domain.Client, error) {
	clients := make([]domain.Client, 0)
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("full_name ASC, id ASC").
		Find(&clients).Error
	return clients, err
}

// ListActivePolicies 列出客户名下的有效保单
func (s *Store) ListActivePolicies(ctx context.Context, tenantID, clientID string) ([]domain.Policy, error) {
	policies := make([]domain.Policy, 0)
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND client_id = ? AND status = ?", tenantID, clientID, domain.PolicyStatusActive).
		Order("policy_number ASC").
		Find(&policies).Error
	return policies, err
}

// FindPolicyByNumber 保单号子串检索，连同所属客户一起返回
func (s *Store) FindPolicyByNumber(ctx context.Context, tenantID, fragment string) (*domain.Policy, *domain.Client, error) {
	var policy domain.Policy
	err := s.db.WithContext(ctx).
		Joins("JOIN clients ON clients.id = policies.client_id AND clients.tenant_id = policies.tenant_id").
		Where("policies.tenant_id = ? AND LOWER(policies.policy_number) LIKE ?", tenantID, escapeLike(fragment)).
		Order("policies.policy_number ASC, policies.id ASC").
		First(&policy).Error
	if err != nil {
		return nil, nil, notFound(err, storage.ErrPolicyNotFound)
	}

	client, err := s.GetClient(ctx, tenantID, policy.ClientID)
	if err != nil {
		return nil, nil, err
	}
	return &policy, client, nil
}

// FindClientByNumber 客户号子串检索
func (s *Store) FindClientByNumber(ctx context.Context, tenantID, fragment string) (*domain.Client, error) {
	var client domain.Client
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND LOWER(client_number) LIKE ?", tenantID, escapeLike(fragment)).
		Order("client_number ASC, id ASC").
		First(&client).Error
	if err != nil {
		return nil, notFound(err, storage.ErrClientNotFound)
	}
	return &client, nil
}

// ========== Inbox Repository ==========

// GetOrCreateInbox 获取收件箱，不存在时创建；并发创建依赖唯一索引去重
func (s *Store) GetOrCreateInbox(ctx context.Context, tenantID, address string) (*domain.Inbox, error) {
	address = strings.ToLower(address)
	db := s.db.WithContext(ctx)

	inbox := domain.Inbox{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Address:  address,
		Status:   "active",
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&inbox).Error; err != nil {
		return nil, fmt.Errorf("failed to create inbox: %w", err)
	}

	var existing domain.Inbox
	if err := db.Where("tenant_id = ? AND address = ?", tenantID, address).First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

// ========== Transaction Repository ==========

// CreateTransaction 创建交易记录，附件单独保存
func (s *Store) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Omit(clause.Associations).Create(tx).Error
}

// GetTransaction 获取交易及其附件
func (s *Store) GetTransaction(ctx context.Context, tenantID, id string) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := s.db.WithContext(ctx).
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&tx).Error
	if err != nil {
		return nil, notFound(err, storage.ErrTransactionNotFound)
	}
	return &tx, nil
}

// UpdateTransaction 条件更新：仅当数据库中的状态仍为 expected 时写入
func (s *Store) UpdateTransaction(ctx context.Context, tx *domain.Transaction, expected domain.TransactionStatus) error {
	db := s.db.WithContext(ctx)
	result := db.Model(tx).
		Where("tenant_id = ? AND status = ?", tx.TenantID, expected).
		Select("*").
		Omit(clause.Associations, "CreatedAt").
		Updates(tx)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := db.Model(&domain.Transaction{}).
		Where("id = ? AND tenant_id = ?", tx.ID, tx.TenantID).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return storage.ErrTransactionNotFound
	}
	return storage.ErrStatusConflict
}

// ListTransactions 按接收时间倒序分页列出交易
func (s *Store) ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]domain.Transaction, int64, error) {
	query := s.db.WithContext(ctx).Model(&domain.Transaction{}).Where("tenant_id = ?", filter.TenantID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	txs := make([]domain.Transaction, 0)
	q := query.Preload("Attachments").Order("received_at DESC, id DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if err := q.Find(&txs).Error; err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

// CountTransactionsByStatus 按状态统计交易数量
func (s *Store) CountTransactionsByStatus(ctx context.Context, tenantID string) (map[domain.TransactionStatus]int64, error) {
	var rows []struct {
		Status domain.TransactionStatus
		Total  int64
	}
	err := s.db.WithContext(ctx).Model(&domain.Transaction{}).
		Select("status, COUNT(*) AS total").
		Where("tenant_id = ?", tenantID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.TransactionStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

// SaveAttachment 保存附件记录
func (s *Store) SaveAttachment(ctx context.Context, att *domain.EmailAttachment) error {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(att).Error
}

// ========== Document Repository ==========

// CreateDocument 创建归档文档
func (s *Store) CreateDocument(ctx context.Context, doc *domain.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(doc).Error
}

// GetDocument 获取租户下的文档
func (s *Store) GetDocument(ctx context.Context, tenantID, id string) (*domain.Document, error) {
	var doc domain.Document
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&doc).Error
	if err != nil {
		return nil, notFound(err, storage.ErrDocumentNotFound)
	}
	return &doc, nil
}

// ========== Audit Repository ==========

// AppendAudit 写入审计日志
func (s *Store) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

// ========== Rate Limit / Delivery ==========

// IncrementRateLimit 固定窗口计数，窗口过期后从 1 重新开始
func (s *Store) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		seed := rateLimitRow{BucketKey: key, ExpiresAt: now.Add(window)}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		var row rateLimitRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("bucket_key = ?", key).First(&row).Error; err != nil {
			return err
		}
		if !row.ExpiresAt.After(now) {
			row.Count = 0
			row.ExpiresAt = now.Add(window)
		}
		row.Count++
		count = row.Count
		return tx.Save(&row).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	return count, nil
}

// GetRateLimit 获取当前窗口计数
func (s *Store) GetRateLimit(ctx context.Context, key string) (int64, error) {
	var row rateLimitRow
	err := s.db.WithContext(ctx).
		Where("bucket_key = ? AND expires_at > ?", key, time.Now().UTC()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Count, nil
}

// ClaimDelivery 声明一次投递，已存在且未过期时返回 false
func (s *Store) ClaimDelivery(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	db := s.db.WithContext(ctx)
	now := time.Now().UTC()

	result := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&deliveryRow{DeliveryKey: key, ExpiresAt: now.Add(ttl)})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	// 过期记录可被重新声明
	result = db.Model(&deliveryRow{}).
		Where("delivery_key = ? AND expires_at <= ?", key, now).
		Update("expires_at", now.Add(ttl))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ReleaseDelivery 删除投递声明
func (s *Store) ReleaseDelivery(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("delivery_key = ?", key).Delete(&deliveryRow{}).Error
}

// ========== 工具方法 ==========

// DB 返回底层 gorm 连接，供迁移命令使用
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ storage.Store = (*Store)(nil)
