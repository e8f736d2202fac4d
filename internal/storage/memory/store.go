package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/storage"
)

// Store 使用内存保存租户、交易与文档数据，用于开发环境与测试。
type Store struct {
	mu sync.RWMutex

	tenants     map[string]*domain.Tenant // tenantID -> tenant
	bySubdomain map[string]string         // subdomain -> tenantID
	clients     map[string]*domain.Client // clientID -> client
	policies    map[string]*domain.Policy // policyID -> policy
	inboxes     map[string]*domain.Inbox  // "tenantID|address" -> inbox

	transactions map[string]*domain.Transaction      // transactionID -> transaction
	attachments  map[string][]domain.EmailAttachment // transactionID -> attachments
	documents    map[string]*domain.Document         // documentID -> document
	audit        []domain.AuditEntry

	// 速率限制相关
	rateLimits        map[string]*rateLimitEntry
	rateLimitsCleanup time.Time // 下次清理过期条目的时间

	// 投递去重
	deliveries map[string]time.Time // key -> 过期时间

	now func() time.Time
}

// rateLimitEntry 速率限制条目
type rateLimitEntry struct {
	Count     int64
	ExpiresAt time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		tenants:           make(map[string]*domain.Tenant),
		bySubdomain:       make(map[string]string),
		clients:           make(map[string]*domain.Client),
		policies:          make(map[string]*domain.Policy),
		inboxes:           make(map[string]*domain.Inbox),
		transactions:      make(map[string]*domain.Transaction),
		attachments:       make(map[string][]domain.EmailAttachment),
		documents:         make(map[string]*domain.Document),
		rateLimits:        make(map[string]*rateLimitEntry),
		rateLimitsCleanup: time.Now().Add(5 * time.Minute),
		deliveries:        make(map[string]time.Time),
		now:               time.Now,
	}
}

// ========== 租户 ==========

// SaveTenant 保存租户，子域名统一为小写。
func (s *Store) SaveTenant(_ context.Context, tenant *domain.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := *tenant
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.ID = strings.ToLower(t.ID)
	tenant.ID = t.ID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.Subdomain = strings.ToLower(t.Subdomain)

	if old, ok := s.tenants[t.ID]; ok && old.Subdomain != t.Subdomain {
		delete(s.bySubdomain, old.Subdomain)
	}
	s.tenants[t.ID] = &t
	if t.Subdomain != "" {
		s.bySubdomain[t.Subdomain] = t.ID
	}
	return nil
}

// GetTenant 根据 ID 获取租户。
func (s *Store) GetTenant(_ context.Context, id string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[strings.ToLower(id)]
	if !ok {
		return nil, storage.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

// GetTenantBySubdomain 根据子域名获取租户。
func (s *Store) GetTenantBySubdomain(ctx context.Context, subdomain string) (*domain.Tenant, error) {
	s.mu.RLock()
	id, ok := s.bySubdomain[strings.ToLower(subdomain)]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrTenantNotFound
	}
	return s.GetTenant(ctx, id)
}

// ========== 客户与保单 ==========

// SaveClient 保存客户。
func (s *Store) SaveClient(_ context.Context, client *domain.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *client
	if c.ID == "" {
		c.ID = uuid.NewString()
		client.ID = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.clients[c.ID] = &c
	return nil
}

// SavePolicy 保存保单。
func (s *Store) SavePolicy(_ context.Context, policy *domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := *policy
	if p.ID == "" {
		p.ID = uuid.NewString()
		policy.ID = p.ID
	}
	if p.Status == "" {
		p.Status = domain.PolicyStatusActive
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.policies[p.ID] = &p
	return nil
}

// GetClient 获取租户下的客户。
func (s *Store) GetClient(_ context.Context, tenantID, id string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok || c.TenantID != tenantID {
		return nil, storage.ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

// GetPolicy 获取租户下的保单。
func (s *Store) GetPolicy(_ context.Context, tenantID, id string) (*domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok || p.TenantID != tenantID {
		return nil, storage.ErrPolicyNotFound
	}
	cp := *p
	return &cp, nil
}

// ListClients 按姓名排序返回租户的全部客户。
func (s *Store) ListClients(_ context.Context, tenantID string) ([]domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Client, 0)
	for _, c := range s.clients {
		if c.TenantID == tenantID {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].FullName == result[j].FullName {
			return result[i].ID < result[j].ID
		}
		return result[i].FullName < result[j].FullName
	})
	return result, nil
}

// ListActivePolicies 返回客户名下状态为 active 的保单。
func (s *Store) ListActivePolicies(_ context.Context, tenantID, clientID string) ([]domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Policy, 0)
	for _, p := range s.policies {
		if p.TenantID == tenantID && p.ClientID == clientID && p.Status == domain.PolicyStatusActive {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PolicyNumber < result[j].PolicyNumber })
	return result, nil
}

// FindPolicyByNumber 保单号子串检索，只返回有所属客户的第一条保单。
func (s *Store) FindPolicyByNumber(_ context.Context, tenantID, fragment string) (*domain.Policy, *domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*domain.Policy
	for _, p := range s.policies {
		if p.TenantID == tenantID && domain.ContainsFold(p.PolicyNumber, fragment) {
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].PolicyNumber == candidates[j].PolicyNumber {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].PolicyNumber < candidates[j].PolicyNumber
	})

	for _, p := range candidates {
		owner, ok := s.clients[p.ClientID]
		if !ok || owner.TenantID != tenantID {
			continue
		}
		pc, cc := *p, *owner
		return &pc, &cc, nil
	}
	return nil, nil, storage.ErrPolicyNotFound
}

// FindClientByNumber 客户号子串检索，返回第一条。
func (s *Store) FindClientByNumber(_ context.Context, tenantID, fragment string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.Client
	for _, c := range s.clients {
		if c.TenantID != tenantID || !domain.ContainsFold(c.ClientNumber, fragment) {
			continue
		}
		if best == nil || c.ClientNumber < best.ClientNumber ||
			(c.ClientNumber == best.ClientNumber && c.ID < best.ID) {
			best = c
		}
	}
	if best == nil {
		return nil, storage.ErrClientNotFound
	}
	cp := *best
	return &cp, nil
}

// ========== 收件箱 ==========

// GetOrCreateInbox 按 (tenantID, address) 获取收件箱，不存在时创建。
func (s *Store) GetOrCreateInbox(_ context.Context, tenantID, address string) (*domain.Inbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	address = strings.ToLower(address)
	key := tenantID + "|" + address
	if inbox, ok := s.inboxes[key]; ok {
		cp := *inbox
		return &cp, nil
	}

	inbox := &domain.Inbox{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Address:   address,
		Status:    "active",
		CreatedAt: s.now(),
	}
	s.inboxes[key] = inbox
	cp := *inbox
	return &cp, nil
}

// ========== 交易 ==========

// CreateTransaction 保存新交易，附件需通过 SaveAttachment 单独保存。
func (s *Store) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	s.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

// GetTransaction 获取交易及其附件。
func (s *Store) GetTransaction(_ context.Context, tenantID, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok || tx.TenantID != tenantID {
		return nil, storage.ErrTransactionNotFound
	}
	cp := cloneTransaction(tx)
	cp.Attachments = append([]domain.EmailAttachment(nil), s.attachments[id]...)
	return cp, nil
}

// UpdateTransaction 当前状态等于 expected 时整体覆盖交易。
func (s *Store) UpdateTransaction(_ context.Context, tx *domain.Transaction, expected domain.TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.transactions[tx.ID]
	if !ok || current.TenantID != tx.TenantID {
		return storage.ErrTransactionNotFound
	}
	if current.Status != expected {
		return storage.ErrStatusConflict
	}

	tx.CreatedAt = current.CreatedAt
	tx.UpdatedAt = s.now()
	s.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

// ListTransactions 按接收时间倒序分页返回交易，同时返回过滤后的总数。
func (s *Store) ListTransactions(_ context.Context, filter storage.TransactionFilter) ([]domain.Transaction, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*domain.Transaction, 0)
	for _, tx := range s.transactions {
		if tx.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		matched = append(matched, tx)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ReceivedAt.Equal(matched[j].ReceivedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
	})

	total := int64(len(matched))
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	result := make([]domain.Transaction, 0, end-start)
	for _, tx := range matched[start:end] {
		cp := cloneTransaction(tx)
		cp.Attachments = append([]domain.EmailAttachment(nil), s.attachments[tx.ID]...)
		result = append(result, *cp)
	}
	return result, total, nil
}

// CountTransactionsByStatus 统计租户各状态交易数量。
func (s *Store) CountTransactionsByStatus(_ context.Context, tenantID string) (map[domain.TransactionStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.TransactionStatus]int64, len(domain.AllStatuses))
	for _, tx := range s.transactions {
		if tx.TenantID == tenantID {
			counts[tx.Status]++
		}
	}
	return counts, nil
}

// SaveAttachment 保存附件记录，交易必须已存在。
func (s *Store) SaveAttachment(_ context.Context, att *domain.EmailAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[att.TransactionID]; !ok {
		return storage.ErrTransactionNotFound
	}
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = s.now()
	}
	s.attachments[att.TransactionID] = append(s.attachments[att.TransactionID], *att)
	return nil
}

func cloneTransaction(tx *domain.Transaction) *domain.Transaction {
	cp := *tx
	cp.Attachments = nil
	if tx.CreatedDocumentIDs != nil {
		cp.CreatedDocumentIDs = append([]string(nil), tx.CreatedDocumentIDs...)
	}
	return &cp
}

// ========== 文档与审计 ==========

// CreateDocument 保存归档文档。
func (s *Store) CreateDocument(_ context.Context, doc *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now()
	}
	cp := *doc
	s.documents[doc.ID] = &cp
	return nil
}

// GetDocument 获取租户下的归档文档。
func (s *Store) GetDocument(_ context.Context, tenantID, id string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok || doc.TenantID != tenantID {
		return nil, storage.ErrDocumentNotFound
	}
	cp := *doc
	return &cp, nil
}

// AppendAudit 追加审计日志。
func (s *Store) AppendAudit(_ context.Context, entry *domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.audit = append(s.audit, *entry)
	return nil
}

// AuditEntries 返回租户的审计日志副本，按写入顺序。
func (s *Store) AuditEntries(tenantID string) []domain.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	for _, e := range s.audit {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out
}

// ========== 限流与去重 ==========

// IncrementRateLimit 固定窗口计数，窗口过期后从 1 重新开始。
func (s *Store) IncrementRateLimit(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// 每 5 分钟清理一次过期条目
	if now.After(s.rateLimitsCleanup) {
		for k, v := range s.rateLimits {
			if now.After(v.ExpiresAt) {
				delete(s.rateLimits, k)
			}
		}
		for k, exp := range s.deliveries {
			if now.After(exp) {
				delete(s.deliveries, k)
			}
		}
		s.rateLimitsCleanup = now.Add(5 * time.Minute)
	}

	entry, exists := s.rateLimits[key]
	if !exists || now.After(entry.ExpiresAt) {
		s.rateLimits[key] = &rateLimitEntry{Count: 1, ExpiresAt: now.Add(window)}
		return 1, nil
	}

	entry.Count++
	return entry.Count, nil
}

// GetRateLimit 获取限流计数
func (s *Store) GetRateLimit(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.rateLimits[key]
	if !exists || s.now().After(entry.ExpiresAt) {
		return 0, nil
	}
	return entry.Count, nil
}

// ClaimDelivery 声明一次投递，ttl 内重复声明返回 false。
func (s *Store) ClaimDelivery(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.deliveries[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.deliveries[key] = now.Add(ttl)
	return true, nil
}

// ReleaseDelivery 释放投递声明。
func (s *Store) ReleaseDelivery(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.deliveries, key)
	return nil
}

// ========== 工具方法 ==========

// Close 内存存储无需释放资源
func (s *Store) Close() error { return nil }

// Health 内存存储始终可用
func (s *Store) Health(context.Context) error { return nil }

var _ storage.Store = (*Store)(nil)
