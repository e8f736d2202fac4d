package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"brokerinbox/backend/internal/cache"
	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/mailparse"
	"brokerinbox/backend/internal/storage"
)

// ErrUnresolvableRecipient 收件地址无法识别出租户
var ErrUnresolvableRecipient = fmt.Errorf("%w: recipient does not identify a tenant", domain.ErrValidation)

// TenantHint 定位租户所需的线索
type TenantHint struct {
	ID         string   // X-Tenant-ID 请求头
	Subdomain  string   // X-Tenant-Subdomain 请求头
	Recipients []string // 邮件 To 地址
}

// TenantService 负责从请求头或收件地址解析租户，带本地缓存。
type TenantService struct {
	repo       storage.TenantRepository
	mailDomain string
	cache      *cache.LocalCache[*domain.Tenant]
	ttl        time.Duration
}

// NewTenantService 创建租户服务
//
// 参数:
//   - repo: 租户存储
//   - mailDomain: 收件地址根域名
//   - localCache: 本地缓存，可以为 nil
func NewTenantService(repo storage.TenantRepository, mailDomain string, localCache *cache.LocalCache[*domain.Tenant]) *TenantService {
	return &TenantService{
		repo:       repo,
		mailDomain: mailDomain,
		cache:      localCache,
		ttl:        5 * time.Minute,
	}
}

// MailDomain 返回收件地址根域名
func (s *TenantService) MailDomain() string {
	return s.mailDomain
}

// Resolve 解析租户并返回用于创建收件箱的地址。
//
// 优先使用请求头；没有请求头时按顺序尝试每个收件地址。
// ID 与子域名同时给出但指向不同租户时视为租户不存在。
func (s *TenantService) Resolve(ctx context.Context, hint TenantHint) (*domain.Tenant, string, error) {
	address := ""
	if len(hint.Recipients) > 0 {
		address = domain.NormalizeAddress(hint.Recipients[0])
	}

	ref := mailparse.TenantRef{
		ID:        strings.ToLower(strings.TrimSpace(hint.ID)),
		Subdomain: strings.ToLower(strings.TrimSpace(hint.Subdomain)),
	}
	if ref.IsZero() {
		found := false
		for _, rcpt := range hint.Recipients {
			if r, ok := mailparse.ResolveTenant(rcpt, s.mailDomain); ok {
				ref, address, found = r, domain.NormalizeAddress(rcpt), true
				break
			}
		}
		if !found {
			return nil, "", ErrUnresolvableRecipient
		}
	}

	tenant, err := s.lookup(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	return tenant, address, nil
}

// Get 按 ID 获取租户
func (s *TenantService) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	return s.lookup(ctx, mailparse.TenantRef{ID: id})
}

func (s *TenantService) lookup(ctx context.Context, ref mailparse.TenantRef) (*domain.Tenant, error) {
	var (
		tenant *domain.Tenant
		err    error
	)
	if ref.ID != "" {
		tenant, err = s.byID(ctx, ref.ID)
	} else {
		tenant, err = s.bySubdomain(ctx, ref.Subdomain)
	}
	if err != nil {
		return nil, err
	}

	if ref.ID != "" && ref.Subdomain != "" && !strings.EqualFold(tenant.Subdomain, ref.Subdomain) {
		return nil, fmt.Errorf("subdomain %q does not belong to tenant: %w", ref.Subdomain, storage.ErrTenantNotFound)
	}
	return tenant, nil
}

func (s *TenantService) byID(ctx context.Context, id string) (*domain.Tenant, error) {
	if tenant, ok := s.cached("id:" + id); ok {
		return tenant, nil
	}
	tenant, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		return nil, wrapLookup(err, "tenant "+id)
	}
	s.remember(tenant)
	return tenant, nil
}

func (s *TenantService) bySubdomain(ctx context.Context, subdomain string) (*domain.Tenant, error) {
	if tenant, ok := s.cached("sub:" + subdomain); ok {
		return tenant, nil
	}
	tenant, err := s.repo.GetTenantBySubdomain(ctx, subdomain)
	if err != nil {
		return nil, wrapLookup(err, "subdomain "+subdomain)
	}
	s.remember(tenant)
	return tenant, nil
}

func (s *TenantService) cached(key string) (*domain.Tenant, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Get(key)
}

func (s *TenantService) remember(tenant *domain.Tenant) {
	if s.cache == nil {
		return
	}
	s.cache.Set("id:"+tenant.ID, tenant, s.ttl)
	if tenant.Subdomain != "" {
		s.cache.Set("sub:"+strings.ToLower(tenant.Subdomain), tenant, s.ttl)
	}
}

// wrapLookup 保留 NotFound 分类，其余错误视为存储故障
func wrapLookup(err error, what string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}
