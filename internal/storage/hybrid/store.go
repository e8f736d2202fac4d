package hybrid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"brokerinbox/backend/internal/config"
	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/storage"
	"brokerinbox/backend/internal/storage/postgres"
	"brokerinbox/backend/internal/storage/redis"
)

// tenantCacheTTL 租户缓存有效期
const tenantCacheTTL = 10 * time.Minute

// directory 匹配检索的快速路径
type directory interface {
	FindPolicyByNumber(ctx context.Context, tenantID, fragment string) (*domain.Policy, *domain.Client, error)
	FindClientByNumber(ctx context.Context, tenantID, fragment string) (*domain.Client, error)
	Ping(ctx context.Context) error
	Close()
}

// Store 混合存储实现：关系数据走 GORM，速率计数与投递去重走 Redis，
// PostgreSQL 下匹配检索走 pgx 直连查询。
type Store struct {
	*postgres.Store

	redis     *redis.Cache // 可为 nil
	directory directory    // 可为 nil
	log       *zap.Logger
}

// NewStoreWithType 按数据库类型创建混合存储
//
// 参数:
//   - db: 数据库配置，Type 为 "postgres" 或 "mysql"
//   - rc: Redis 配置，Address 为空时不启用 Redis
//   - log: 日志记录器
func NewStoreWithType(db *config.DatabaseConfig, rc *config.RedisConfig, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	opts := postgres.PoolOptions{
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
	}

	var (
		dbStore *postgres.Store
		dir     directory
		err     error
	)
	switch db.Type {
	case "mysql":
		dbStore, err = postgres.NewMySQLStore(db.DSN, opts)
	case "postgres", "postgresql":
		dbStore, err = postgres.NewStore(db.DSN, opts)
		if err == nil {
			client, perr := postgres.New(db, log)
			if perr != nil {
				_ = dbStore.Close()
				return nil, fmt.Errorf("failed to initialize pgx pool: %w", perr)
			}
			dir = client
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: mysql, postgres)", db.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	s := &Store{Store: dbStore, directory: dir, log: log}

	if rc != nil && rc.Address != "" {
		cache, err := redis.NewCache(rc, log)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		s.redis = cache
	}

	return s, nil
}

// New 使用已构建的组件创建混合存储，用于测试与自定义装配
func New(dbStore *postgres.Store, cache *redis.Cache, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{Store: dbStore, redis: cache, log: log}
}

// Cache 返回 Redis 缓存，未启用时为 nil
func (s *Store) Cache() *redis.Cache {
	return s.redis
}

// ========== Tenant Repository ==========

// SaveTenant 保存租户并刷新缓存
func (s *Store) SaveTenant(ctx context.Context, tenant *domain.Tenant) error {
	if s.redis != nil {
		if old, err := s.Store.GetTenant(ctx, tenant.ID); err == nil {
			_ = s.redis.DeleteCachedTenant(ctx, old)
		}
	}
	if err := s.Store.SaveTenant(ctx, tenant); err != nil {
		return err
	}
	if s.redis != nil {
		if err := s.redis.CacheTenant(ctx, tenant, tenantCacheTTL); err != nil {
			s.log.Warn("Failed to cache tenant", zap.String("tenant_id", tenant.ID), zap.Error(err))
		}
	}
	return nil
}

// GetTenant 先查缓存，未命中时回源数据库
func (s *Store) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	if s.redis != nil {
		if tenant, err := s.redis.GetCachedTenant(ctx, id); err == nil {
			return tenant, nil
		}
	}
	tenant, err := s.Store.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheTenant(ctx, tenant)
	return tenant, nil
}

// GetTenantBySubdomain 先查缓存，未命中时回源数据库
func (s *Store) GetTenantBySubdomain(ctx context.Context, subdomain string) (*domain.Tenant, error) {
	if s.redis != nil {
		if tenant, err := s.redis.GetCachedTenantBySubdomain(ctx, subdomain); err == nil {
			return tenant, nil
		}
	}
	tenant, err := s.Store.GetTenantBySubdomain(ctx, subdomain)
	if err != nil {
		return nil, err
	}
	s.cacheTenant(ctx, tenant)
	return tenant, nil
}

func (s *Store) cacheTenant(ctx context.Context, tenant *domain.Tenant) {
	if s.redis == nil {
		return
	}
	if err := s.redis.CacheTenant(ctx, tenant, tenantCacheTTL); err != nil {
		s.log.Debug("Failed to cache tenant", zap.String("tenant_id", tenant.ID), zap.Error(err))
	}
}

// ========== Directory Repository ==========

// FindPolicyByNumber PostgreSQL 下使用 pgx ILIKE 查询
func (s *Store) FindPolicyByNumber(ctx context.Context, tenantID, fragment string) (*domain.Policy, *domain.Client, error) {
	if s.directory != nil {
		return s.directory.FindPolicyByNumber(ctx, tenantID, fragment)
	}
	return s.Store.FindPolicyByNumber(ctx, tenantID, fragment)
}

// FindClientByNumber PostgreSQL 下使用 pgx ILIKE 查询
func (s *Store) FindClientByNumber(ctx context.Context, tenantID, fragment string) (*domain.Client, error) {
	if s.directory != nil {
		return s.directory.FindClientByNumber(ctx, tenantID, fragment)
	}
	return s.Store.FindClientByNumber(ctx, tenantID, fragment)
}

// ========== Rate Limit / Delivery ==========

// IncrementRateLimit 启用 Redis 时使用 INCR + EXPIRE NX
func (s *Store) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	if s.redis != nil {
		return s.redis.IncrementRateLimit(ctx, key, window)
	}
	return s.Store.IncrementRateLimit(ctx, key, window)
}

// GetRateLimit 获取当前窗口计数
func (s *Store) GetRateLimit(ctx context.Context, key string) (int64, error) {
	if s.redis != nil {
		return s.redis.GetRateLimit(ctx, key)
	}
	return s.Store.GetRateLimit(ctx, key)
}

// ClaimDelivery 启用 Redis 时使用 SETNX
func (s *Store) ClaimDelivery(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if s.redis != nil {
		return s.redis.ClaimDelivery(ctx, key, ttl)
	}
	return s.Store.ClaimDelivery(ctx, key, ttl)
}

// ReleaseDelivery 释放投递声明
func (s *Store) ReleaseDelivery(ctx context.Context, key string) error {
	if s.redis != nil {
		return s.redis.ReleaseDelivery(ctx, key)
	}
	return s.Store.ReleaseDelivery(ctx, key)
}

// ========== 工具方法 ==========

// Health 依次检查数据库、pgx 连接池与 Redis
func (s *Store) Health(ctx context.Context) error {
	if err := s.Store.Health(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if s.directory != nil {
		if err := s.directory.Ping(ctx); err != nil {
			return fmt.Errorf("pgx pool: %w", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close 关闭所有连接
func (s *Store) Close() error {
	var errs []error
	if s.directory != nil {
		s.directory.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var _ storage.Store = (*Store)(nil)
