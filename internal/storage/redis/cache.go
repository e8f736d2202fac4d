package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"brokerinbox/backend/internal/config"
	"brokerinbox/backend/internal/domain"
)

// ErrCacheMiss 缓存中不存在该键
var ErrCacheMiss = errors.New("cache miss")

// 键前缀
const (
	tenantKeyPrefix    = "tenant:"
	subdomainKeyPrefix = "tenant:subdomain:"
	rateLimitKeyPrefix = "ratelimit:"
	deliveryKeyPrefix  = "delivery:"
	eventsChannel      = "brokerinbox:events"
)

// Cache Redis 缓存实现：租户缓存、速率计数、投递去重与事件广播
type Cache struct {
	client *redis.Client
	log    *zap.Logger
}

// NewCache 创建 Redis 缓存实例并测试连接
func NewCache(cfg *config.RedisConfig, log *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if log == nil {
		log = zap.NewNop()
	}
	log.Info("Connected to Redis",
		zap.String("address", cfg.Address),
		zap.Int("db", cfg.DB),
	)

	return NewCacheWithClient(client, log), nil
}

// NewCacheWithClient 使用已有客户端创建缓存
func NewCacheWithClient(client *redis.Client, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{client: client, log: log}
}

// ========== 租户缓存 ==========

// CacheTenant 缓存租户，同时写入子域名索引
func (c *Cache) CacheTenant(ctx context.Context, tenant *domain.Tenant, ttl time.Duration) error {
	data, err := json.Marshal(tenant)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, tenantKeyPrefix+strings.ToLower(tenant.ID), data, ttl)
	if tenant.Subdomain != "" {
		pipe.Set(ctx, subdomainKeyPrefix+strings.ToLower(tenant.Subdomain), tenant.ID, ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetCachedTenant 获取缓存的租户
func (c *Cache) GetCachedTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	data, err := c.client.Get(ctx, tenantKeyPrefix+strings.ToLower(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var tenant domain.Tenant
	if err := json.Unmarshal(data, &tenant); err != nil {
		return nil, err
	}
	return &tenant, nil
}

// GetCachedTenantBySubdomain 通过子域名索引获取缓存的租户
func (c *Cache) GetCachedTenantBySubdomain(ctx context.Context, subdomain string) (*domain.Tenant, error) {
	id, err := c.client.Get(ctx, subdomainKeyPrefix+strings.ToLower(subdomain)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	return c.GetCachedTenant(ctx, id)
}

// DeleteCachedTenant 删除租户缓存
func (c *Cache) DeleteCachedTenant(ctx context.Context, tenant *domain.Tenant) error {
	keys := []string{tenantKeyPrefix + strings.ToLower(tenant.ID)}
	if tenant.Subdomain != "" {
		keys = append(keys, subdomainKeyPrefix+strings.ToLower(tenant.Subdomain))
	}
	return c.client.Del(ctx, keys...).Err()
}

// ========== 限流 ==========

// IncrementRateLimit 固定窗口计数：首次 INCR 时设置过期时间，窗口内不再延长
func (c *Cache) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, rateLimitKeyPrefix+key)
	pipe.ExpireNX(ctx, rateLimitKeyPrefix+key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// GetRateLimit 获取限流计数
func (c *Cache) GetRateLimit(ctx context.Context, key string) (int64, error) {
	count, err := c.client.Get(ctx, rateLimitKeyPrefix+key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

// ========== 投递去重 ==========

// ClaimDelivery 使用 SETNX 声明投递
func (c *Cache) ClaimDelivery(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, deliveryKeyPrefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// ReleaseDelivery 释放投递声明
func (c *Cache) ReleaseDelivery(ctx context.Context, key string) error {
	return c.client.Del(ctx, deliveryKeyPrefix+key).Err()
}

// ========== 发布订阅 ==========

// Publish 向所有实例广播一条事件
func (c *Cache) Publish(ctx context.Context, payload []byte) error {
	return c.client.Publish(ctx, eventsChannel, payload).Err()
}

// Subscribe 订阅事件广播，ctx 取消后关闭订阅
func (c *Cache) Subscribe(ctx context.Context, handle func(payload []byte)) {
	sub := c.client.Subscribe(ctx, eventsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			handle([]byte(msg.Payload))
		}
	}
}

// ========== 工具方法 ==========

// Ping 测试连接
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (c *Cache) Close() error {
	err := c.client.Close()
	if err != nil {
		c.log.Error("Failed to close Redis connection", zap.Error(err))
		return err
	}
	c.log.Info("Redis connection closed")
	return nil
}
