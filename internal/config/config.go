package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// WebhookConfig 定义入站 webhook 的签名校验参数
type WebhookConfig struct {
	Secret    string        // HMAC-SHA256 共享密钥，至少 16 字符
	MaxSkew   time.Duration // 时间戳允许的最大偏差，默认 5 分钟
	ReplayTTL time.Duration // 同一签名的去重窗口，默认与 MaxSkew 的两倍相同
}

// TenantConfig 定义收件地址解析规则
type TenantConfig struct {
	MailDomain string // 收件地址的根域名，如 "example" 对应 {uid}@{subdomain}.example
}

// IngestionConfig 定义入站处理流程的业务参数
type IngestionConfig struct {
	RateLimit          int64         // 每个租户在窗口内允许的入站邮件数，默认 100
	RateWindow         time.Duration // 速率统计窗口，默认 1 小时
	MaxAttachmentBytes int64         // 单个附件最大字节数，默认 20MB
	MaxBodyBytes       int64         // webhook 请求体上限，默认 25MB
	UploadConcurrency  int           // 单封邮件附件并发上传数，默认 4
	ExtractionWorkers  int           // 全局抽取协程数，默认 4
}

// ExtractionConfig 定义文档抽取服务（Anthropic Messages API）配置
type ExtractionConfig struct {
	APIKey            string        // 为空时禁用抽取，所有文档进入人工审核
	BaseURL           string        // 默认 https://api.anthropic.com
	Model             string        // 模型名称
	MaxTokens         int           // 最大输出 token 数，默认 1024
	Timeout           time.Duration // 单次抽取超时，默认 60 秒
	MaxRetries        int           // 最大重试次数，默认 3
	RetryDelay        time.Duration // 首次重试等待，之后指数增长，默认 1 秒
	RequestsPerSecond float64       // 调用速率上限，默认 2
	BreakerFailures   uint32        // 连续失败多少次后熔断，默认 5
	BreakerCooldown   time.Duration // 熔断后多久进入半开状态，默认 30 秒
}

// ObjectStoreConfig 定义附件对象存储配置
type ObjectStoreConfig struct {
	Backend         string        // "filesystem" 或 "s3"
	Path            string        // filesystem 根目录，默认 ./data/objects
	Bucket          string        // S3/R2 bucket
	Endpoint        string        // S3 兼容服务地址，如 https://{account}.r2.cloudflarestorage.com
	Region          string        // 区域，R2 使用 "auto"
	AccessKeyID     string        // 访问密钥 ID
	SecretAccessKey string        // 访问密钥
	SignedURLTTL    time.Duration // 下载链接有效期，默认 1 小时
}

// SMTPConfig 定义可选的 SMTP 入站服务
type SMTPConfig struct {
	Enabled        bool   // 是否启动 SMTP 入站，默认关闭
	BindAddr       string // SMTP 服务监听地址，格式 "host:port"，默认 ":2525"
	Domain         string // SMTP 服务器域名，用于 HELO/EHLO 响应
	MaxConnections int    // 最大并发连接数
	ConnRate       int    // 每秒最大新建连接数
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，为空时只输出到标准输出
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，为空时使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 配置，Address 为空时速率计数与去重使用内存
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// JWTConfig 定义审核人员访问令牌配置
type JWTConfig struct {
	Secret       string        // JWT 签名密钥，必须至少 32 字符
	Issuer       string        // 签发者标识，默认 "brokerinbox"
	AccessExpiry time.Duration // 访问令牌有效期，默认 12 小时
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server      ServerConfig
	Webhook     WebhookConfig
	Tenant      TenantConfig
	Ingestion   IngestionConfig
	Extraction  ExtractionConfig
	ObjectStore ObjectStoreConfig
	SMTP        SMTPConfig
	CORS        CORSConfig
	Log         LogConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
}

const (
	defaultJWTSecret     = "change-me-in-production"
	defaultWebhookSecret = "change-me-webhook-secret"
)

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: BROKERINBOX_
// 例如: BROKERINBOX_WEBHOOK_SECRET, BROKERINBOX_EXTRACTION_API_KEY
//
// 返回值:
//   - *Config: 加载成功的配置对象
//   - error: 配置验证失败时返回错误
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("brokerinbox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"webhook.max_skew",
		"webhook.replay_ttl",
		"ingestion.rate_window",
		"extraction.timeout",
		"extraction.retry_delay",
		"extraction.breaker_cooldown",
		"object_store.signed_url_ttl",
		"database.conn_max_lifetime",
		"jwt.access_expiry",
	} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = d
	}

	jwtSecret := v.GetString("jwt.secret")
	if jwtSecret == defaultJWTSecret {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set BROKERINBOX_JWT_SECRET environment variable")
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	webhookSecret := v.GetString("webhook.secret")
	if webhookSecret == defaultWebhookSecret {
		return nil, fmt.Errorf("SECURITY ERROR: webhook secret cannot be the default value. Please set BROKERINBOX_WEBHOOK_SECRET environment variable")
	}
	if len(webhookSecret) < 16 {
		return nil, fmt.Errorf("SECURITY ERROR: webhook secret must be at least 16 characters long")
	}

	backend := strings.ToLower(v.GetString("object_store.backend"))
	if backend != "filesystem" && backend != "s3" {
		return nil, fmt.Errorf("object_store.backend must be filesystem or s3, got %q", backend)
	}
	if backend == "s3" && v.GetString("object_store.bucket") == "" {
		return nil, fmt.Errorf("object_store.bucket is required for the s3 backend")
	}

	rateLimit := v.GetInt64("ingestion.rate_limit")
	if rateLimit <= 0 {
		rateLimit = 100
	}

	uploadConcurrency := v.GetInt("ingestion.upload_concurrency")
	if uploadConcurrency <= 0 {
		uploadConcurrency = 4
	}

	extractionWorkers := v.GetInt("ingestion.extraction_workers")
	if extractionWorkers <= 0 {
		extractionWorkers = 4
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		Webhook: WebhookConfig{
			Secret:    webhookSecret,
			MaxSkew:   durations["webhook.max_skew"],
			ReplayTTL: durations["webhook.replay_ttl"],
		},
		Tenant: TenantConfig{
			MailDomain: strings.ToLower(strings.Trim(v.GetString("tenant.mail_domain"), ". ")),
		},
		Ingestion: IngestionConfig{
			RateLimit:          rateLimit,
			RateWindow:         durations["ingestion.rate_window"],
			MaxAttachmentBytes: v.GetInt64("ingestion.max_attachment_bytes"),
			MaxBodyBytes:       v.GetInt64("ingestion.max_body_bytes"),
			UploadConcurrency:  uploadConcurrency,
			ExtractionWorkers:  extractionWorkers,
		},
		Extraction: ExtractionConfig{
			APIKey:            v.GetString("extraction.api_key"),
			BaseURL:           strings.TrimRight(v.GetString("extraction.base_url"), "/"),
			Model:             v.GetString("extraction.model"),
			MaxTokens:         v.GetInt("extraction.max_tokens"),
			Timeout:           durations["extraction.timeout"],
			MaxRetries:        v.GetInt("extraction.max_retries"),
			RetryDelay:        durations["extraction.retry_delay"],
			RequestsPerSecond: v.GetFloat64("extraction.requests_per_second"),
			BreakerFailures:   v.GetUint32("extraction.breaker_failures"),
			BreakerCooldown:   durations["extraction.breaker_cooldown"],
		},
		ObjectStore: ObjectStoreConfig{
			Backend:         backend,
			Path:            v.GetString("object_store.path"),
			Bucket:          v.GetString("object_store.bucket"),
			Endpoint:        v.GetString("object_store.endpoint"),
			Region:          v.GetString("object_store.region"),
			AccessKeyID:     v.GetString("object_store.access_key_id"),
			SecretAccessKey: v.GetString("object_store.secret_access_key"),
			SignedURLTTL:    durations["object_store.signed_url_ttl"],
		},
		SMTP: SMTPConfig{
			Enabled:        v.GetBool("smtp.enabled"),
			BindAddr:       v.GetString("smtp.bind_addr"),
			Domain:         v.GetString("smtp.domain"),
			MaxConnections: v.GetInt("smtp.max_connections"),
			ConnRate:       v.GetInt("smtp.conn_rate"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            strings.ToLower(v.GetString("database.type")),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: durations["database.conn_max_lifetime"],
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:       jwtSecret,
			Issuer:       v.GetString("jwt.issuer"),
			AccessExpiry: durations["jwt.access_expiry"],
		},
	}

	return cfg, nil
}

// setDefaults 设置全部默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("webhook.secret", defaultWebhookSecret)
	v.SetDefault("webhook.max_skew", "5m")
	v.SetDefault("webhook.replay_ttl", "10m")

	v.SetDefault("tenant.mail_domain", "example")

	v.SetDefault("ingestion.rate_limit", 100)
	v.SetDefault("ingestion.rate_window", "1h")
	v.SetDefault("ingestion.max_attachment_bytes", 20*1024*1024)
	v.SetDefault("ingestion.max_body_bytes", 25*1024*1024)
	v.SetDefault("ingestion.upload_concurrency", 4)
	v.SetDefault("ingestion.extraction_workers", 4)

	v.SetDefault("extraction.api_key", "")
	v.SetDefault("extraction.base_url", "https://api.anthropic.com")
	v.SetDefault("extraction.model", "claude-sonnet-4-20250514")
	v.SetDefault("extraction.max_tokens", 1024)
	v.SetDefault("extraction.timeout", "60s")
	v.SetDefault("extraction.max_retries", 3)
	v.SetDefault("extraction.retry_delay", "1s")
	v.SetDefault("extraction.requests_per_second", 2.0)
	v.SetDefault("extraction.breaker_failures", 5)
	v.SetDefault("extraction.breaker_cooldown", "30s")

	v.SetDefault("object_store.backend", "filesystem")
	v.SetDefault("object_store.path", "./data/objects")
	v.SetDefault("object_store.bucket", "")
	v.SetDefault("object_store.endpoint", "")
	v.SetDefault("object_store.region", "auto")
	v.SetDefault("object_store.access_key_id", "")
	v.SetDefault("object_store.secret_access_key", "")
	v.SetDefault("object_store.signed_url_ttl", "1h")

	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.bind_addr", ":2525")
	v.SetDefault("smtp.domain", "example")
	v.SetDefault("smtp.max_connections", 100)
	v.SetDefault("smtp.conn_rate", 20)

	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")

	v.SetDefault("database.type", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("jwt.secret", defaultJWTSecret)
	v.SetDefault("jwt.issuer", "brokerinbox")
	v.SetDefault("jwt.access_expiry", "12h")
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env
//
// 文件不存在时静默跳过，已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
