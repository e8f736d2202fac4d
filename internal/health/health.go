// Package health 提供存活/就绪探针与运维健康描述。
package health

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Pinger 可以检测连通性的依赖
type Pinger interface {
	Health(ctx context.Context) error
}

// Features 各外部依赖是否已配置
type Features struct {
	Database    bool `json:"database"`
	Redis       bool `json:"redis"`
	Extraction  bool `json:"extraction"`
	ObjectStore bool `json:"objectstore"`
	SMTP        bool `json:"smtp"`
}

// Report GET /health 返回的描述
type Report struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Version    string            `json:"version"`
	Env        Features          `json:"env"`
	Checks     map[string]string `json:"checks"`
	Goroutines int               `json:"goroutines"`
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health    healthcheck.Handler
	store     Pinger
	features  Features
	version   string
	startTime time.Time
	logger    *zap.Logger
}

// NewHealthChecker 创建健康检查器
//
// 存储连通性作为就绪检查，协程数量作为存活检查。
func NewHealthChecker(store Pinger, features Features, version string, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health:    healthcheck.NewHandler(),
		store:     store,
		features:  features,
		version:   version,
		startTime: time.Now(),
		logger:    logger,
	}

	hc.health.AddReadinessCheck("storage", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return hc.store.Health(ctx)
	}, 3*time.Second))
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))

	return hc
}

// Handler 返回 heptiolabs 健康检查处理器，挂载 /live 与 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活探针
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪探针
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// Check 执行一次完整检查
func (hc *HealthChecker) Check(ctx context.Context) Report {
	report := Report{
		Status:     "ok",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Uptime:     time.Since(hc.startTime).Round(time.Second).String(),
		Version:    hc.version,
		Env:        hc.features,
		Checks:     map[string]string{},
		Goroutines: runtime.NumGoroutine(),
	}

	if err := hc.store.Health(ctx); err != nil {
		report.Status = "degraded"
		report.Checks["storage"] = fmt.Sprintf("ERROR: %v", err)
		hc.logger.Warn("Storage health check failed", zap.Error(err))
	} else {
		report.Checks["storage"] = "OK"
	}

	return report
}
