package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "brokerinbox/backend/internal/auth/jwt"
	"brokerinbox/backend/internal/config"
	"brokerinbox/backend/internal/health"
	"brokerinbox/backend/internal/middleware"
	"brokerinbox/backend/internal/monitoring"
	"brokerinbox/backend/internal/service"
	"brokerinbox/backend/internal/websocket"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	ingest     *service.IngestionService
	review     *service.ReviewService
	inbox      *service.InboxService
	deliveries middleware.DeliveryRecorder
	webhook    WebhookInfo
	version    string
	log        *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config           *config.Config
	IngestionService *service.IngestionService
	ReviewService    *service.ReviewService
	InboxService     *service.InboxService
	JWTManager       *jwtpkg.Manager
	Verifier         middleware.SignatureVerifier
	WebSocketHub     *websocket.Hub        // 为 nil 时不注册 /v1/ws
	Health           *health.HealthChecker // 为 nil 时 /health 只返回 ok
	Metrics          *monitoring.Metrics   // 为 nil 时不采集 HTTP 指标
	Version          string
	Logger           *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	var deliveries middleware.DeliveryRecorder
	if deps.Metrics != nil {
		monitor := middleware.NewMonitoringMiddleware(deps.Metrics, log)
		router.Use(monitor.PanicRecovery())
		router.Use(monitor.HTTPMetrics())
		deliveries = deps.Metrics
	} else {
		router.Use(gin.Recovery())
	}
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	if len(corsConfig.AllowOrigins) > 0 {
		router.Use(gincors.New(corsConfig))
	}

	handler := &Handler{
		ingest:     deps.IngestionService,
		review:     deps.ReviewService,
		inbox:      deps.InboxService,
		deliveries: deliveries,
		webhook: WebhookInfo{
			MaxSkew:    deps.Config.Webhook.MaxSkew,
			RateLimit:  deps.Config.Ingestion.RateLimit,
			RateWindow: deps.Config.Ingestion.RateWindow,
		},
		version: deps.Version,
		log:     log,
	}

	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, log)

	// 运维端点
	registerOps(router, deps)

	// 入站 webhook：先限制请求体，再校验签名
	webhooks := router.Group("/webhooks")
	{
		webhooks.GET("/email-inbound", handler.webhookHealth)
		webhooks.POST("/email-inbound",
			middleware.BodySizeLimit(deps.Config.Ingestion.MaxBodyBytes),
			middleware.WebhookSignature(deps.Verifier, deliveries, log),
			handler.handleInboundEmail,
		)
	}

	// V1 API，审核人员
	v1 := router.Group("/v1")
	{
		if deps.WebSocketHub != nil {
			// 令牌通过 ?token= 或 Authorization 传入，由 Hub 自行校验
			v1.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}

		reviewer := v1.Group("")
		reviewer.Use(jwtAuth.RequireAuth())

		inbox := reviewer.Group("/inbox")
		{
			inbox.GET("", handler.listInbox)
			inbox.GET("/quota", handler.getQuota)
			inbox.POST("/manual-upload",
				middleware.BodySizeLimit(deps.Config.Ingestion.MaxBodyBytes),
				middleware.ValidateContentType("multipart/form-data"),
				handler.manualUpload,
			)
			inbox.GET("/:id", handler.getTransaction)
			inbox.POST("/:id/review",
				middleware.BodySizeLimit(middleware.DefaultBodyLimit),
				middleware.ValidateContentType("application/json"),
				handler.reviewTransaction,
			)
		}

		reviewer.GET("/clients", handler.listClients)
		reviewer.GET("/clients/:id/policies", handler.listPolicies)
		reviewer.GET("/documents/:id/download", handler.downloadDocument)
	}

	return router
}

// registerOps 注册健康检查与指标端点
func registerOps(router *gin.Engine, deps RouterDependencies) {
	router.GET("/health", func(c *gin.Context) {
		if deps.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		report := deps.Health.Check(c.Request.Context())
		status := http.StatusOK
		if report.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	})

	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}
}
