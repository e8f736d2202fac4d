package httptransport

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/middleware"
	"brokerinbox/backend/internal/service"
)

// 租户提示请求头
const (
	HeaderTenantID        = "X-Tenant-ID"
	HeaderTenantSubdomain = "X-Tenant-Subdomain"
)

const webhookServiceName = "email-inbound-webhook"

// WebhookInfo GET /webhooks/email-inbound 返回的安全配置描述
type WebhookInfo struct {
	MaxSkew    time.Duration
	RateLimit  int64
	RateWindow time.Duration
}

// handleInboundEmail 处理已通过签名校验的原始邮件
//
// 响应为扁平 JSON，供邮件转发服务读取：
// 成功 {success, transactionId, attachmentsProcessed}，错误 {error}。
func (h *Handler) handleInboundEmail(c *gin.Context) {
	raw, _ := c.Get(middleware.ContextRawBody)
	body, _ := raw.([]byte)

	res, err := h.ingest.IngestDelivery(c.Request.Context(), service.Delivery{
		Raw:             body,
		Source:          domain.SourceWebhook,
		DeliveryKey:     c.GetString(middleware.ContextSignature),
		TenantID:        c.GetHeader(HeaderTenantID),
		TenantSubdomain: c.GetHeader(HeaderTenantSubdomain),
	})
	if err != nil {
		h.webhookError(c, err)
		return
	}

	if res.Skipped {
		h.recordDelivery("skipped")
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "no PDF attachments"})
		return
	}

	h.recordDelivery("accepted")
	c.JSON(http.StatusOK, gin.H{
		"success":              true,
		"transactionId":        res.TransactionID,
		"attachmentsProcessed": res.AttachmentsProcessed,
	})
}

func (h *Handler) webhookError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrDuplicateDelivery):
		h.recordDelivery("duplicate")
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "duplicate delivery"})
	case errors.Is(err, service.ErrUnresolvableRecipient):
		h.recordDelivery("bad_request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unable to determine tenant from recipient"})
	case errors.Is(err, domain.ErrValidation):
		h.recordDelivery("bad_request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid email content"})
	case errors.Is(err, domain.ErrNotFound):
		h.recordDelivery("tenant_not_found")
		c.JSON(http.StatusNotFound, gin.H{"error": "Tenant not found"})
	case errors.Is(err, domain.ErrRateLimited):
		h.recordDelivery("rate_limited")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
	default:
		h.recordDelivery("error")
		h.log.Error("Failed to process inbound email", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process email"})
	}
}

// webhookHealth 描述 webhook 端点及其安全配置
func (h *Handler) webhookHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": webhookServiceName,
		"version": h.version,
		"security": gin.H{
			"signature":         "hmac-sha256",
			"maxSkewSeconds":    int64(h.webhook.MaxSkew / time.Second),
			"tenantValidation":  true,
			"rateLimit":         h.webhook.RateLimit,
			"rateWindowSeconds": int64(h.webhook.RateWindow / time.Second),
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) recordDelivery(outcome string) {
	if h.deliveries != nil {
		h.deliveries.RecordWebhookDelivery(outcome)
	}
}
