package middleware

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Webhook 签名相关请求头
const (
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"

	ContextRawBody   = "rawBody"
	ContextSignature = "webhookSignature"
)

// SignatureVerifier 校验 HMAC 签名与时间戳
type SignatureVerifier interface {
	Verify(signatureHex, timestampMs string, body []byte) bool
}

// DeliveryRecorder 记录 webhook 投递结果
type DeliveryRecorder interface {
	RecordWebhookDelivery(outcome string)
}

// WebhookSignature 校验入站 webhook 的签名
//
// 读取完整原始请求体后校验，通过后将请求体与签名写入上下文供处理器使用。
// 缺少请求头或请求体返回 400，签名错误或时间戳过期返回 401。
func WebhookSignature(verifier SignatureVerifier, recorder DeliveryRecorder, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}

	record := func(outcome string) {
		if recorder != nil {
			recorder.RecordWebhookDelivery(outcome)
		}
	}

	return func(c *gin.Context) {
		signature := c.GetHeader(HeaderWebhookSignature)
		timestamp := c.GetHeader(HeaderWebhookTimestamp)
		if signature == "" || timestamp == "" {
			record("missing_signature")
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Missing signature headers"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				record("too_large")
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Email too large"})
				return
			}
			record("bad_request")
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Unable to read email content"})
			return
		}
		if len(body) == 0 {
			record("bad_request")
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Missing email content"})
			return
		}

		if !verifier.Verify(signature, timestamp, body) {
			record("unauthorized")
			log.Warn("Webhook signature rejected",
				zap.String("ip", c.ClientIP()),
				zap.String("timestamp", timestamp))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
			return
		}

		c.Set(ContextRawBody, body)
		c.Set(ContextSignature, signature)
		c.Next()
	}
}
