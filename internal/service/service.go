// Package service 实现入站文档处理流程与审核生命周期。
package service

import (
	"context"
	"time"

	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/websocket"
)

// Matcher 为抽取结果计算客户/保单匹配建议
type Matcher interface {
	Match(ctx context.Context, tenantID string, extraction domain.ExtractionResult) domain.MatchResult
}

// Notifier 向审核人员推送交易事件
type Notifier interface {
	NotifyTransaction(ctx context.Context, tx *domain.Transaction, event websocket.EventType)
}

// Metrics 业务指标，由 monitoring.Metrics 实现
type Metrics interface {
	RecordTransaction(status, source string)
	RecordAttachment(outcome string, size int64)
	RecordEmailProcessingTime(source string, duration time.Duration)
	RecordMatch(matchType string)
	RecordReview(decision string, suggestionCorrect bool)
	RecordRateLimitBlock(limitType string)
	SetExtractionQueue(n int)
}

type nopNotifier struct{}

func (nopNotifier) NotifyTransaction(context.Context, *domain.Transaction, websocket.EventType) {}

type nopMetrics struct{}

func (nopMetrics) RecordTransaction(string, string) {}
func (nopMetrics) RecordAttachment(string, int64) {}
func (nopMetrics) RecordEmailProcessingTime(string, time.Duration) {}
func (nopMetrics) RecordMatch(string) {}
func (nopMetrics) RecordReview(string, bool) {}
func (nopMetrics) RecordRateLimitBlock(string) {}
func (nopMetrics) SetExtractionQueue(int) {}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
