// Package matching 根据抽取出的客户号与保单号在租户数据中寻找最可能的客户/保单。
package matching

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"brokerinbox/backend/internal/domain"
)

// ConfidenceThreshold 抽取字段的置信度必须严格大于该值才参与匹配
const ConfidenceThreshold = 0.7

// 各层级的匹配说明
const (
	DetailsExact      = "Matched on both client number and policy number"
	DetailsPolicyOnly = "Matched on policy number only"
	DetailsClientOnly = "Matched on client number only - policy needs manual selection"
)

// Directory 租户内的客户/保单检索
//
// 两个方法都按子串、不区分大小写匹配，只返回第一条结果；
// 没有结果时返回包装了 domain.ErrNotFound 的错误。
type Directory interface {
	FindPolicyByNumber(ctx context.Context, tenantID, fragment string) (*domain.Policy, *domain.Client, error)
	FindClientByNumber(ctx context.Context, tenantID, fragment string) (*domain.Client, error)
}

// Engine 分层匹配引擎
type Engine struct {
	directory Directory
	logger    *zap.Logger
}

// NewEngine 创建匹配引擎
func NewEngine(directory Directory, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{directory: directory, logger: logger}
}

// Match 按以下顺序返回第一个命中的层级:
//  1. exact 0.98: 客户号与保单号置信度都 > 0.7，保单号命中且其所属客户的客户号包含抽取值
//  2. partial 0.85: 保单号置信度 > 0.7 且命中，客户取保单所属客户
//  3. partial 0.80: 客户号置信度 > 0.7 且命中，保单留空
//  4. none 0.0
//
// 置信度为固定常量，与抽取置信度无关。检索出错视为未命中。
func (e *Engine) Match(ctx context.Context, tenantID string, extraction domain.ExtractionResult) domain.MatchResult {
	clientOK := usable(extraction.ClientNumber)
	policyOK := usable(extraction.PolicyNumber)

	var (
		policy      *domain.Policy
		owner       *domain.Client
		policyFound bool
	)
	if policyOK {
		policy, owner, policyFound = e.findPolicy(ctx, tenantID, extraction.PolicyNumber.String())
	}

	if clientOK && policyFound &&
		domain.ContainsFold(owner.ClientNumber, extraction.ClientNumber.String()) {
		return result(owner, policy, domain.ConfidenceExact, domain.MatchTypeExact, DetailsExact)
	}

	if policyFound {
		return result(owner, policy, domain.ConfidencePolicyOnly, domain.MatchTypePartial, DetailsPolicyOnly)
	}

	if clientOK {
		if client, ok := e.findClient(ctx, tenantID, extraction.ClientNumber.String()); ok {
			return result(client, nil, domain.ConfidenceClientOnly, domain.MatchTypePartial, DetailsClientOnly)
		}
	}

	return domain.NoMatch()
}

func usable(f domain.FieldGuess) bool {
	return f.Present() && f.Confidence > ConfidenceThreshold
}

func (e *Engine) findPolicy(ctx context.Context, tenantID, fragment string) (*domain.Policy, *domain.Client, bool) {
	policy, owner, err := e.directory.FindPolicyByNumber(ctx, tenantID, fragment)
	if err != nil {
		e.logSearchError("policy", tenantID, err)
		return nil, nil, false
	}
	if policy == nil || owner == nil {
		return nil, nil, false
	}
	return policy, owner, true
}

func (e *Engine) findClient(ctx context.Context, tenantID, fragment string) (*domain.Client, bool) {
	client, err := e.directory.FindClientByNumber(ctx, tenantID, fragment)
	if err != nil {
		e.logSearchError("client", tenantID, err)
		return nil, false
	}
	return client, client != nil
}

func (e *Engine) logSearchError(kind, tenantID string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	e.logger.Warn("Directory search failed, treating as no match",
		zap.String("kind", kind),
		zap.String("tenant_id", tenantID),
		zap.Error(err))
}

func result(client *domain.Client, policy *domain.Policy, confidence float64, matchType domain.MatchType, details string) domain.MatchResult {
	r := domain.MatchResult{
		ClientID:     strPtr(client.ID),
		ClientName:   strPtr(client.FullName),
		ClientNumber: strPtr(client.ClientNumber),
		Confidence:   confidence,
		MatchType:    matchType,
		Details:      details,
	}
	if policy != nil {
		r.PolicyID = strPtr(policy.ID)
		r.PolicyNumber = strPtr(policy.PolicyNumber)
	}
	return r
}

func strPtr(s string) *string {
	return &s
}
