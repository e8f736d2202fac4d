package domain

// MatchType 匹配层级标签
type MatchType string

const (
	MatchTypeExact   MatchType = "exact"
	MatchTypePartial MatchType = "partial"
	MatchTypeNone    MatchType = "none"
)

// 各层级的固定置信度，反映匹配规则强度而非抽取置信度
const (
	ConfidenceExact      = 0.98
	ConfidencePolicyOnly = 0.85
	ConfidenceClientOnly = 0.80
	ConfidenceNone       = 0.0
)

// MatchResult 匹配引擎给出的客户/保单建议
type MatchResult struct {
	ClientID     *string   `json:"clientId"`
	ClientName   *string   `json:"clientName"`
	ClientNumber *string   `json:"clientNumber"`
	PolicyID     *string   `json:"policyId"`
	PolicyNumber *string   `json:"policyNumber"`
	Confidence   float64   `json:"confidence"`
	MatchType    MatchType `json:"matchType"`
	Details      string    `json:"matchDetails"`
}

// NoMatch 返回"需要人工录入"的结果
func NoMatch() MatchResult {
	return MatchResult{
		Confidence: ConfidenceNone,
		MatchType:  MatchTypeNone,
		Details:    "No matching client or policy found - manual entry required",
	}
}
