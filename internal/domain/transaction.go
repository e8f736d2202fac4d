package domain

import (
	"time"

	"gorm.io/datatypes"
)

// TransactionStatus 交易生命周期状态
type TransactionStatus string

const (
	StatusPending        TransactionStatus = "pending"
	StatusAwaitingReview TransactionStatus = "awaiting_review"
	StatusApproved       TransactionStatus = "approved"
	StatusRejected       TransactionStatus = "rejected"
	StatusError          TransactionStatus = "error"
)

// AllStatuses 按生命周期顺序列出全部状态
var AllStatuses = []TransactionStatus{
	StatusPending,
	StatusAwaitingReview,
	StatusApproved,
	StatusRejected,
	StatusError,
}

// 允许的状态迁移，终态没有出边
var transitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:        {StatusAwaitingReview, StatusError},
	StatusAwaitingReview: {StatusApproved, StatusRejected, StatusError},
}

// Valid 判断状态值是否合法
func (s TransactionStatus) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// IsTerminal 是否为终态
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusError
}

// CanTransition 判断 from -> to 是否为合法迁移
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransactionSource 交易来源
type TransactionSource string

const (
	SourceWebhook TransactionSource = "webhook"
	SourceSMTP    TransactionSource = "smtp"
	SourceManual  TransactionSource = "manual"
)

// Transaction 邮件处理交易，记录一封入站邮件从接收到人工审核的全过程。
type Transaction struct {
	ID         string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID   string            `json:"tenantId" gorm:"type:varchar(36);index:idx_tx_tenant_status;not null"`
	InboxID    string            `json:"inboxId" gorm:"type:varchar(36);index"`
	Source     TransactionSource `json:"source" gorm:"type:varchar(16)"`
	FromEmail  string            `json:"fromEmail" gorm:"type:varchar(320)"`
	ToEmail    string            `json:"toEmail" gorm:"type:varchar(320)"`
	Subject    string            `json:"subject" gorm:"type:varchar(998)"`
	ReceivedAt time.Time         `json:"receivedAt" gorm:"index"`
	Status     TransactionStatus `json:"status" gorm:"type:varchar(32);index:idx_tx_tenant_status;not null"`

	// 抽取结果
	ExtractedClientNumber           *string `json:"extractedClientNumber" gorm:"type:varchar(128)"`
	ExtractedClientConfidence       float64 `json:"extractedClientConfidence"`
	ExtractedPolicyNumber           *string `json:"extractedPolicyNumber" gorm:"type:varchar(128)"`
	ExtractedPolicyConfidence       float64 `json:"extractedPolicyConfidence"`
	ExtractedDocumentType           *string `json:"extractedDocumentType" gorm:"type:varchar(64)"`
	ExtractedDocumentTypeConfidence float64 `json:"extractedDocumentTypeConfidence"`
	ExtractedInsurer                *string `json:"extractedInsurer" gorm:"type:varchar(255)"`
	ExtractedInsurerConfidence      float64 `json:"extractedInsurerConfidence"`
	AIOverallConfidence             float64 `json:"aiOverallConfidence"`
	DocumentTypeRecognised          bool    `json:"documentTypeRecognised"`

	// 匹配建议
	SuggestedClientID *string   `json:"suggestedClientId" gorm:"type:varchar(36)"`
	SuggestedPolicyID *string   `json:"suggestedPolicyId" gorm:"type:varchar(36)"`
	MatchConfidence   float64   `json:"matchConfidence"`
	MatchType         MatchType `json:"matchType" gorm:"type:varchar(16)"`
	MatchDetails      string    `json:"matchDetails" gorm:"type:varchar(255)"`

	// 人工审核
	ReviewedByUserID    *string                     `json:"reviewedByUserId" gorm:"type:varchar(36)"`
	ReviewedAt          *time.Time                  `json:"reviewedAt"`
	BrokerApproved      *bool                       `json:"brokerApproved"`
	FinalClientID       *string                     `json:"finalClientId" gorm:"type:varchar(36)"`
	FinalPolicyID       *string                     `json:"finalPolicyId" gorm:"type:varchar(36)"`
	FinalDocumentType   *string                     `json:"finalDocumentType" gorm:"type:varchar(64)"`
	AISuggestionCorrect *bool                       `json:"aiSuggestionCorrect"`
	CorrectionReason    *string                     `json:"correctionReason" gorm:"type:text"`
	CreatedDocumentIDs  datatypes.JSONSlice[string] `json:"createdDocumentIds"`

	ErrorMessage *string    `json:"errorMessage" gorm:"type:text"`
	ProcessedAt  *time.Time `json:"processedAt"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`

	Attachments []EmailAttachment `json:"attachments,omitempty" gorm:"foreignKey:TransactionID"`
}

// TableName 指定表名
func (Transaction) TableName() string { return "email_processing_transactions" }

// ApplyExtraction 将抽取结果写入交易
func (t *Transaction) ApplyExtraction(r ExtractionResult) {
	t.ExtractedClientNumber = r.ClientNumber.Value
	t.ExtractedClientConfidence = r.ClientNumber.Confidence
	t.ExtractedPolicyNumber = r.PolicyNumber.Value
	t.ExtractedPolicyConfidence = r.PolicyNumber.Confidence
	t.ExtractedDocumentType = r.DocumentType.Value
	t.ExtractedDocumentTypeConfidence = r.DocumentType.Confidence
	t.ExtractedInsurer = r.Insurer.Value
	t.ExtractedInsurerConfidence = r.Insurer.Confidence
	t.AIOverallConfidence = r.OverallConfidence
	t.DocumentTypeRecognised = r.DocumentTypeRecognised()
}

// ApplyMatch 将匹配建议写入交易
func (t *Transaction) ApplyMatch(m MatchResult) {
	t.SuggestedClientID = m.ClientID
	t.SuggestedPolicyID = m.PolicyID
	t.MatchConfidence = m.Confidence
	t.MatchType = m.MatchType
	t.MatchDetails = m.Details
}

// SuggestionCorrect 判断人工确认的三个最终值是否与 AI 建议完全一致
func (t *Transaction) SuggestionCorrect(finalClientID, finalPolicyID, finalDocumentType *string) bool {
	return equalOptional(finalClientID, t.SuggestedClientID) &&
		equalOptional(finalPolicyID, t.SuggestedPolicyID) &&
		equalOptional(finalDocumentType, t.ExtractedDocumentType)
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
