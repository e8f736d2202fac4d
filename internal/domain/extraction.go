package domain

import "math"

// DocumentType 文档类型，取值为固定词表
type DocumentType string

const (
	DocumentTypePolicySchedule DocumentType = "policy_schedule"
	DocumentTypePolicyWording  DocumentType = "policy_wording"
	DocumentTypeInvoice        DocumentType = "invoice"
	DocumentTypeCertificate    DocumentType = "certificate"
	DocumentTypeRenewalNotice  DocumentType = "renewal_notice"
	DocumentTypeEndorsement    DocumentType = "endorsement"
	DocumentTypeClaimDocument  DocumentType = "claim_document"
	DocumentTypeOther          DocumentType = "other"
)

var documentTypes = map[DocumentType]struct{}{
	DocumentTypePolicySchedule: {},
	DocumentTypePolicyWording:  {},
	DocumentTypeInvoice:        {},
	DocumentTypeCertificate:    {},
	DocumentTypeRenewalNotice:  {},
	DocumentTypeEndorsement:    {},
	DocumentTypeClaimDocument:  {},
	DocumentTypeOther:          {},
}

// Valid 判断是否属于固定词表
func (t DocumentType) Valid() bool {
	_, ok := documentTypes[t]
	return ok
}

// FieldGuess 抽取出的单个字段及其置信度，Value 为 nil 表示未找到
type FieldGuess struct {
	Value      *string `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Present 字段是否有值
func (f FieldGuess) Present() bool {
	return f.Value != nil && *f.Value != ""
}

// String 返回字段值，没有值时返回空字符串
func (f FieldGuess) String() string {
	if f.Value == nil {
		return ""
	}
	return *f.Value
}

// ExtractionResult 抽取结果。OverallConfidence 仅由客户编号、保单号、文档类型三个置信度求均值得出，
// 保险公司字段不参与计算。
type ExtractionResult struct {
	ClientNumber      FieldGuess `json:"clientNumber"`
	PolicyNumber      FieldGuess `json:"policyNumber"`
	DocumentType      FieldGuess `json:"documentType"`
	Insurer           FieldGuess `json:"insurer"`
	OverallConfidence float64    `json:"overallConfidence"`
}

// NewExtractionResult 根据四个字段构造结果并计算整体置信度
func NewExtractionResult(clientNumber, policyNumber, documentType, insurer FieldGuess) ExtractionResult {
	return ExtractionResult{
		ClientNumber:      clientNumber,
		PolicyNumber:      policyNumber,
		DocumentType:      documentType,
		Insurer:           insurer,
		OverallConfidence: OverallConfidence(clientNumber.Confidence, policyNumber.Confidence, documentType.Confidence),
	}
}

// EmptyExtraction 返回全空、置信度全为 0 的结果，抽取失败时使用
func EmptyExtraction() ExtractionResult {
	return ExtractionResult{}
}

// OverallConfidence 计算三个置信度的算术平均值并保留两位小数
func OverallConfidence(client, policy, documentType float64) float64 {
	mean := (client + policy + documentType) / 3
	return math.Round(mean*100) / 100
}

// DocumentTypeRecognised 抽取出的文档类型是否在固定词表中
func (r ExtractionResult) DocumentTypeRecognised() bool {
	return r.DocumentType.Present() && DocumentType(*r.DocumentType.Value).Valid()
}
