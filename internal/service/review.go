package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/storage"
	"brokerinbox/backend/internal/websocket"
)

const (
	defaultRejectReason = "Rejected by broker"
	auditEntityType     = "email_processing_transaction"
	auditUserType       = "broker"
)

// ApproveInput 审核通过请求，ClientID/PolicyID/DocumentType 为空时沿用 AI 建议
type ApproveInput struct {
	TenantID         string
	TransactionID    string
	ReviewerID       string
	ClientID         string
	PolicyID         string
	DocumentType     string
	CorrectionReason string
}

// RejectInput 审核拒绝请求
type RejectInput struct {
	TenantID      string
	TransactionID string
	ReviewerID    string
	Reason        string
}

// ReviewResult 审核结果
type ReviewResult struct {
	Transaction      *domain.Transaction
	DocumentsCreated int
}

// ReviewService 人工审核：approve / reject 是交易仅有的两个人工终态迁移。
type ReviewService struct {
	store    storage.Store
	notifier Notifier
	metrics  Metrics
	log      *zap.Logger
	now      func() time.Time
}

// NewReviewService 创建审核服务
func NewReviewService(store storage.Store, notifier Notifier, metrics Metrics, log *zap.Logger) *ReviewService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReviewService{
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Approve 确认客户与保单，为每个附件归档一份文档
//
// 客户和保单缺一不可，否则返回 ErrValidation 且交易状态不变；
// 交易不处于 awaiting_review 时返回 ErrConflict。
// 单个文档归档失败只记录日志，不影响审核结果。
func (s *ReviewService) Approve(ctx context.Context, in ApproveInput) (*ReviewResult, error) {
	tx, err := s.reviewable(ctx, in.TenantID, in.TransactionID)
	if err != nil {
		return nil, err
	}

	clientID := firstNonEmpty(in.ClientID, tx.SuggestedClientID)
	policyID := firstNonEmpty(in.PolicyID, tx.SuggestedPolicyID)
	documentType, err := finalDocumentType(in.DocumentType, tx.ExtractedDocumentType)
	if err != nil {
		return nil, err
	}
	if clientID == nil || policyID == nil {
		return nil, fmt.Errorf("%w: client and policy must be selected for approval", domain.ErrValidation)
	}
	if err := s.checkSelection(ctx, in.TenantID, *clientID, *policyID); err != nil {
		return nil, err
	}

	correct := tx.SuggestionCorrect(clientID, policyID, documentType)
	approved := true
	reviewedAt := s.now()

	tx.Status = domain.StatusApproved
	tx.BrokerApproved = &approved
	tx.ReviewedByUserID = strPtr(in.ReviewerID)
	tx.ReviewedAt = &reviewedAt
	tx.ProcessedAt = &reviewedAt
	tx.FinalClientID = clientID
	tx.FinalPolicyID = policyID
	tx.FinalDocumentType = documentType
	tx.AISuggestionCorrect = &correct
	tx.CorrectionReason = strPtr(strings.TrimSpace(in.CorrectionReason))
	tx.CreatedDocumentIDs = nil

	// 先完成终态迁移，并发的第二个审核请求在这里得到冲突，不会重复归档
	if err := s.store.UpdateTransaction(ctx, tx, domain.StatusAwaitingReview); err != nil {
		return nil, fmt.Errorf("failed to approve transaction %s: %w", tx.ID, err)
	}

	docIDs := s.fileDocuments(ctx, tx, *policyID, documentType, in.ReviewerID)
	if len(docIDs) > 0 {
		tx.CreatedDocumentIDs = docIDs
		if err := s.store.UpdateTransaction(ctx, tx, domain.StatusApproved); err != nil {
			s.log.Error("Failed to record created documents",
				zap.String("transaction_id", tx.ID),
				zap.Strings("document_ids", docIDs),
				zap.Error(err))
		}
	}

	s.audit(ctx, tx, in.ReviewerID, domain.AuditActionApprove, map[string]interface{}{
		"final_client_id":       *clientID,
		"final_policy_id":       *policyID,
		"ai_suggestion_correct": correct,
		"documents_created":     len(docIDs),
	})
	s.metrics.RecordReview("approved", correct)
	s.metrics.RecordTransaction(string(domain.StatusApproved), string(tx.Source))
	s.notifier.NotifyTransaction(ctx, tx, websocket.EventApproved)

	s.log.Info("Transaction approved",
		zap.String("transaction_id", tx.ID),
		zap.String("tenant_id", tx.TenantID),
		zap.Bool("ai_suggestion_correct", correct),
		zap.Int("documents_created", len(docIDs)))

	return &ReviewResult{Transaction: tx, DocumentsCreated: len(docIDs)}, nil
}

// Reject 拒绝交易，不归档文档
func (s *ReviewService) Reject(ctx context.Context, in RejectInput) (*ReviewResult, error) {
	tx, err := s.reviewable(ctx, in.TenantID, in.TransactionID)
	if err != nil {
		return nil, err
	}

	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = defaultRejectReason
	}
	approved := false
	reviewedAt := s.now()

	tx.Status = domain.StatusRejected
	tx.BrokerApproved = &approved
	tx.ReviewedByUserID = strPtr(in.ReviewerID)
	tx.ReviewedAt = &reviewedAt
	tx.ProcessedAt = &reviewedAt
	tx.CorrectionReason = &reason

	if err := s.store.UpdateTransaction(ctx, tx, domain.StatusAwaitingReview); err != nil {
		return nil, fmt.Errorf("failed to reject transaction %s: %w", tx.ID, err)
	}

	s.audit(ctx, tx, in.ReviewerID, domain.AuditActionReject, map[string]interface{}{
		"reason": reason,
	})
	s.metrics.RecordReview("rejected", false)
	s.metrics.RecordTransaction(string(domain.StatusRejected), string(tx.Source))
	s.notifier.NotifyTransaction(ctx, tx, websocket.EventRejected)

	s.log.Info("Transaction rejected",
		zap.String("transaction_id", tx.ID),
		zap.String("tenant_id", tx.TenantID))

	return &ReviewResult{Transaction: tx}, nil
}

// reviewable 加载交易并确认其处于 awaiting_review
func (s *ReviewService) reviewable(ctx context.Context, tenantID, id string) (*domain.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.StatusAwaitingReview {
		return nil, fmt.Errorf("%w: transaction %s is %s", domain.ErrConflict, id, tx.Status)
	}
	return tx, nil
}

// checkSelection 确认客户与保单属于该租户，且保单归属该客户
func (s *ReviewService) checkSelection(ctx context.Context, tenantID, clientID, policyID string) error {
	if _, err := s.store.GetClient(ctx, tenantID, clientID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: client %s does not exist", domain.ErrValidation, clientID)
		}
		return err
	}
	policy, err := s.store.GetPolicy(ctx, tenantID, policyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: policy %s does not exist", domain.ErrValidation, policyID)
		}
		return err
	}
	if policy.ClientID != clientID {
		return fmt.Errorf("%w: policy %s does not belong to client %s", domain.ErrValidation, policyID, clientID)
	}
	return nil
}

// fileDocuments 为每个附件创建归档文档，返回成功创建的文档 ID
func (s *ReviewService) fileDocuments(ctx context.Context, tx *domain.Transaction, policyID string, documentType *string, reviewerID string) []string {
	docType := string(domain.DocumentTypeOther)
	if documentType != nil && *documentType != "" {
		docType = *documentType
	}

	ids := make([]string, 0, len(tx.Attachments))
	for _, att := range tx.Attachments {
		doc := &domain.Document{
			ID:                      uuid.NewString(),
			TenantID:                tx.TenantID,
			PolicyID:                policyID,
			DocumentType:            docType,
			FileName:                att.Filename,
			StorageKey:              att.StorageKey,
			MimeType:                att.MimeType,
			SizeBytes:               att.SizeBytes,
			UploadedByTransactionID: tx.ID,
			UploadedByUserID:        reviewerID,
		}
		if err := s.store.CreateDocument(ctx, doc); err != nil {
			s.log.Error("Failed to create document",
				zap.String("transaction_id", tx.ID),
				zap.String("attachment_id", att.ID),
				zap.Error(err))
			continue
		}
		ids = append(ids, doc.ID)
	}
	return ids
}

func (s *ReviewService) audit(ctx context.Context, tx *domain.Transaction, userID string, action domain.AuditAction, changes map[string]interface{}) {
	entry := &domain.AuditEntry{
		ID:         uuid.NewString(),
		TenantID:   tx.TenantID,
		UserID:     userID,
		UserType:   auditUserType,
		Action:     action,
		EntityType: auditEntityType,
		EntityID:   tx.ID,
		Changes:    changes,
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.log.Warn("Failed to write audit entry",
			zap.String("transaction_id", tx.ID),
			zap.String("action", string(action)),
			zap.Error(err))
	}
}

// finalDocumentType 确定归档的文档类型
//
// 人工指定的类型必须在词表内，否则返回 ErrValidation；
// 未指定时沿用抽取结果，抽取出词表外的值时改为 other。
func finalDocumentType(value string, extracted *string) (*string, error) {
	if v := strings.TrimSpace(value); v != "" {
		if !domain.DocumentType(v).Valid() {
			return nil, fmt.Errorf("%w: unknown document type %q", domain.ErrValidation, v)
		}
		return &v, nil
	}
	if extracted == nil || *extracted == "" {
		return nil, nil
	}
	if !domain.DocumentType(*extracted).Valid() {
		other := string(domain.DocumentTypeOther)
		return &other, nil
	}
	v := *extracted
	return &v, nil
}

func firstNonEmpty(value string, fallback *string) *string {
	if v := strings.TrimSpace(value); v != "" {
		return &v
	}
	if fallback != nil && *fallback != "" {
		v := *fallback
		return &v
	}
	return nil
}
