package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/extraction"
	"brokerinbox/backend/internal/pool"
	"brokerinbox/backend/internal/storage"
	"brokerinbox/backend/internal/websocket"
)

func TestWebhookToApprovalScenario(t *testing.T) {
	f := newFixture(t)
	f.oracle.On("Extract", mock.Anything, mock.Anything, extraction.Context{Subject: "Policy DPK-100 schedule"}).
		Return(scheduleExtraction()).Once()
	ctx := context.Background()

	res, err := f.ingest.IngestDelivery(ctx, Delivery{
		Raw:         rawEmail(recipient, pdfPart("schedule.pdf", "schedule")),
		DeliveryKey: "sig-1",
	})
	require.NoError(t, err)
	require.False(t, res.Skipped)
	assert.Equal(t, 1, res.AttachmentsProcessed)
	assert.Equal(t, domain.StatusAwaitingReview, res.Status)
	assert.Equal(t, []domain.TransactionStatus{domain.StatusPending}, f.store.createdStatus)

	tx, err := f.inbox.Get(ctx, tenantUID, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingReview, tx.Status)
	assert.Equal(t, domain.SourceWebhook, tx.Source)
	assert.Equal(t, recipient, tx.ToEmail)
	require.NotNil(t, tx.SuggestedClientID)
	require.NotNil(t, tx.SuggestedPolicyID)
	assert.Equal(t, clientID, *tx.SuggestedClientID)
	assert.Equal(t, policyID, *tx.SuggestedPolicyID)
	assert.Equal(t, 0.98, tx.MatchConfidence)
	assert.Equal(t, domain.MatchTypeExact, tx.MatchType)
	assert.Equal(t, 0.95, tx.AIOverallConfidence)
	assert.True(t, tx.DocumentTypeRecognised)
	require.Len(t, tx.Attachments, 1)
	assert.True(t, strings.HasPrefix(tx.Attachments[0].StorageKey, tenantUID+"/email-attachments/"))

	obj, err := f.objects.Get(ctx, tx.Attachments[0].StorageKey)
	require.NoError(t, err)
	assert.Equal(t, "schedule.pdf", obj.Metadata.OriginalFilename)

	result, err := f.review.Approve(ctx, ApproveInput{
		TenantID:      tenantUID,
		TransactionID: res.TransactionID,
		ReviewerID:    "user-1",
		ClientID:      clientID,
		PolicyID:      policyID,
		DocumentType:  "policy_schedule",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.DocumentsCreated)

	approved, err := f.inbox.Get(ctx, tenantUID, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)
	require.NotNil(t, approved.AISuggestionCorrect)
	assert.True(t, *approved.AISuggestionCorrect)
	require.Len(t, approved.CreatedDocumentIDs, 1)

	doc, err := f.store.GetDocument(ctx, tenantUID, approved.CreatedDocumentIDs[0])
	require.NoError(t, err)
	assert.Equal(t, policyID, doc.PolicyID)
	assert.Equal(t, "policy_schedule", doc.DocumentType)

	assert.Equal(t, []websocket.EventType{websocket.EventAwaitingReview, websocket.EventApproved}, f.notifier.Events())
	f.oracle.AssertExpectations(t)
}

func TestIngestDeliveryOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("没有PDF附件时不创建交易", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.ingest.IngestDelivery(ctx, Delivery{
			Raw: rawEmail(recipient, part{contentType: "image/png", filename: "logo.png", content: []byte{0x89, 'P', 'N', 'G'}}),
		})
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Empty(t, f.store.createdStatus)
		f.oracle.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("空请求体", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.ingest.IngestDelivery(ctx, Delivery{})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("无法识别租户的收件地址", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.ingest.IngestDelivery(ctx, Delivery{Raw: rawEmail("someone@elsewhere.test", pdfPart("a.pdf", "a"))})
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.ErrorIs(t, err, ErrUnresolvableRecipient)
	})

	t.Run("租户不存在", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.ingest.IngestDelivery(ctx, Delivery{Raw: rawEmail("documents@ghost.example", pdfPart("a.pdf", "a"))})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("请求头与子域名指向不同租户", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.ingest.IngestDelivery(ctx, Delivery{
			Raw:             rawEmail(recipient, pdfPart("a.pdf", "a")),
			TenantID:        tenantUID,
			TenantSubdomain: "otherbroker",
		})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("请求头优先于收件地址", func(t *testing.T) {
		f := newFixture(t)
		f.oracle.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return(domain.EmptyExtraction())
		res, err := f.ingest.IngestDelivery(ctx, Delivery{
			Raw:             rawEmail("anything@unrelated.test", pdfPart("a.pdf", "a")),
			TenantSubdomain: "NorthBroker",
		})
		require.NoError(t, err)
		tx, err := f.inbox.Get(ctx, tenantUID, res.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, "anything@unrelated.test", tx.ToEmail)
	})

	t.Run("抽取失败时仍进入人工审核", func(t *testing.T) {
		f := newFixture(t)
		f.oracle.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return(domain.EmptyExtraction())
		res, err := f.ingest.IngestDelivery(ctx, Delivery{Raw: rawEmail(recipient, pdfPart("a.pdf", "a"))})
		require.NoError(t, err)
		assert.Equal(t, domain.MatchTypeNone, res.MatchType)

		tx, err := f.inbox.Get(ctx, tenantUID, res.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAwaitingReview, tx.Status)
		assert.Nil(t, tx.SuggestedClientID)
		assert.Zero(t, tx.MatchConfidence)
	})

	t.Run("附件全部上传失败", func(t *testing.T) {
		f := newFixture(t, withObjects(failingObjects{}))
		_, err := f.ingest.IngestDelivery(ctx, Delivery{Raw: rawEmail(recipient, pdfPart("a.pdf", "a"))})
		require.ErrorIs(t, err, ErrNoAttachmentsStored)

		page, err := f.inbox.List(ctx, tenantUID, string(domain.StatusError), 10, 0)
		require.NoError(t, err)
		require.Len(t, page.Transactions, 1)
		require.NotNil(t, page.Transactions[0].ErrorMessage)
		f.oracle.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestIngestRateLimit(t *testing.T) {
	f := newFixture(t, withRateLimit(1))
	f.oracle.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return(domain.EmptyExtraction())
	ctx := context.Background()

	_, err := f.ingest.IngestDelivery(ctx, Delivery{Raw: rawEmail(recipient, pdfPart("a.pdf", "a"))})
	require.NoError(t, err)

	quota, err := f.ingest.Quota(ctx, tenantUID)
	require.NoError(t, err)
	assert.Equal(t, Quota{Limit: 1, Used: 1, Remaining: 0, WindowSeconds: 3600}, quota)

	_, err = f.ingest.IngestDelivery(ctx, Delivery{Raw: rawEmail(recipient, pdfPart("b.pdf", "b"))})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Len(t, f.store.createdStatus, 1)

	quota, err = f.ingest.Quota(ctx, tenantUID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), quota.Remaining)
}

func TestIngestQuota(t *testing.T) {
	ctx := context.Background()

	t.Run("新窗口额度完整", func(t *testing.T) {
		f := newFixture(t, withRateLimit(10))
		quota, err := f.ingest.Quota(ctx, tenantUID)
		require.NoError(t, err)
		assert.Equal(t, Quota{Limit: 10, Used: 0, Remaining: 10, WindowSeconds: 3600}, quota)
	})

	t.Run("不限制时只返回窗口", func(t *testing.T) {
		f := newFixture(t, withRateLimit(0))
		quota, err := f.ingest.Quota(ctx, tenantUID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), quota.Limit)
		assert.Equal(t, int64(0), quota.Used)
	})
}

func TestIngestDuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	f.oracle.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return(domain.EmptyExtraction())
	ctx := context.Background()

	t.Run("失败的投递释放去重声明", func(t *testing.T) {
		d := Delivery{Raw: rawEmail("documents@ghost.example", pdfPart("a.pdf", "a")), DeliveryKey: "sig-ghost"}
		_, err := f.ingest.IngestDelivery(ctx, d)
		require.ErrorIs(t, err, domain.ErrNotFound)

		_, err = f.ingest.IngestDelivery(ctx, d)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("成功的投递不能重放", func(t *testing.T) {
		d := Delivery{Raw: rawEmail(recipient, pdfPart("a.pdf", "a")), DeliveryKey: "sig-ok"}
		_, err := f.ingest.IngestDelivery(ctx, d)
		require.NoError(t, err)

		_, err = f.ingest.IngestDelivery(ctx, d)
		assert.ErrorIs(t, err, domain.ErrDuplicateDelivery)
		assert.Len(t, f.store.createdStatus, 1)
	})
}

func TestIngestPicksMostConfidentExtraction(t *testing.T) {
	workers := pool.NewWorkerPool(2, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workers.Start(ctx)
	defer workers.Stop()

	f := newFixture(t, func(d *IngestionDeps, _ *IngestionOptions) { d.Workers = workers })

	isDoc := func(marker string) interface{} {
		return mock.MatchedBy(func(p extraction.Payload) bool { return strings.Contains(string(p.PDF), marker) })
	}
	weak := domain.NewExtractionResult(guess("CL-42", 0.95), domain.FieldGuess{}, domain.FieldGuess{}, domain.FieldGuess{})
	f.oracle.On("Extract", mock.Anything, isDoc("cover-letter"), mock.Anything).Return(weak).Once()
	f.oracle.On("Extract", mock.Anything, isDoc("schedule"), mock.Anything).Return(scheduleExtraction()).Once()

	res, err := f.ingest.IngestDelivery(context.Background(), Delivery{
		Raw: rawEmail(recipient, pdfPart("cover.pdf", "cover-letter"), pdfPart("schedule.pdf", "schedule")),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.AttachmentsProcessed)
	assert.Equal(t, domain.MatchTypeExact, res.MatchType)

	tx, err := f.inbox.Get(context.Background(), tenantUID, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, 0.95, tx.AIOverallConfidence)
	require.Len(t, tx.Attachments, 2)
	f.oracle.AssertExpectations(t)
}

func TestManualUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("缺少必填字段", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.ingest.ManualUpload(ctx, ManualUploadInput{TenantID: tenantUID, Subject: "x", Files: []domain.Attachment{{Filename: "a.pdf"}}})
		assert.ErrorIs(t, err, domain.ErrValidation)

		_, err = f.ingest.ManualUpload(ctx, ManualUploadInput{TenantID: tenantUID, FromEmail: "a@b.example", Subject: "x"})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("文件全部被拒绝", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.ingest.ManualUpload(ctx, ManualUploadInput{
			TenantID: tenantUID, FromEmail: "a@b.example", Subject: "x",
			Files: []domain.Attachment{{Filename: "run.exe", MimeType: "application/octet-stream", Content: []byte("MZ..")}},
		})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("上传进入审核队列", func(t *testing.T) {
		f := newFixture(t)
		f.oracle.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return(scheduleExtraction()).Once()

		res, err := f.ingest.ManualUpload(ctx, ManualUploadInput{
			TenantID:  tenantUID,
			UserID:    "user-1",
			FromEmail: "client@acme.example",
			Subject:   "Scanned schedule",
			Files: []domain.Attachment{
				{Filename: "scan.pdf", MimeType: "application/pdf", Content: []byte("%PDF-1.4 scan")},
				{Filename: "photo.jpg", MimeType: "image/jpeg", Content: []byte{0xFF, 0xD8, 0xFF}},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, res.AttachmentsProcessed)

		tx, err := f.inbox.Get(ctx, tenantUID, res.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, domain.SourceManual, tx.Source)
		assert.Equal(t, "manual-uploads@broker-"+tenantUID+".example", tx.ToEmail)
		assert.Equal(t, domain.MatchTypeExact, tx.MatchType)
		for _, att := range tx.Attachments {
			assert.Contains(t, att.StorageKey, "/manual-uploads/")
		}
		f.oracle.AssertNumberOfCalls(t, "Extract", 1)
	})

	t.Run("租户不存在", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.ingest.ManualUpload(ctx, ManualUploadInput{
			TenantID: "b0000000-0000-4000-8000-00000000000b", FromEmail: "a@b.example", Subject: "x",
			Files: []domain.Attachment{{Filename: "a.pdf", MimeType: "application/pdf", Content: []byte("%PDF")}},
		})
		assert.ErrorIs(t, err, storage.ErrTenantNotFound)
	})
}
