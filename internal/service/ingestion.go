package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/extraction"
	"brokerinbox/backend/internal/mailparse"
	"brokerinbox/backend/internal/objectstore"
	"brokerinbox/backend/internal/pool"
	"brokerinbox/backend/internal/security"
	"brokerinbox/backend/internal/storage"
	"brokerinbox/backend/internal/websocket"
)

// ErrNoAttachmentsStored 所有附件都未能保存，交易已被标记为 error
var ErrNoAttachmentsStored = errors.New("no attachments could be stored")

// IngestionOptions 入站处理参数
type IngestionOptions struct {
	RateLimit         int64         // 每个租户窗口内允许的邮件数，<= 0 时不限制
	RateWindow        time.Duration // 速率统计窗口
	ReplayTTL         time.Duration // 投递去重窗口
	UploadConcurrency int           // 单封邮件附件并发上传数
}

// IngestionDeps 入站处理依赖
type IngestionDeps struct {
	Store    storage.Store
	Objects  objectstore.Store
	Oracle   extraction.Oracle // 为 nil 时跳过抽取
	Matcher  Matcher
	Tenants  *TenantService
	Guard    *security.AttachmentGuard
	Workers  *pool.WorkerPool // 为 nil 时在调用协程中抽取
	Notifier Notifier
	Metrics  Metrics
}

// Delivery 一次入站投递
type Delivery struct {
	Raw             []byte
	Source          domain.TransactionSource
	DeliveryKey     string   // 去重键，通常为签名；为空时不去重
	TenantID        string   // X-Tenant-ID
	TenantSubdomain string   // X-Tenant-Subdomain
	Recipients      []string // SMTP RCPT TO，非空时代替 To 头解析租户
}

// ManualUploadInput 审核人员手动上传
type ManualUploadInput struct {
	TenantID  string
	UserID    string
	FromEmail string
	Subject   string
	Files     []domain.Attachment
}

// IngestResult 入站处理结果
type IngestResult struct {
	TransactionID        string                   `json:"transactionId,omitempty"`
	Status               domain.TransactionStatus `json:"status,omitempty"`
	AttachmentsProcessed int                      `json:"attachmentsProcessed"`
	MatchType            domain.MatchType         `json:"matchType,omitempty"`
	Skipped              bool                     `json:"-"` // 没有可处理的附件，未创建交易
}

// IngestionService 入站文档处理流程：
// 解析 → 租户 → 限流 → 创建 pending 交易 → 并发上传附件 → 抽取 → 匹配 → awaiting_review
type IngestionService struct {
	store    storage.Store
	objects  objectstore.Store
	oracle   extraction.Oracle
	matcher  Matcher
	tenants  *TenantService
	guard    *security.AttachmentGuard
	workers  *pool.WorkerPool
	notifier Notifier
	metrics  Metrics
	opts     IngestionOptions
	log      *zap.Logger
	now      func() time.Time
}

// NewIngestionService 创建入站处理服务
func NewIngestionService(deps IngestionDeps, opts IngestionOptions, log *zap.Logger) *IngestionService {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Oracle == nil {
		deps.Oracle = extraction.NopOracle{}
	}
	if deps.Guard == nil {
		deps.Guard = security.NewAttachmentGuard(0)
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 4
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Hour
	}
	if opts.ReplayTTL <= 0 {
		opts.ReplayTTL = 10 * time.Minute
	}
	return &IngestionService{
		store:    deps.Store,
		objects:  deps.Objects,
		oracle:   deps.Oracle,
		matcher:  deps.Matcher,
		tenants:  deps.Tenants,
		guard:    deps.Guard,
		workers:  deps.Workers,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		opts:     opts,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// IngestDelivery 处理一封原始邮件
//
// 返回值:
//   - *IngestResult: Skipped 为 true 时表示没有 PDF 附件
//   - error: domain.ErrDuplicateDelivery / ErrValidation / ErrNotFound / ErrRateLimited 或存储错误
func (s *IngestionService) IngestDelivery(ctx context.Context, d Delivery) (res *IngestResult, err error) {
	if len(d.Raw) == 0 {
		return nil, fmt.Errorf("%w: empty message", domain.ErrValidation)
	}
	if d.Source == "" {
		d.Source = domain.SourceWebhook
	}

	if d.DeliveryKey != "" {
		claimed, cerr := s.store.ClaimDelivery(ctx, d.DeliveryKey, s.opts.ReplayTTL)
		switch {
		case cerr != nil:
			s.log.Warn("Failed to claim delivery, processing without dedup", zap.Error(cerr))
		case !claimed:
			return nil, domain.ErrDuplicateDelivery
		default:
			defer func() {
				if err != nil {
					if rerr := s.store.ReleaseDelivery(context.WithoutCancel(ctx), d.DeliveryKey); rerr != nil {
						s.log.Warn("Failed to release delivery claim", zap.Error(rerr))
					}
				}
			}()
		}
	}

	msg, err := mailparse.Parse(d.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	recipients := msg.To
	if len(d.Recipients) > 0 {
		recipients = d.Recipients
	}
	tenant, address, err := s.tenants.Resolve(ctx, TenantHint{
		ID:         d.TenantID,
		Subdomain:  d.TenantSubdomain,
		Recipients: recipients,
	})
	if err != nil {
		return nil, err
	}

	if err := s.checkRate(ctx, tenant.ID); err != nil {
		return nil, err
	}

	s.log.Info("Processing inbound email",
		zap.String("tenant_id", tenant.ID),
		zap.String("from", msg.From),
		zap.String("subject", msg.Subject),
		zap.Int("attachments", len(msg.Attachments)))

	return s.process(ctx, tenant, address, msg, d.Source, objectstore.FolderEmailAttachments, true)
}

// ManualUpload 将审核人员上传的文件放入审核队列，不经过限流
func (s *IngestionService) ManualUpload(ctx context.Context, in ManualUploadInput) (*IngestResult, error) {
	if strings.TrimSpace(in.FromEmail) == "" || strings.TrimSpace(in.Subject) == "" {
		return nil, fmt.Errorf("%w: missing required fields: fromEmail, subject", domain.ErrValidation)
	}
	if len(in.Files) == 0 {
		return nil, fmt.Errorf("%w: at least one file is required", domain.ErrValidation)
	}

	tenant, err := s.tenants.Get(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}

	address := fmt.Sprintf("manual-uploads@broker-%s.%s", tenant.ID, s.tenants.MailDomain())
	msg := &domain.InboundMessage{
		From:        strings.TrimSpace(in.FromEmail),
		To:          []string{address},
		Subject:     strings.TrimSpace(in.Subject),
		Attachments: in.Files,
		ReceivedAt:  s.now(),
	}

	res, err := s.process(ctx, tenant, address, msg, domain.SourceManual, objectstore.FolderManualUploads, false)
	if err != nil {
		return nil, err
	}
	if res.Skipped {
		return nil, fmt.Errorf("%w: none of the uploaded files were accepted", domain.ErrValidation)
	}
	return res, nil
}

// Quota 租户当前窗口的入站额度
type Quota struct {
	Limit         int64 `json:"limit"` // 0 表示不限制
	Used          int64 `json:"used"`
	Remaining     int64 `json:"remaining"`
	WindowSeconds int64 `json:"windowSeconds"`
}

// Quota 查询租户在当前窗口内已用和剩余的入站额度，不会增加计数
func (s *IngestionService) Quota(ctx context.Context, tenantID string) (Quota, error) {
	q := Quota{Limit: s.opts.RateLimit, WindowSeconds: int64(s.opts.RateWindow.Seconds())}
	if s.opts.RateLimit <= 0 {
		q.Limit = 0
		return q, nil
	}

	used, err := s.store.GetRateLimit(ctx, rateKey(tenantID))
	if err != nil {
		return Quota{}, fmt.Errorf("failed to read rate limit for tenant %s: %w", tenantID, err)
	}
	q.Used = used
	q.Remaining = max(s.opts.RateLimit-used, 0)
	return q, nil
}

func rateKey(tenantID string) string {
	return "ingest:" + tenantID
}

// checkRate 固定窗口计数，存储故障时放行
func (s *IngestionService) checkRate(ctx context.Context, tenantID string) error {
	if s.opts.RateLimit <= 0 {
		return nil
	}
	count, err := s.store.IncrementRateLimit(ctx, rateKey(tenantID), s.opts.RateWindow)
	if err != nil {
		s.log.Warn("Rate limit counter unavailable", zap.String("tenant_id", tenantID), zap.Error(err))
		return nil
	}
	if count > s.opts.RateLimit {
		s.metrics.RecordRateLimitBlock("tenant_ingest")
		s.log.Warn("Tenant exceeded inbound rate limit",
			zap.String("tenant_id", tenantID),
			zap.Int64("count", count),
			zap.Int64("limit", s.opts.RateLimit))
		return fmt.Errorf("%w: tenant %s exceeded %d messages per %s", domain.ErrRateLimited, tenantID, s.opts.RateLimit, s.opts.RateWindow)
	}
	return nil
}

type storedAttachment struct {
	record  domain.EmailAttachment
	content []byte
}

func (s *IngestionService) process(ctx context.Context, tenant *domain.Tenant, address string, msg *domain.InboundMessage,
	source domain.TransactionSource, folder string, pdfOnly bool) (*IngestResult, error) {
	start := time.Now()

	candidates := msg.Attachments
	if pdfOnly {
		candidates = mailparse.FilterPDF(candidates)
	}
	accepted, rejected := s.guard.Filter(candidates)
	for name, reason := range rejected {
		s.metrics.RecordAttachment("rejected", 0)
		s.log.Warn("Attachment rejected",
			zap.String("tenant_id", tenant.ID),
			zap.String("filename", name),
			zap.Error(reason))
	}
	if len(accepted) == 0 {
		s.log.Info("No PDF attachments found, skipping", zap.String("tenant_id", tenant.ID))
		return &IngestResult{Skipped: true}, nil
	}

	if address == "" {
		address = domain.NormalizeAddress(msg.PrimaryRecipient())
	}
	inbox, err := s.store.GetOrCreateInbox(ctx, tenant.ID, address)
	if err != nil {
		return nil, fmt.Errorf("failed to get inbox: %w", err)
	}

	tx := &domain.Transaction{
		ID:         uuid.NewString(),
		TenantID:   tenant.ID,
		InboxID:    inbox.ID,
		Source:     source,
		FromEmail:  msg.From,
		ToEmail:    address,
		Subject:    msg.Subject,
		ReceivedAt: msg.ReceivedAt,
		Status:     domain.StatusPending,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	s.metrics.RecordTransaction(string(domain.StatusPending), string(source))

	stored := s.uploadAll(ctx, tx, accepted, folder)
	if len(stored) == 0 {
		s.markError(ctx, tx, ErrNoAttachmentsStored.Error())
		return nil, fmt.Errorf("transaction %s: %w", tx.ID, ErrNoAttachmentsStored)
	}

	result := s.extractBest(ctx, stored, msg.Subject)
	tx.ApplyExtraction(result)

	match := domain.NoMatch()
	if s.matcher != nil {
		match = s.matcher.Match(ctx, tenant.ID, result)
	}
	tx.ApplyMatch(match)
	s.metrics.RecordMatch(string(match.MatchType))

	processedAt := s.now()
	tx.Status = domain.StatusAwaitingReview
	tx.ProcessedAt = &processedAt
	if err := s.store.UpdateTransaction(ctx, tx, domain.StatusPending); err != nil {
		s.markError(ctx, tx, "failed to queue for review")
		return nil, fmt.Errorf("failed to update transaction %s: %w", tx.ID, err)
	}

	s.metrics.RecordTransaction(string(domain.StatusAwaitingReview), string(source))
	s.metrics.RecordEmailProcessingTime(string(source), time.Since(start))
	s.notifier.NotifyTransaction(ctx, tx, websocket.EventAwaitingReview)

	s.log.Info("Transaction queued for review",
		zap.String("transaction_id", tx.ID),
		zap.String("tenant_id", tenant.ID),
		zap.Int("attachments", len(stored)),
		zap.String("match_type", string(match.MatchType)),
		zap.Float64("match_confidence", match.Confidence))

	return &IngestResult{
		TransactionID:        tx.ID,
		Status:               tx.Status,
		AttachmentsProcessed: len(stored),
		MatchType:            match.MatchType,
	}, nil
}

// uploadAll 并发上传附件，失败的附件记录日志后跳过，返回值保持输入顺序
func (s *IngestionService) uploadAll(ctx context.Context, tx *domain.Transaction, atts []domain.Attachment, folder string) []storedAttachment {
	slots := make([]*storedAttachment, len(atts))

	var g errgroup.Group
	g.SetLimit(s.opts.UploadConcurrency)
	for i, att := range atts {
		g.Go(func() error {
			rec, err := s.storeAttachment(ctx, tx, att, folder)
			if err != nil {
				s.metrics.RecordAttachment("failed", 0)
				s.log.Error("Failed to store attachment",
					zap.String("transaction_id", tx.ID),
					zap.String("filename", att.Filename),
					zap.Error(err))
				return nil
			}
			s.metrics.RecordAttachment("stored", rec.SizeBytes)
			slots[i] = &storedAttachment{record: *rec, content: att.Content}
			return nil
		})
	}
	_ = g.Wait()

	stored := make([]storedAttachment, 0, len(atts))
	for _, slot := range slots {
		if slot != nil {
			stored = append(stored, *slot)
		}
	}
	return stored
}

func (s *IngestionService) storeAttachment(ctx context.Context, tx *domain.Transaction, att domain.Attachment, folder string) (*domain.EmailAttachment, error) {
	key := objectstore.BuildKey(tx.TenantID, folder, att.Filename)
	meta := objectstore.Metadata{
		OriginalFilename: att.Filename,
		TenantID:         tx.TenantID,
		UploadedAt:       s.now(),
	}
	if err := s.objects.Put(ctx, key, att.Content, att.MimeType, meta); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	rec := &domain.EmailAttachment{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		Filename:      objectstore.SanitizeFilename(att.Filename),
		MimeType:      att.MimeType,
		SizeBytes:     int64(len(att.Content)),
		StorageKey:    key,
	}
	if err := s.store.SaveAttachment(ctx, rec); err != nil {
		if derr := s.objects.Delete(context.WithoutCancel(ctx), key); derr != nil {
			s.log.Warn("Failed to delete orphaned object", zap.String("key", key), zap.Error(derr))
		}
		return nil, fmt.Errorf("save record: %w", err)
	}
	return rec, nil
}

// extractBest 对每个 PDF 调用抽取服务，取整体置信度最高的结果
func (s *IngestionService) extractBest(ctx context.Context, docs []storedAttachment, subject string) domain.ExtractionResult {
	pdfs := make([]storedAttachment, 0, len(docs))
	for _, doc := range docs {
		if mailparse.IsPDF(domain.Attachment{Filename: doc.record.Filename, MimeType: doc.record.MimeType}) {
			pdfs = append(pdfs, doc)
		}
	}
	if len(pdfs) == 0 {
		return domain.EmptyExtraction()
	}

	// 缓冲足够大，超时后才完成的任务写入时不会阻塞
	results := make(chan domain.ExtractionResult, len(pdfs))
	meta := extraction.Context{Subject: subject}

	var wg sync.WaitGroup
	for _, doc := range pdfs {
		task := func() {
			results <- s.oracle.Extract(ctx, extraction.Payload{PDF: doc.content}, meta)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.workers == nil {
				task()
				return
			}
			if err := s.workers.Do(ctx, task); err != nil {
				s.log.Warn("Extraction not scheduled", zap.String("filename", doc.record.Filename), zap.Error(err))
			}
		}()
	}
	if s.workers != nil {
		s.metrics.SetExtractionQueue(s.workers.QueueLength())
	}
	wg.Wait()

	best := domain.EmptyExtraction()
	found := false
	for i := 0; i < len(pdfs); i++ {
		select {
		case r := <-results:
			if !found || r.OverallConfidence > best.OverallConfidence {
				best, found = r, true
			}
		default:
		}
	}
	return best
}

// markError 将 pending 交易标记为 error，失败时只记录日志
func (s *IngestionService) markError(ctx context.Context, tx *domain.Transaction, reason string) {
	ctx = context.WithoutCancel(ctx)
	processedAt := s.now()
	tx.Status = domain.StatusError
	tx.ErrorMessage = &reason
	tx.ProcessedAt = &processedAt
	if err := s.store.UpdateTransaction(ctx, tx, domain.StatusPending); err != nil {
		s.log.Error("Failed to mark transaction as error",
			zap.String("transaction_id", tx.ID),
			zap.Error(err))
		return
	}
	s.metrics.RecordTransaction(string(domain.StatusError), string(tx.Source))
}
