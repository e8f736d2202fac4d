package service

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/extraction"
	"brokerinbox/backend/internal/matching"
	"brokerinbox/backend/internal/objectstore"
	"brokerinbox/backend/internal/storage/memory"
	"brokerinbox/backend/internal/websocket"
)

const (
	tenantUID  = "7b1e2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d"
	recipient  = tenantUID + "@northbroker.example"
	mailDomain = "example"
	clientID   = "c0000000-0000-4000-8000-000000000042"
	policyID   = "p0000000-0000-4000-8000-000000000100"
)

// MockOracle 模拟抽取服务
type MockOracle struct {
	mock.Mock
}

func (m *MockOracle) Extract(ctx context.Context, payload extraction.Payload, meta extraction.Context) domain.ExtractionResult {
	args := m.Called(ctx, payload, meta)
	return args.Get(0).(domain.ExtractionResult)
}

// recordingNotifier 记录推送的事件
type recordingNotifier struct {
	mu     sync.Mutex
	events []websocket.EventType
}

func (n *recordingNotifier) NotifyTransaction(_ context.Context, _ *domain.Transaction, event websocket.EventType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) Events() []websocket.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]websocket.EventType(nil), n.events...)
}

// recordingStore 记录交易创建时的状态
type recordingStore struct {
	*memory.Store
	mu            sync.Mutex
	createdStatus []domain.TransactionStatus
	failDocuments int
}

func (s *recordingStore) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	s.createdStatus = append(s.createdStatus, tx.Status)
	s.mu.Unlock()
	return s.Store.CreateTransaction(ctx, tx)
}

func (s *recordingStore) CreateDocument(ctx context.Context, doc *domain.Document) error {
	s.mu.Lock()
	if s.failDocuments > 0 {
		s.failDocuments--
		s.mu.Unlock()
		return errors.New("document table unavailable")
	}
	s.mu.Unlock()
	return s.Store.CreateDocument(ctx, doc)
}

// failingObjects 所有上传都失败的对象存储
type failingObjects struct{}

func (failingObjects) Put(context.Context, string, []byte, string, objectstore.Metadata) error {
	return errors.New("bucket unavailable")
}
func (failingObjects) Get(context.Context, string) (*objectstore.Object, error) {
	return nil, objectstore.ErrObjectNotFound
}
func (failingObjects) Delete(context.Context, string) error { return nil }
func (failingObjects) SignedURL(context.Context, string, time.Duration) (string, error) {
	return "", objectstore.ErrSignedURLUnsupported
}

type fixture struct {
	store    *recordingStore
	objects  objectstore.Store
	oracle   *MockOracle
	notifier *recordingNotifier
	ingest   *IngestionService
	review   *ReviewService
	inbox    *InboxService
}

type fixtureOption func(*IngestionDeps, *IngestionOptions)

func withObjects(o objectstore.Store) fixtureOption {
	return func(d *IngestionDeps, _ *IngestionOptions) { d.Objects = o }
}

func withRateLimit(n int64) fixtureOption {
	return func(_ *IngestionDeps, o *IngestionOptions) { o.RateLimit = n }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()

	store := &recordingStore{Store: memory.NewStore()}
	require.NoError(t, store.SaveTenant(ctx, &domain.Tenant{ID: tenantUID, Name: "North Broker", Subdomain: "northbroker"}))
	require.NoError(t, store.SaveTenant(ctx, &domain.Tenant{ID: "a0000000-0000-4000-8000-00000000000a", Name: "Other", Subdomain: "otherbroker"}))
	require.NoError(t, store.SaveClient(ctx, &domain.Client{ID: clientID, TenantID: tenantUID, FullName: "Acme Ltd", ClientNumber: "CL-42"}))
	require.NoError(t, store.SavePolicy(ctx, &domain.Policy{
		ID: policyID, TenantID: tenantUID, ClientID: clientID,
		PolicyNumber: "DPK-100", Insurer: "Lloyd's", Status: domain.PolicyStatusActive,
	}))

	objects, err := objectstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	oracle := &MockOracle{}
	notifier := &recordingNotifier{}
	deps := IngestionDeps{
		Store:    store,
		Objects:  objects,
		Oracle:   oracle,
		Matcher:  matching.NewEngine(store, nil),
		Tenants:  NewTenantService(store, mailDomain, nil),
		Notifier: notifier,
	}
	options := IngestionOptions{RateLimit: 100, RateWindow: time.Hour}
	for _, opt := range opts {
		opt(&deps, &options)
	}

	return &fixture{
		store:    store,
		objects:  deps.Objects,
		oracle:   oracle,
		notifier: notifier,
		ingest:   NewIngestionService(deps, options, nil),
		review:   NewReviewService(store, notifier, nil, nil),
		inbox:    NewInboxService(store, deps.Objects, time.Hour),
	}
}

func guess(value string, confidence float64) domain.FieldGuess {
	return domain.FieldGuess{Value: &value, Confidence: confidence}
}

// scheduleExtraction 抽取结果：CL-42@0.95, DPK-100@0.9, policy_schedule@0.99
func scheduleExtraction() domain.ExtractionResult {
	return domain.NewExtractionResult(
		guess("CL-42", 0.95),
		guess("DPK-100", 0.9),
		guess("policy_schedule", 0.99),
		guess("Lloyd's", 0.8),
	)
}

type part struct {
	contentType string
	filename    string
	content     []byte
}

func pdfPart(name string, content string) part {
	return part{contentType: "application/pdf", filename: name, content: []byte("%PDF-1.7 " + content)}
}

func rawEmail(to string, parts ...part) []byte {
	var b strings.Builder
	b.WriteString("From: Insurer Ops <ops@insurer.example>\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: Policy DPK-100 schedule\r\n")
	b.WriteString("Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/mixed; boundary=\"BOUNDARY\"\r\n\r\n")
	b.WriteString("--BOUNDARY\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nPlease file the attached.\r\n\r\n")
	for _, p := range parts {
		b.WriteString("--BOUNDARY\r\n")
		b.WriteString("Content-Type: " + p.contentType + "\r\n")
		b.WriteString("Content-Disposition: attachment; filename=\"" + p.filename + "\"\r\n")
		b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		b.WriteString(base64.StdEncoding.EncodeToString(p.content) + "\r\n\r\n")
	}
	b.WriteString("--BOUNDARY--\r\n")
	return []byte(b.String())
}

// seedAwaiting 直接写入一条待审核交易及一个附件
func seedAwaiting(t *testing.T, f *fixture, suggestClient, suggestPolicy, docType *string) *domain.Transaction {
	t.Helper()
	ctx := context.Background()
	tx := &domain.Transaction{
		TenantID:              tenantUID,
		Source:                domain.SourceWebhook,
		FromEmail:             "ops@insurer.example",
		ToEmail:               recipient,
		Subject:               "Renewal",
		ReceivedAt:            time.Now().UTC(),
		Status:                domain.StatusAwaitingReview,
		SuggestedClientID:     suggestClient,
		SuggestedPolicyID:     suggestPolicy,
		ExtractedDocumentType: docType,
	}
	require.NoError(t, f.store.CreateTransaction(ctx, tx))
	require.NoError(t, f.store.SaveAttachment(ctx, &domain.EmailAttachment{
		TransactionID: tx.ID,
		Filename:      "renewal.pdf",
		MimeType:      "application/pdf",
		SizeBytes:     12,
		StorageKey:    tenantUID + "/email-attachments/0000.pdf",
	}))
	return tx
}

func ptr(s string) *string { return &s }
