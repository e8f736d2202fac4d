// Package smtp 提供可选的 SMTP 入站通道，与 webhook 共用同一处理流程。
package smtp

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/service"
)

const (
	defaultMaxMessageBytes = 25 * 1024 * 1024
	defaultMaxRecipients   = 50
	deliveryTimeout        = 2 * time.Minute
)

// Ingester 入站处理流程
type Ingester interface {
	IngestDelivery(ctx context.Context, d service.Delivery) (*service.IngestResult, error)
}

// RecipientResolver 在 RCPT 阶段确认收件地址属于某个租户
type RecipientResolver interface {
	Resolve(ctx context.Context, hint service.TenantHint) (*domain.Tenant, string, error)
}

// Options SMTP 服务参数
type Options struct {
	Addr            string
	Domain          string
	MaxMessageBytes int64
	MaxRecipients   int
	AllowInsecure   bool
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收发往租户收件地址的邮件，不做转发；无法识别租户的收件人在 RCPT 阶段以 550 拒绝。
type Backend struct {
	ingest   Ingester
	tenants  RecipientResolver
	limiter  *ConnectionLimiter
	maxBytes int64
	log      *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(ingest Ingester, tenants RecipientResolver, limiter *ConnectionLimiter, maxBytes int64, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	return &Backend{ingest: ingest, tenants: tenants, limiter: limiter, maxBytes: maxBytes, log: log}
}

// NewServer 按参数创建 go-smtp 服务器
func NewServer(backend *Backend, opts Options) *gosmtp.Server {
	srv := gosmtp.NewServer(backend)
	srv.Addr = opts.Addr
	srv.Domain = opts.Domain
	srv.AllowInsecureAuth = opts.AllowInsecure
	srv.ReadTimeout = 30 * time.Second
	srv.WriteTimeout = 30 * time.Second
	srv.MaxMessageBytes = backend.maxBytes
	srv.MaxRecipients = opts.MaxRecipients
	if srv.MaxRecipients <= 0 {
		srv.MaxRecipients = defaultMaxRecipients
	}
	return srv
}

// NewSession 创建新的 SMTP 会话，超过连接上限时返回 421。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}

	remote := ""
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	return &session{backend: b, remote: remote}, nil
}

type session struct {
	backend    *Backend
	remote     string
	from       string
	recipients []string
	released   bool
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt 处理 RCPT 命令，只接受能解析出租户的地址。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := domain.NormalizeAddress(to)
	if addr == "" || !strings.Contains(addr, "@") {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := s.backend.tenants.Resolve(ctx, service.TenantHint{Recipients: []string{addr}})
	switch {
	case err == nil:
		s.recipients = append(s.recipients, addr)
		return nil
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotFound):
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient not handled by this server",
		}
	default:
		s.backend.log.Warn("Failed to resolve SMTP recipient", zap.String("recipient", addr), zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary failure, try again later",
		}
	}
}

// Data 读取邮件并交给入站处理流程。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(r, s.backend.maxBytes+1))
	if err != nil {
		return err
	}
	if int64(len(raw)) > s.backend.maxBytes {
		return &gosmtp.SMTPError{
			Code:         552,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      "message too large",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	res, err := s.backend.ingest.IngestDelivery(ctx, service.Delivery{
		Raw:        raw,
		Source:     domain.SourceSMTP,
		Recipients: append([]string(nil), s.recipients...),
	})
	if err != nil {
		return s.backend.deliveryError(err, s)
	}

	if res.Skipped {
		s.backend.log.Info("SMTP message had no PDF attachments",
			zap.String("from", s.from),
			zap.String("remote", s.remote))
		return nil
	}
	s.backend.log.Info("SMTP message queued for review",
		zap.String("transaction_id", res.TransactionID),
		zap.Int("attachments", res.AttachmentsProcessed),
		zap.String("remote", s.remote))
	return nil
}

// deliveryError 将处理错误映射为 SMTP 回复码，临时性错误让发送方重试
func (b *Backend) deliveryError(err error, s *session) error {
	switch {
	case errors.Is(err, domain.ErrDuplicateDelivery):
		return nil
	case errors.Is(err, domain.ErrValidation):
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "message could not be processed",
		}
	case errors.Is(err, domain.ErrNotFound):
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient not handled by this server",
		}
	case errors.Is(err, domain.ErrRateLimited):
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 1},
			Message:      "rate limit exceeded, try again later",
		}
	default:
		b.log.Error("Failed to ingest SMTP message",
			zap.String("from", s.from),
			zap.Strings("recipients", s.recipients),
			zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary failure, try again later",
		}
	}
}

// Reset 重置状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束，释放连接许可。
func (s *session) Logout() error {
	if !s.released && s.backend.limiter != nil {
		s.backend.limiter.Release()
		s.released = true
	}
	return nil
}
