// Package mailparse 将原始 RFC 822 邮件解析为 domain.InboundMessage，
// 并从收件地址中识别目标租户。
package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"brokerinbox/backend/internal/domain"
)

// ErrEmptyMessage 原始邮件为空
var ErrEmptyMessage = errors.New("empty message")

// defaultAttachmentName 附件缺少文件名时使用的名称
const defaultAttachmentName = "attachment"

// Parse 解析原始邮件，缺少 Date 头时使用当前时间
func Parse(raw []byte) (*domain.InboundMessage, error) {
	return ParseAt(raw, time.Now())
}

// ParseAt 解析原始邮件，缺少或无法解析 Date 头时使用 now
//
// 参数:
//   - raw: RFC 822 原始字节
//   - now: 默认接收时间
//
// 返回值:
//   - *domain.InboundMessage: 解析结果，主题与正文缺失时为空字符串
//   - error: MIME 结构无法解析时返回错误
func ParseAt(raw []byte, now time.Time) (*domain.InboundMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}

	msg := &domain.InboundMessage{
		From:        firstAddress(env, "From"),
		To:          addresses(env, "To"),
		Subject:     env.GetHeader("Subject"),
		Text:        env.Text,
		HTML:        env.HTML,
		Attachments: collectAttachments(env),
		Headers:     collectHeaders(env),
		ReceivedAt:  now,
	}

	if date := env.GetHeader("Date"); date != "" {
		if parsed, err := mail.ParseDate(date); err == nil {
			msg.ReceivedAt = parsed
		}
	}

	return msg, nil
}

// formatAddress 返回 "Name <addr>" 或裸地址
func formatAddress(addr *mail.Address) string {
	if addr.Name == "" {
		return addr.Address
	}
	return fmt.Sprintf("%s <%s>", addr.Name, addr.Address)
}

func firstAddress(env *enmime.Envelope, header string) string {
	list := addresses(env, header)
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

// addresses 解析地址头，无法按 RFC 5322 解析时退回原始文本
func addresses(env *enmime.Envelope, header string) []string {
	list, err := env.AddressList(header)
	if err != nil || len(list) == 0 {
		raw := strings.TrimSpace(env.GetHeader(header))
		if raw == "" {
			return []string{}
		}
		return []string{raw}
	}

	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, formatAddress(addr))
	}
	return out
}

// collectAttachments 合并普通附件与内联附件
func collectAttachments(env *enmime.Envelope) []domain.Attachment {
	parts := make([]*enmime.Part, 0, len(env.Attachments)+len(env.Inlines))
	parts = append(parts, env.Attachments...)
	parts = append(parts, env.Inlines...)

	attachments := make([]domain.Attachment, 0, len(parts))
	for _, part := range parts {
		name := part.FileName
		if name == "" {
			name = defaultAttachmentName
		}
		attachments = append(attachments, domain.Attachment{
			Filename: name,
			MimeType: part.ContentType,
			Content:  part.Content,
			Size:     int64(len(part.Content)),
		})
	}
	return attachments
}

// collectHeaders 头名称统一为小写，重复的头以 ", " 连接
func collectHeaders(env *enmime.Envelope) map[string]string {
	keys := env.GetHeaderKeys()
	headers := make(map[string]string, len(keys))
	for _, key := range keys {
		headers[strings.ToLower(key)] = strings.Join(env.GetHeaderValues(key), ", ")
	}
	return headers
}

// IsPDF 判断附件是否为 PDF: MIME 包含 "pdf" 或文件名以 ".pdf" 结尾，均不区分大小写
func IsPDF(att domain.Attachment) bool {
	return strings.Contains(strings.ToLower(att.MimeType), "pdf") ||
		strings.HasSuffix(strings.ToLower(att.Filename), ".pdf")
}

// FilterPDF 只保留 PDF 附件，保持原有顺序
func FilterPDF(attachments []domain.Attachment) []domain.Attachment {
	out := make([]domain.Attachment, 0, len(attachments))
	for _, att := range attachments {
		if IsPDF(att) {
			out = append(out, att)
		}
	}
	return out
}
