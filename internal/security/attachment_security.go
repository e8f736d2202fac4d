package security

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"brokerinbox/backend/internal/domain"
)

// 附件检查失败原因
var (
	ErrAttachmentEmpty      = errors.New("attachment is empty")
	ErrAttachmentTooLarge   = errors.New("attachment too large")
	ErrDangerousExtension   = errors.New("dangerous file extension")
	ErrExecutableAttachment = errors.New("executable content detected")
)

// 可执行文件魔数
var executableSignatures = [][]byte{
	{0x4D, 0x5A},             // PE
	{0x7F, 0x45, 0x4C, 0x46}, // ELF
	{0xFE, 0xED, 0xFA, 0xCE}, // Mach-O
	{0xCE, 0xFA, 0xED, 0xFE}, // Mach-O (reverse)
}

// AttachmentGuard 入站附件检查器，拒绝超限或可执行的附件
type AttachmentGuard struct {
	maxFileSize         int64
	dangerousExtensions map[string]bool
}

// NewAttachmentGuard 创建附件检查器，maxFileSize <= 0 时使用 20MB
func NewAttachmentGuard(maxFileSize int64) *AttachmentGuard {
	if maxFileSize <= 0 {
		maxFileSize = 20 * 1024 * 1024
	}
	return &AttachmentGuard{
		maxFileSize: maxFileSize,
		dangerousExtensions: map[string]bool{
			".exe": true,
			".bat": true,
			".cmd": true,
			".scr": true,
			".pif": true,
			".com": true,
			".vbs": true,
			".js":  true,
			".jar": true,
		},
	}
}

// Check 检查单个附件
//
// 返回值:
//   - error: 附件不可接受时返回包装后的原因，可用 errors.Is 判断
func (g *AttachmentGuard) Check(att domain.Attachment) error {
	if len(att.Content) == 0 {
		return ErrAttachmentEmpty
	}
	if int64(len(att.Content)) > g.maxFileSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrAttachmentTooLarge, len(att.Content), g.maxFileSize)
	}

	ext := strings.ToLower(filepath.Ext(att.Filename))
	if g.dangerousExtensions[ext] {
		return fmt.Errorf("%w: %s", ErrDangerousExtension, ext)
	}

	for _, sig := range executableSignatures {
		if bytes.HasPrefix(att.Content, sig) {
			return ErrExecutableAttachment
		}
	}
	return nil
}

// Filter 返回通过检查的附件和被拒绝附件的原因（以文件名为键）
func (g *AttachmentGuard) Filter(attachments []domain.Attachment) ([]domain.Attachment, map[string]error) {
	accepted := make([]domain.Attachment, 0, len(attachments))
	var rejected map[string]error
	for _, att := range attachments {
		if err := g.Check(att); err != nil {
			if rejected == nil {
				rejected = make(map[string]error)
			}
			rejected[att.Filename] = err
			continue
		}
		accepted = append(accepted, att)
	}
	return accepted, rejected
}
