package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerinbox/backend/internal/domain"
)

func pdf(name string, content []byte) domain.Attachment {
	return domain.Attachment{Filename: name, MimeType: "application/pdf", Content: content, Size: int64(len(content))}
}

func TestAttachmentGuardCheck(t *testing.T) {
	guard := NewAttachmentGuard(16)

	t.Run("正常PDF通过", func(t *testing.T) {
		assert.NoError(t, guard.Check(pdf("schedule.pdf", []byte("%PDF-1.7 ok"))))
	})

	t.Run("空附件拒绝", func(t *testing.T) {
		assert.ErrorIs(t, guard.Check(pdf("empty.pdf", nil)), ErrAttachmentEmpty)
	})

	t.Run("超过大小上限拒绝", func(t *testing.T) {
		assert.ErrorIs(t, guard.Check(pdf("big.pdf", make([]byte, 17))), ErrAttachmentTooLarge)
	})

	t.Run("危险扩展名拒绝", func(t *testing.T) {
		assert.ErrorIs(t, guard.Check(pdf("invoice.pdf.exe", []byte("%PDF"))), ErrDangerousExtension)
	})

	t.Run("可执行文件魔数拒绝", func(t *testing.T) {
		assert.ErrorIs(t, guard.Check(pdf("policy.pdf", []byte{0x4D, 0x5A, 0x90, 0x00})), ErrExecutableAttachment)
	})
}

func TestAttachmentGuardFilter(t *testing.T) {
	guard := NewAttachmentGuard(0)

	accepted, rejected := guard.Filter([]domain.Attachment{
		pdf("a.pdf", []byte("%PDF-1.4")),
		pdf("b.pdf", nil),
		pdf("c.pdf", []byte("%PDF-1.5")),
	})

	require.Len(t, accepted, 2)
	assert.Equal(t, "a.pdf", accepted[0].Filename)
	assert.Equal(t, "c.pdf", accepted[1].Filename)
	require.Len(t, rejected, 1)
	assert.ErrorIs(t, rejected["b.pdf"], ErrAttachmentEmpty)
}
