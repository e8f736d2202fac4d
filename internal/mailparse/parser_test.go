package mailparse

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerinbox/backend/internal/domain"
)

func buildMessage(headers []string, parts ...string) []byte {
	var b strings.Builder
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/mixed; boundary=\"BOUNDARY\"\r\n\r\n")
	for _, p := range parts {
		b.WriteString("--BOUNDARY\r\n")
		b.WriteString(p)
		b.WriteString("\r\n")
	}
	b.WriteString("--BOUNDARY--\r\n")
	return []byte(b.String())
}

func textPart(body string) string {
	return "Content-Type: text/plain; charset=utf-8\r\n\r\n" + body + "\r\n"
}

func attachmentPart(contentType, filename string, content []byte) string {
	disposition := "attachment"
	if filename != "" {
		disposition += "; filename=\"" + filename + "\""
	}
	return "Content-Type: " + contentType + "\r\n" +
		"Content-Disposition: " + disposition + "\r\n" +
		"Content-Transfer-Encoding: base64\r\n\r\n" +
		base64.StdEncoding.EncodeToString(content) + "\r\n"
}

func TestParse(t *testing.T) {
	pdfBytes := []byte("%PDF-1.7 policy schedule")
	raw := buildMessage([]string{
		"From: Jane Broker <jane@northbroker.example>",
		"To: 7b1e2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d@northbroker.example, second@northbroker.example",
		"Subject: Policy DPK-100 schedule",
		"Date: Mon, 02 Jan 2006 15:04:05 +0000",
		"X-Trace: one",
		"X-Trace: two",
	},
		textPart("Please file the attached schedule."),
		attachmentPart("application/pdf", "schedule.pdf", pdfBytes),
		attachmentPart("image/png", "logo.png", []byte{0x89, 0x50, 0x4E, 0x47}),
	)

	msg, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "Jane Broker <jane@northbroker.example>", msg.From)
	assert.Equal(t, []string{
		"7b1e2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d@northbroker.example",
		"second@northbroker.example",
	}, msg.To)
	assert.Equal(t, "Policy DPK-100 schedule", msg.Subject)
	assert.Contains(t, msg.Text, "Please file the attached schedule.")
	assert.Equal(t, time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC).Unix(), msg.ReceivedAt.Unix())
	assert.Equal(t, "one, two", msg.Headers["x-trace"])

	require.Len(t, msg.Attachments, 2)
	assert.Equal(t, "schedule.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", msg.Attachments[0].MimeType)
	assert.Equal(t, pdfBytes, msg.Attachments[0].Content)
	assert.Equal(t, int64(len(pdfBytes)), msg.Attachments[0].Size)
}

func TestParseDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	raw := []byte("From: sender@example.com\r\nTo: docs@acme.example\r\n\r\nhello\r\n")

	msg, err := ParseAt(raw, now)
	require.NoError(t, err)

	assert.Equal(t, "sender@example.com", msg.From)
	assert.Equal(t, "", msg.Subject)
	assert.Equal(t, "", msg.HTML)
	assert.Equal(t, now, msg.ReceivedAt)
	assert.Empty(t, msg.Attachments)
}

func TestParseUnnamedAttachment(t *testing.T) {
	raw := buildMessage([]string{"From: a@b.example", "To: c@d.example"},
		textPart("body"),
		attachmentPart("application/pdf", "", []byte("%PDF-1.4")),
	)

	msg, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "attachment", msg.Attachments[0].Filename)
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = Parse([]byte("   \r\n"))
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestFilterPDF(t *testing.T) {
	attachments := []domain.Attachment{
		{Filename: "schedule.pdf", MimeType: "application/octet-stream"},
		{Filename: "scan", MimeType: "application/PDF"},
		{Filename: "photo.jpg", MimeType: "image/jpeg"},
		{Filename: "WORDING.PDF", MimeType: ""},
		{Filename: "notes.txt", MimeType: "text/plain"},
	}

	filtered := FilterPDF(attachments)
	require.Len(t, filtered, 3)
	assert.Equal(t, "schedule.pdf", filtered[0].Filename)
	assert.Equal(t, "scan", filtered[1].Filename)
	assert.Equal(t, "WORDING.PDF", filtered[2].Filename)

	t.Run("幂等", func(t *testing.T) {
		assert.Equal(t, filtered, FilterPDF(filtered))
	})

	t.Run("没有PDF时返回空列表", func(t *testing.T) {
		assert.Empty(t, FilterPDF(attachments[2:3]))
		assert.Empty(t, FilterPDF(nil))
	})
}
