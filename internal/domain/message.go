package domain

import "time"

// InboundMessage 解析后的入站邮件，生成后不再修改。
type InboundMessage struct {
	From        string            `json:"from"`
	To          []string          `json:"to"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text"`
	HTML        string            `json:"html"`
	Attachments []Attachment      `json:"attachments"`
	Headers     map[string]string `json:"headers"`
	ReceivedAt  time.Time         `json:"receivedAt"`
}

// PrimaryRecipient 返回第一个收件人，没有收件人时返回空字符串
func (m *InboundMessage) PrimaryRecipient() string {
	if len(m.To) == 0 {
		return ""
	}
	return m.To[0]
}
