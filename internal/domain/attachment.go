package domain

import "time"

// Attachment 表示解析得到的邮件附件，持久化前持有原始字节。
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Content  []byte `json:"-"`
	Size     int64  `json:"size"`
}

// EmailAttachment 已持久化的附件记录，只保存对象存储的 key，不保存内容。
type EmailAttachment struct {
	ID            string    `json:"id" gorm:"primaryKey;type:varchar(36)"`                // 附件唯一标识
	TransactionID string    `json:"transactionId" gorm:"type:varchar(36);index;not null"` // 所属交易ID
	Filename      string    `json:"filename" gorm:"type:varchar(255)"`                    // 原始文件名
	MimeType      string    `json:"mimeType" gorm:"type:varchar(100)"`                    // MIME类型
	SizeBytes     int64     `json:"sizeBytes"`                                            // 大小（字节）
	StorageKey    string    `json:"storageKey" gorm:"type:varchar(500)"`                  // 对象存储 key
	CreatedAt     time.Time `json:"createdAt"`
}

// TableName 指定表名
func (EmailAttachment) TableName() string { return "email_attachments" }
