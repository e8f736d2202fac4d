package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Document 审核通过后归档到保单下的文档
type Document struct {
	ID                      string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID                string    `json:"tenantId" gorm:"type:varchar(36);index;not null"`
	PolicyID                string    `json:"policyId" gorm:"type:varchar(36);index;not null"`
	DocumentType            string    `json:"documentType" gorm:"type:varchar(64)"`
	FileName                string    `json:"fileName" gorm:"type:varchar(255)"`
	StorageKey              string    `json:"storageKey" gorm:"type:varchar(500)"`
	MimeType                string    `json:"mimeType" gorm:"type:varchar(100)"`
	SizeBytes               int64     `json:"sizeBytes"`
	UploadedByTransactionID string    `json:"uploadedByTransactionId" gorm:"type:varchar(36);index"`
	UploadedByUserID        string    `json:"uploadedByUserId" gorm:"type:varchar(36)"`
	CreatedAt               time.Time `json:"createdAt"`
}

// TableName 指定表名
func (Document) TableName() string { return "documents" }

// AuditAction 审计动作
type AuditAction string

const (
	AuditActionApprove AuditAction = "approve"
	AuditActionReject  AuditAction = "reject"
)

// AuditEntry 审计日志
type AuditEntry struct {
	ID         string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID   string            `json:"tenantId" gorm:"type:varchar(36);index;not null"`
	UserID     string            `json:"userId" gorm:"type:varchar(36)"`
	UserType   string            `json:"userType" gorm:"type:varchar(16)"`
	Action     AuditAction       `json:"action" gorm:"type:varchar(32)"`
	EntityType string            `json:"entityType" gorm:"type:varchar(64)"`
	EntityID   string            `json:"entityId" gorm:"type:varchar(36);index"`
	Changes    datatypes.JSONMap `json:"changes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// TableName 指定表名
func (AuditEntry) TableName() string { return "audit_logs" }
