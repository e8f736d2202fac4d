package domain

import "time"

// Tenant 表示一个保险经纪机构，是客户、保单与文档的隔离边界。
type Tenant struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name      string    `json:"name" gorm:"type:varchar(255)"`
	Subdomain string    `json:"subdomain" gorm:"type:varchar(63);uniqueIndex"` // 收件地址中的子域名
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名
func (Tenant) TableName() string { return "tenants" }

// Client 经纪机构名下的客户
type Client struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID     string    `json:"tenantId" gorm:"type:varchar(36);index;not null"`
	FullName     string    `json:"fullName" gorm:"type:varchar(255);index"`
	ClientNumber string    `json:"clientNumber" gorm:"type:varchar(64);index"`
	Email        string    `json:"email,omitempty" gorm:"type:varchar(255)"`
	CreatedAt    time.Time `json:"createdAt"`
}

// TableName 指定表名
func (Client) TableName() string { return "clients" }

// PolicyStatus 保单状态
type PolicyStatus string

const (
	PolicyStatusActive    PolicyStatus = "active"
	PolicyStatusLapsed    PolicyStatus = "lapsed"
	PolicyStatusCancelled PolicyStatus = "cancelled"
)

// Policy 保单，通过 ClientID 归属于某个客户
type Policy struct {
	ID           string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID     string       `json:"tenantId" gorm:"type:varchar(36);index;not null"`
	ClientID     string       `json:"clientId" gorm:"type:varchar(36);index;not null"`
	PolicyNumber string       `json:"policyNumber" gorm:"type:varchar(64);index"`
	Insurer      string       `json:"insurer,omitempty" gorm:"type:varchar(255)"`
	PolicyType   string       `json:"policyType,omitempty" gorm:"type:varchar(64)"`
	Status       PolicyStatus `json:"status" gorm:"type:varchar(16);default:active"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// TableName 指定表名
func (Policy) TableName() string { return "policies" }

// Inbox 经纪机构的收件地址，按 (TenantID, Address) 惰性创建
type Inbox struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID  string    `json:"tenantId" gorm:"type:varchar(36);uniqueIndex:idx_inbox_tenant_address;not null"`
	Address   string    `json:"address" gorm:"type:varchar(320);uniqueIndex:idx_inbox_tenant_address;not null"`
	Status    string    `json:"status" gorm:"type:varchar(16);default:active"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名
func (Inbox) TableName() string { return "email_inboxes" }
