package mailparse

import (
	"regexp"
	"strings"

	"brokerinbox/backend/internal/domain"
)

// TenantRef 从收件地址中识别出的租户线索，ID 与 Subdomain 至少一个非空
type TenantRef struct {
	ID        string
	Subdomain string
}

// IsZero 判断是否没有任何线索
func (r TenantRef) IsZero() bool {
	return r.ID == "" && r.Subdomain == ""
}

var subdomainPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

const (
	legacyLocalPart = "documents"
	brokerPrefix    = "broker-"
)

// ResolveTenant 从收件地址中解析租户
//
// 支持的格式（mailDomain 为根域名，如 "example"）:
//   - {uuid}@{subdomain}.{mailDomain}            → ID + Subdomain
//   - broker-{uuid}@{subdomain}.{mailDomain}     → ID（去掉前缀）+ Subdomain
//   - documents@broker-{uuid}.{mailDomain}       → ID
//   - documents@{subdomain}.{mailDomain}         → Subdomain
//
// 地址可以是 "Name <addr>" 形式，比较不区分大小写。
// 无法识别时返回 false。
func ResolveTenant(address, mailDomain string) (TenantRef, bool) {
	addr := domain.NormalizeAddress(address)
	mailDomain = strings.ToLower(strings.Trim(mailDomain, ". "))
	if addr == "" || mailDomain == "" {
		return TenantRef{}, false
	}

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return TenantRef{}, false
	}
	local, host := addr[:at], addr[at+1:]

	suffix := "." + mailDomain
	if !strings.HasSuffix(host, suffix) {
		return TenantRef{}, false
	}
	subdomain := strings.TrimSuffix(host, suffix)
	if !subdomainPattern.MatchString(subdomain) {
		return TenantRef{}, false
	}

	if local == legacyLocalPart {
		if id, ok := brokerUUID(subdomain); ok {
			return TenantRef{ID: id}, true
		}
		return TenantRef{Subdomain: subdomain}, true
	}

	if domain.IsUUID(local) {
		return TenantRef{ID: local, Subdomain: subdomain}, true
	}
	if id, ok := brokerUUID(local); ok {
		return TenantRef{ID: id, Subdomain: subdomain}, true
	}
	return TenantRef{}, false
}

// brokerUUID 解析 "broker-{uuid}"，返回不带前缀的 UUID
func brokerUUID(value string) (string, bool) {
	if !strings.HasPrefix(value, brokerPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(value, brokerPrefix)
	if !domain.IsUUID(id) {
		return "", false
	}
	return id, true
}
