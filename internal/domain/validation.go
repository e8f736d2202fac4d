package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail   = errors.New("invalid email format")
	ErrEmailTooLong   = errors.New("email address too long")
	ErrSubjectTooLong = errors.New("subject too long")
)

// 验证常量
const (
	// RFC 5322 邮箱地址长度限制
	MaxEmailLength = 254
	// RFC 5322 单行最大长度，同时作为主题长度上限
	MaxSubjectLength = 998
)

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsUUID 判断字符串是否为 8-4-4-4-12 格式的 UUID
func IsUUID(s string) bool {
	return uuidRegex.MatchString(s)
}

// ValidateEmail 验证邮箱地址，接受 "Name <addr>" 与裸地址两种形式
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrInvalidEmail
	}
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}

	addr, err := mail.ParseAddress(email)
	if err != nil {
		return ErrInvalidEmail
	}

	parts := strings.Split(addr.Address, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ErrInvalidEmail
	}
	return nil
}

// NormalizeAddress 从 "Name <addr>" 或 "<addr>" 中取出小写的裸地址
func NormalizeAddress(value string) string {
	value = strings.TrimSpace(value)
	if addr, err := mail.ParseAddress(value); err == nil {
		return strings.ToLower(addr.Address)
	}
	value = strings.TrimPrefix(value, "<")
	value = strings.TrimSuffix(value, ">")
	return strings.ToLower(strings.TrimSpace(value))
}

// ContainsFold 大小写不敏感的子串判断，substr 为空时返回 false
//
// cases.Caser 有内部状态，不能跨 goroutine 共享，因此每次调用新建。
func ContainsFold(s, substr string) bool {
	if substr == "" {
		return false
	}
	folder := cases.Fold()
	return strings.Contains(folder.String(s), folder.String(substr))
}
