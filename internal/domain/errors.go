package domain

import "errors"

// 业务错误分类，各层通过 fmt.Errorf("...: %w", ...) 包装后向上传递，
// 传输层使用 errors.Is 映射为 HTTP 状态码。
var (
	// ErrUnauthorized 签名错误、时间戳过期或缺少认证信息
	ErrUnauthorized = errors.New("unauthorized")
	// ErrValidation 请求内容不合法
	ErrValidation = errors.New("validation failed")
	// ErrNotFound 租户、交易或文档不存在
	ErrNotFound = errors.New("not found")
	// ErrRateLimited 租户超出入站速率阈值
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrConflict 交易已处于终态或状态已被并发修改
	ErrConflict = errors.New("conflict")
	// ErrDuplicateDelivery 同一签名的投递已被处理
	ErrDuplicateDelivery = errors.New("duplicate delivery")
)
