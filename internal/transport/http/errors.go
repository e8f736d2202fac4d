package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/service"
	"brokerinbox/backend/internal/storage"
)

// 错误消息映射表（业务错误 -> 中文消息），按顺序用 errors.Is 匹配
var errorMessages = []struct {
	err error
	msg string
}{
	{storage.ErrTransactionNotFound, "交易不存在"},
	{storage.ErrDocumentNotFound, "文档不存在"},
	{storage.ErrClientNotFound, "客户不存在"},
	{storage.ErrPolicyNotFound, "保单不存在"},
	{storage.ErrTenantNotFound, "租户不存在"},
	{storage.ErrStatusConflict, "交易已被其他审核人员处理"},
	{service.ErrNoAttachmentsStored, "附件保存失败"},
	{domain.ErrRateLimited, "请求过于频繁，请稍后再试"},
}

// GetErrorMessage 获取错误的中文消息，未登记的校验错误返回原始信息
func GetErrorMessage(err error) string {
	for _, m := range errorMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	if errors.Is(err, domain.ErrValidation) {
		return err.Error()
	}
	return MsgInternalError
}

// statusFor 将领域错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondError 以统一信封返回业务错误
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	msg := GetErrorMessage(err)
	switch statusFor(err) {
	case http.StatusBadRequest:
		BadRequest(c, msg)
	case http.StatusUnauthorized:
		Unauthorized(c, msg)
	case http.StatusNotFound:
		NotFound(c, msg)
	case http.StatusConflict:
		Conflict(c, msg)
	case http.StatusTooManyRequests:
		TooManyRequests(c, msg)
	default:
		InternalError(c, msg)
	}
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgInvalidJSON    = "JSON格式错误"
	MsgInvalidID      = "ID格式无效"
	MsgInvalidPaging  = "分页参数无效"
	MsgMissingFiles   = "至少需要上传一个文件"
	MsgMissingFields  = "缺少必填字段：fromEmail, subject"
	MsgFileReadFailed = "读取上传文件失败"
	MsgInternalError  = "服务器内部错误"
	MsgApproved       = "文档已审核通过并归档"
	MsgRejected       = "文档已拒绝"
	MsgUploadAccepted = "文件已进入审核队列"
)
