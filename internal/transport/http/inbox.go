package httptransport

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/middleware"
	"brokerinbox/backend/internal/service"
)

// reviewRequest POST /v1/inbox/:id/review 请求体
type reviewRequest struct {
	Approved         *bool  `json:"approved" binding:"required"`
	ClientID         string `json:"clientId"`
	PolicyID         string `json:"policyId"`
	DocumentType     string `json:"documentType"`
	CorrectionReason string `json:"correctionReason"`
}

// reviewResponse 审核结果
type reviewResponse struct {
	Transaction      *domain.Transaction `json:"transaction"`
	DocumentsCreated int                 `json:"documentsCreated"`
}

// listInbox 列出审核队列
func (h *Handler) listInbox(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		BadRequest(c, MsgInvalidPaging)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		BadRequest(c, MsgInvalidPaging)
		return
	}

	page, err := h.inbox.List(c.Request.Context(), tenantID(c), c.DefaultQuery("status", "all"), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, page)
}

// getTransaction 返回交易详情及附件
func (h *Handler) getTransaction(c *gin.Context) {
	id := c.Param("id")
	if !domain.IsUUID(id) {
		BadRequest(c, MsgInvalidID)
		return
	}

	tx, err := h.inbox.Get(c.Request.Context(), tenantID(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, tx)
}

// reviewTransaction 审核人员通过或拒绝
func (h *Handler) reviewTransaction(c *gin.Context) {
	id := c.Param("id")
	if !domain.IsUUID(id) {
		BadRequest(c, MsgInvalidID)
		return
	}

	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	ctx := c.Request.Context()
	if *req.Approved {
		res, err := h.review.Approve(ctx, service.ApproveInput{
			TenantID:         tenantID(c),
			TransactionID:    id,
			ReviewerID:       c.GetString(middleware.ContextUserID),
			ClientID:         req.ClientID,
			PolicyID:         req.PolicyID,
			DocumentType:     req.DocumentType,
			CorrectionReason: req.CorrectionReason,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		SuccessWithMsg(c, MsgApproved, reviewResponse{Transaction: res.Transaction, DocumentsCreated: res.DocumentsCreated})
		return
	}

	res, err := h.review.Reject(ctx, service.RejectInput{
		TenantID:      tenantID(c),
		TransactionID: id,
		ReviewerID:    c.GetString(middleware.ContextUserID),
		Reason:        req.CorrectionReason,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	SuccessWithMsg(c, MsgRejected, reviewResponse{Transaction: res.Transaction})
}

// manualUpload 审核人员手动上传文件到审核队列
//
// multipart 字段：fromEmail、subject、files（也接受 files[]）。
func (h *Handler) manualUpload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	fromEmail := c.PostForm("fromEmail")
	subject := c.PostForm("subject")
	if fromEmail == "" || subject == "" {
		BadRequest(c, MsgMissingFields)
		return
	}

	headers := append(form.File["files"], form.File["files[]"]...)
	if len(headers) == 0 {
		BadRequest(c, MsgMissingFiles)
		return
	}

	files := make([]domain.Attachment, 0, len(headers))
	for _, fh := range headers {
		att, err := readUpload(fh)
		if err != nil {
			BadRequest(c, MsgFileReadFailed)
			return
		}
		files = append(files, att)
	}

	res, err := h.ingest.ManualUpload(c.Request.Context(), service.ManualUploadInput{
		TenantID:  tenantID(c),
		UserID:    c.GetString(middleware.ContextUserID),
		FromEmail: fromEmail,
		Subject:   subject,
		Files:     files,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	CreatedWithMsg(c, MsgUploadAccepted, res)
}

// listClients 列出租户客户
func (h *Handler) listClients(c *gin.Context) {
	clients, err := h.inbox.Clients(c.Request.Context(), tenantID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, clients)
}

// getQuota 当前租户的入站额度
func (h *Handler) getQuota(c *gin.Context) {
	quota, err := h.ingest.Quota(c.Request.Context(), tenantID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, quota)
}

// listPolicies 列出客户的有效保单
func (h *Handler) listPolicies(c *gin.Context) {
	policies, err := h.inbox.Policies(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, policies)
}

// downloadDocument 重定向到签名链接，或直接返回文件内容
func (h *Handler) downloadDocument(c *gin.Context) {
	dl, err := h.inbox.Download(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	if dl.URL != "" {
		c.Redirect(http.StatusFound, dl.URL)
		return
	}

	contentType := dl.Object.ContentType
	if contentType == "" {
		contentType = dl.Document.MimeType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Document.FileName}))
	c.Data(http.StatusOK, contentType, dl.Object.Content)
}

func tenantID(c *gin.Context) string {
	return c.GetString(middleware.ContextTenantID)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

// readUpload 读取上传文件，Content-Type 缺失时按扩展名推断
func readUpload(fh *multipart.FileHeader) (domain.Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return domain.Attachment{}, err
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return domain.Attachment{}, err
	}

	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(fh.Filename)); byExt != "" {
			mimeType = byExt
		}
	}

	return domain.Attachment{
		Filename: fh.Filename,
		MimeType: mimeType,
		Content:  content,
		Size:     int64(len(content)),
	}, nil
}
