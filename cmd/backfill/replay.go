package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/emersion/go-mbox"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"brokerinbox/backend/internal/middleware"
	"brokerinbox/backend/internal/security"
	httptransport "brokerinbox/backend/internal/transport/http"
)

// replayer 将 mbox 中的邮件逐封签名后投递到入站 webhook
type replayer struct {
	client          *http.Client
	url             string
	secret          string
	tenantID        string
	tenantSubdomain string
	limiter         *rate.Limiter
	dryRun          bool
	log             *zap.Logger
	now             func() time.Time
}

// summary 回放结果统计
type summary struct {
	Total     int
	Delivered int
	Failed    int
	Skipped   int
}

// replay 读取 mbox 并投递每一封邮件
//
// 单封投递失败只计数，不中断回放；读取 mbox 出错或 ctx 取消时返回错误。
func (r *replayer) replay(ctx context.Context, src io.Reader) (summary, error) {
	var sum summary
	reader := mbox.NewReader(src)

	for {
		msg, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return sum, nil
		}
		if err != nil {
			return sum, fmt.Errorf("read mbox: %w", err)
		}

		raw, err := io.ReadAll(msg)
		if err != nil {
			return sum, fmt.Errorf("read message %d: %w", sum.Total+1, err)
		}
		sum.Total++

		if len(bytes.TrimSpace(raw)) == 0 {
			sum.Skipped++
			continue
		}
		if r.dryRun {
			r.log.Info("Dry run, message not sent",
				zap.Int("index", sum.Total),
				zap.Int("bytes", len(raw)),
			)
			sum.Skipped++
			continue
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return sum, err
			}
		}

		if err := r.deliver(ctx, raw); err != nil {
			sum.Failed++
			r.log.Warn("Delivery failed", zap.Int("index", sum.Total), zap.Error(err))
			continue
		}
		sum.Delivered++
	}
}

func (r *replayer) deliver(ctx context.Context, raw []byte) error {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	ts := strconv.FormatInt(now().UnixMilli(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "message/rfc822")
	req.Header.Set(middleware.HeaderWebhookTimestamp, ts)
	req.Header.Set(middleware.HeaderWebhookSignature, security.Sign(ts, raw, r.secret))
	if r.tenantID != "" {
		req.Header.Set(httptransport.HeaderTenantID, r.tenantID)
	}
	if r.tenantSubdomain != "" {
		req.Header.Set(httptransport.HeaderTenantSubdomain, r.tenantSubdomain)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
