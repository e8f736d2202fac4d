package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"brokerinbox/backend/internal/config"
	"brokerinbox/backend/internal/logger"
)

// backfill 把历史 mbox 导出重新投递到入站 webhook，
// 用于迁移旧邮箱或补录 webhook 故障期间丢失的邮件。
func main() {
	var (
		url       = flag.String("url", "http://localhost:8080/webhooks/email-inbound", "inbound webhook URL")
		tenantID  = flag.String("tenant", "", "tenant id header (optional)")
		subdomain = flag.String("subdomain", "", "tenant subdomain header (optional)")
		rps       = flag.Float64("rps", 2, "max deliveries per second, 0 for unlimited")
		timeout   = flag.Duration("timeout", 30*time.Second, "per request timeout")
		dryRun    = flag.Bool("dry-run", false, "parse the mbox without sending")
	)
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: backfill [flags] <file.mbox>")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	log := logger.NewDevelopmentLogger("backfill")
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		log.Fatal("Failed to open mbox", zap.Error(err))
	}
	defer f.Close()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if *rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(*rps), 1)
	}

	r := &replayer{
		client:          &http.Client{Timeout: *timeout},
		url:             *url,
		secret:          cfg.Webhook.Secret,
		tenantID:        *tenantID,
		tenantSubdomain: *subdomain,
		limiter:         limiter,
		dryRun:          *dryRun,
		log:             log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := r.replay(ctx, f)
	log.Info("Backfill finished",
		zap.Int("total", sum.Total),
		zap.Int("delivered", sum.Delivered),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
	)
	if err != nil {
		log.Fatal("Backfill aborted", zap.Error(err))
	}
	if sum.Failed > 0 {
		os.Exit(2)
	}
}
