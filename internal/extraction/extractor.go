// Package extraction 调用外部大模型从保险文档中抽取客户号、保单号、
// 文档类型与保险公司，并归一化为带置信度的结果。
package extraction

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"brokerinbox/backend/internal/domain"
)

// 抽取失败原因
var (
	ErrInvalidExtraction = errors.New("invalid extraction payload")
	ErrThrottled         = errors.New("extraction throttled")
)

// Payload 待抽取的文档，Text 与 PDF 二选一，PDF 优先
type Payload struct {
	Text string
	PDF  []byte
}

// Context 抽取时附带的邮件上下文
type Context struct {
	Subject string
}

// Oracle 文档抽取服务
//
// Extract 从不返回错误：任何失败都返回 domain.EmptyExtraction()。
type Oracle interface {
	Extract(ctx context.Context, payload Payload, meta Context) domain.ExtractionResult
}

// Completer 发送提示词并返回模型文本输出
type Completer interface {
	Complete(ctx context.Context, blocks []ContentBlock) (string, error)
}

// Recorder 记录每次抽取的结果与耗时
type Recorder interface {
	RecordExtraction(outcome string, duration time.Duration)
}

// 抽取结果分类，用于指标标签
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeInvalid     = "invalid"
	OutcomeTimeout     = "timeout"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeThrottled   = "throttled"
)

// Options 抽取器配置
type Options struct {
	Timeout           time.Duration // 单次抽取总超时，包含重试
	RequestsPerSecond float64       // 调用速率上限，<= 0 时不限速
	BreakerFailures   uint32        // 连续失败多少次后熔断
	BreakerCooldown   time.Duration // 熔断持续时间
}

// Extractor 基于 Completer 的 Oracle 实现，带超时、限速与熔断
type Extractor struct {
	completer Completer
	breaker   *gobreaker.CircuitBreaker
	limiter   *rate.Limiter
	timeout   time.Duration
	logger    *zap.Logger
	recorder  Recorder
}

// NewExtractor 创建抽取器
//
// 参数:
//   - completer: 模型客户端，通常为 *AnthropicClient
//   - opts: 超时、限速与熔断配置
//   - logger: 日志记录器
//   - recorder: 指标记录器，可以为 nil
func NewExtractor(completer Completer, opts Options, logger *zap.Logger, recorder Recorder) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}

	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = int(math.Max(1, math.Ceil(opts.RequestsPerSecond)))
	}

	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "extraction",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// 模型输出格式错误不代表服务不可用
			return err == nil || errors.Is(err, ErrInvalidExtraction)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Extraction circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Extractor{
		completer: completer,
		breaker:   breaker,
		limiter:   rate.NewLimiter(limit, burst),
		timeout:   opts.Timeout,
		logger:    logger,
		recorder:  recorder,
	}
}

// Extract 抽取文档信息，失败时返回全空结果
func (e *Extractor) Extract(ctx context.Context, payload Payload, meta Context) domain.ExtractionResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := e.extract(ctx, payload, meta)
	outcome := classify(err)
	if e.recorder != nil {
		e.recorder.RecordExtraction(outcome, time.Since(start))
	}

	if err != nil {
		e.logger.Warn("Document extraction failed, continuing with empty result",
			zap.String("outcome", outcome),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return domain.EmptyExtraction()
	}

	e.logger.Debug("Document extracted",
		zap.Float64("overall_confidence", result.OverallConfidence),
		zap.Duration("duration", time.Since(start)))
	return result
}

func (e *Extractor) extract(ctx context.Context, payload Payload, meta Context) (domain.ExtractionResult, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("%w: %v", ErrThrottled, err)
	}

	blocks := buildBlocks(payload, meta)
	out, err := e.breaker.Execute(func() (interface{}, error) {
		text, err := e.completer.Complete(ctx, blocks)
		if err != nil {
			return nil, err
		}
		return ParseResponse(text)
	})
	if err != nil {
		return domain.ExtractionResult{}, err
	}
	return out.(domain.ExtractionResult), nil
}

// buildBlocks 有 PDF 时发送文档块加指令块，否则把文本内联到指令中
func buildBlocks(payload Payload, meta Context) []ContentBlock {
	if len(payload.PDF) > 0 {
		return []ContentBlock{
			pdfBlock(base64.StdEncoding.EncodeToString(payload.PDF)),
			textBlock(pdfPrompt(meta.Subject)),
		}
	}
	return []ContentBlock{textBlock(textPrompt(payload.Text, meta.Subject))}
}

func classify(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return OutcomeCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, ErrInvalidExtraction):
		return OutcomeInvalid
	case errors.Is(err, ErrThrottled):
		return OutcomeThrottled
	default:
		return OutcomeFailed
	}
}

type rawField struct {
	Value      *string  `json:"value"`
	Confidence *float64 `json:"confidence"`
}

type rawExtraction struct {
	ClientNumber *rawField `json:"clientNumber"`
	PolicyNumber *rawField `json:"policyNumber"`
	DocumentType *rawField `json:"documentType"`
	Insurer      *rawField `json:"insurer"`
}

// ParseResponse 解析模型输出的 JSON，允许外层包裹 markdown 代码块
//
// 缺失的字段视为 {null, 0}；置信度截断到 [0, 1]；
// 整体置信度由客户号、保单号、文档类型三项重新计算。
func ParseResponse(text string) (domain.ExtractionResult, error) {
	cleaned := stripFences(text)

	var raw rawExtraction
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("%w: %v", ErrInvalidExtraction, err)
	}

	return domain.NewExtractionResult(
		toGuess(raw.ClientNumber),
		toGuess(raw.PolicyNumber),
		toGuess(raw.DocumentType),
		toGuess(raw.Insurer),
	), nil
}

func toGuess(f *rawField) domain.FieldGuess {
	if f == nil {
		return domain.FieldGuess{}
	}

	var guess domain.FieldGuess
	if f.Value != nil {
		v := strings.TrimSpace(*f.Value)
		if v != "" && !strings.EqualFold(v, "null") {
			guess.Value = &v
		}
	}
	if f.Confidence != nil {
		guess.Confidence = math.Min(1, math.Max(0, *f.Confidence))
	}
	return guess
}

// stripFences 去掉 ``` 代码块包裹，其余内容原样交给 JSON 解析
func stripFences(text string) string {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		if idx := strings.Index(cleaned, "\n"); idx >= 0 {
			cleaned = cleaned[idx+1:]
		}
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}
	return cleaned
}

// NopOracle 未配置模型时使用，所有文档直接进入人工审核
type NopOracle struct{}

// Extract 始终返回全空结果
func (NopOracle) Extract(context.Context, Payload, Context) domain.ExtractionResult {
	return domain.EmptyExtraction()
}
