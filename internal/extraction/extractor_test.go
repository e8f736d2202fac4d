package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"brokerinbox/backend/internal/domain"
)

const sampleJSON = `{
  "clientNumber": {"value": "CL-42", "confidence": 0.9},
  "policyNumber": {"value": "DPK 5719028", "confidence": 0.6},
  "documentType": {"value": "policy_schedule", "confidence": 0.3},
  "insurer": {"value": "Acme Insurance", "confidence": 0.8}
}`

type fakeCompleter struct {
	text   string
	err    error
	calls  int32
	blocks []ContentBlock
}

func (f *fakeCompleter) Complete(_ context.Context, blocks []ContentBlock) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	f.blocks = blocks
	return f.text, f.err
}

// blockingCompleter 一直阻塞到 ctx 结束
type blockingCompleter struct{}

func (blockingCompleter) Complete(ctx context.Context, _ []ContentBlock) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type recorderStub struct {
	outcomes []string
}

func (r *recorderStub) RecordExtraction(outcome string, _ time.Duration) {
	r.outcomes = append(r.outcomes, outcome)
}

func TestParseResponse(t *testing.T) {
	t.Run("完整JSON", func(t *testing.T) {
		r, err := ParseResponse(sampleJSON)
		require.NoError(t, err)
		assert.Equal(t, "CL-42", r.ClientNumber.String())
		assert.Equal(t, "DPK 5719028", r.PolicyNumber.String())
		assert.Equal(t, "policy_schedule", r.DocumentType.String())
		assert.Equal(t, "Acme Insurance", r.Insurer.String())
		assert.Equal(t, 0.60, r.OverallConfidence)
	})

	t.Run("markdown代码块包裹", func(t *testing.T) {
		r, err := ParseResponse("```json\n" + sampleJSON + "\n```")
		require.NoError(t, err)
		assert.Equal(t, "CL-42", r.ClientNumber.String())
	})

	t.Run("前后有多余文本", func(t *testing.T) {
		_, err := ParseResponse("Here is the result:\n" + sampleJSON + "\nThanks")
		assert.ErrorIs(t, err, ErrInvalidExtraction)

		_, err = ParseResponse(sampleJSON + " Let me know if you need anything else.")
		assert.ErrorIs(t, err, ErrInvalidExtraction)
	})

	t.Run("缺失字段默认为空", func(t *testing.T) {
		r, err := ParseResponse(`{"policyNumber": {"value": "P-500", "confidence": 0.9}}`)
		require.NoError(t, err)
		assert.Nil(t, r.ClientNumber.Value)
		assert.Equal(t, 0.0, r.ClientNumber.Confidence)
		assert.Nil(t, r.Insurer.Value)
		assert.Equal(t, 0.3, r.OverallConfidence)
	})

	t.Run("null值与字符串null", func(t *testing.T) {
		r, err := ParseResponse(`{"clientNumber": {"value": null, "confidence": 0}, "insurer": {"value": "null", "confidence": 0.1}}`)
		require.NoError(t, err)
		assert.Nil(t, r.ClientNumber.Value)
		assert.Nil(t, r.Insurer.Value)
	})

	t.Run("置信度截断", func(t *testing.T) {
		r, err := ParseResponse(`{"clientNumber": {"value": "C", "confidence": 1.7}, "policyNumber": {"value": "P", "confidence": -1}}`)
		require.NoError(t, err)
		assert.Equal(t, 1.0, r.ClientNumber.Confidence)
		assert.Equal(t, 0.0, r.PolicyNumber.Confidence)
	})

	t.Run("非JSON失败", func(t *testing.T) {
		_, err := ParseResponse("I could not read this document.")
		assert.ErrorIs(t, err, ErrInvalidExtraction)
	})

	t.Run("字段类型错误失败", func(t *testing.T) {
		_, err := ParseResponse(`{"clientNumber": {"value": "C", "confidence": "high"}}`)
		assert.ErrorIs(t, err, ErrInvalidExtraction)
	})
}

func TestExtractorExtract(t *testing.T) {
	t.Run("PDF使用文档块加指令块", func(t *testing.T) {
		fc := &fakeCompleter{text: sampleJSON}
		rec := &recorderStub{}
		e := NewExtractor(fc, Options{}, zap.NewNop(), rec)

		r := e.Extract(context.Background(), Payload{PDF: []byte("%PDF-1.7")}, Context{Subject: "Renewal"})
		assert.Equal(t, 0.60, r.OverallConfidence)

		require.Len(t, fc.blocks, 2)
		assert.Equal(t, "document", fc.blocks[0].Type)
		assert.Equal(t, "application/pdf", fc.blocks[0].Source.MediaType)
		assert.Equal(t, "JVBERi0xLjc=", fc.blocks[0].Source.Data)
		assert.Equal(t, "text", fc.blocks[1].Type)
		assert.Contains(t, fc.blocks[1].Text, "\n\nEmail Subject: \"Renewal\"")
		assert.Equal(t, []string{OutcomeSuccess}, rec.outcomes)
	})

	t.Run("文本内联到指令中", func(t *testing.T) {
		fc := &fakeCompleter{text: sampleJSON}
		e := NewExtractor(fc, Options{}, zap.NewNop(), nil)

		e.Extract(context.Background(), Payload{Text: "Client No: CL-42"}, Context{})
		require.Len(t, fc.blocks, 1)
		assert.Contains(t, fc.blocks[0].Text, "Document Content:\nClient No: CL-42")
		assert.NotContains(t, fc.blocks[0].Text, "Email Subject")
	})

	t.Run("服务失败返回空结果", func(t *testing.T) {
		fc := &fakeCompleter{err: errors.New("connection refused")}
		rec := &recorderStub{}
		e := NewExtractor(fc, Options{}, zap.NewNop(), rec)

		r := e.Extract(context.Background(), Payload{Text: "x"}, Context{})
		assert.Equal(t, domain.EmptyExtraction(), r)
		assert.Equal(t, []string{OutcomeFailed}, rec.outcomes)
	})

	t.Run("超时返回空结果", func(t *testing.T) {
		rec := &recorderStub{}
		e := NewExtractor(blockingCompleter{}, Options{Timeout: 50 * time.Millisecond}, zap.NewNop(), rec)

		start := time.Now()
		r := e.Extract(context.Background(), Payload{PDF: []byte("%PDF-1.7")}, Context{})
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.Equal(t, domain.EmptyExtraction(), r)
		assert.Equal(t, []string{OutcomeTimeout}, rec.outcomes)
	})

	t.Run("夹带说明文字返回空结果", func(t *testing.T) {
		fc := &fakeCompleter{text: "Sure! Here you go: " + sampleJSON}
		rec := &recorderStub{}
		e := NewExtractor(fc, Options{}, zap.NewNop(), rec)

		assert.Equal(t, domain.EmptyExtraction(), e.Extract(context.Background(), Payload{Text: "x"}, Context{}))
		assert.Equal(t, []string{OutcomeInvalid}, rec.outcomes)
	})

	t.Run("格式错误返回空结果", func(t *testing.T) {
		fc := &fakeCompleter{text: "not json"}
		e := NewExtractor(fc, Options{}, zap.NewNop(), nil)
		assert.Equal(t, domain.EmptyExtraction(), e.Extract(context.Background(), Payload{Text: "x"}, Context{}))
	})

	t.Run("连续失败后熔断", func(t *testing.T) {
		fc := &fakeCompleter{err: errors.New("upstream down")}
		rec := &recorderStub{}
		e := NewExtractor(fc, Options{BreakerFailures: 2, BreakerCooldown: time.Minute}, zap.NewNop(), rec)

		for i := 0; i < 4; i++ {
			e.Extract(context.Background(), Payload{Text: "x"}, Context{})
		}
		assert.Equal(t, int32(2), atomic.LoadInt32(&fc.calls))
		assert.Equal(t, []string{OutcomeFailed, OutcomeFailed, OutcomeCircuitOpen, OutcomeCircuitOpen}, rec.outcomes)
	})

	t.Run("格式错误不触发熔断", func(t *testing.T) {
		fc := &fakeCompleter{text: "garbage"}
		e := NewExtractor(fc, Options{BreakerFailures: 1}, zap.NewNop(), nil)

		for i := 0; i < 3; i++ {
			e.Extract(context.Background(), Payload{Text: "x"}, Context{})
		}
		assert.Equal(t, int32(3), atomic.LoadInt32(&fc.calls))
	})
}

func TestNopOracle(t *testing.T) {
	assert.Equal(t, domain.EmptyExtraction(), NopOracle{}.Extract(context.Background(), Payload{}, Context{}))
}

func TestAnthropicClientComplete(t *testing.T) {
	t.Run("发送请求并返回第一个文本块", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/messages", r.URL.Path)
			assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
			assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

			body, _ := io.ReadAll(r.Body)
			var req messagesRequest
			require.NoError(t, json.Unmarshal(body, &req))
			assert.Equal(t, defaultModel, req.Model)
			assert.Equal(t, 1024, req.MaxTokens)
			require.Len(t, req.Messages, 1)
			assert.Equal(t, "user", req.Messages[0].Role)

			_, _ = w.Write([]byte(`{"content":[{"type":"thinking","text":""},{"type":"text","text":"{}"}],"stop_reason":"end_turn"}`))
		}))
		defer server.Close()

		c := NewAnthropicClient(ClientConfig{APIKey: "sk-test", BaseURL: server.URL})
		text, err := c.Complete(context.Background(), []ContentBlock{textBlock("hi")})
		require.NoError(t, err)
		assert.Equal(t, "{}", text)
	})

	t.Run("5xx重试后成功", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`))
		}))
		defer server.Close()

		c := NewAnthropicClient(ClientConfig{APIKey: "k", BaseURL: server.URL, RetryDelay: time.Millisecond})
		text, err := c.Complete(context.Background(), []ContentBlock{textBlock("hi")})
		require.NoError(t, err)
		assert.Equal(t, "ok", text)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("4xx不重试", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		c := NewAnthropicClient(ClientConfig{APIKey: "k", BaseURL: server.URL, RetryDelay: time.Millisecond})
		_, err := c.Complete(context.Background(), []ContentBlock{textBlock("hi")})

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("没有文本块", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"content":[]}`))
		}))
		defer server.Close()

		c := NewAnthropicClient(ClientConfig{APIKey: "k", BaseURL: server.URL})
		_, err := c.Complete(context.Background(), nil)
		assert.ErrorIs(t, err, ErrNoTextContent)
	})

	t.Run("缺少密钥", func(t *testing.T) {
		_, err := NewAnthropicClient(ClientConfig{}).Complete(context.Background(), nil)
		assert.Error(t, err)
	})
}
