package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

const (
	anthropicVersion  = "2023-06-01"
	defaultBaseURL    = "https://api.anthropic.com"
	defaultModel      = "claude-sonnet-4-20250514"
	defaultMaxTokens  = 1024
	defaultMaxRetries = 3
	defaultInitDelay  = time.Second
)

// 响应错误，均不重试
var (
	ErrNoTextContent     = errors.New("no text content in response")
	ErrMalformedResponse = errors.New("malformed response")
)

// APIError Messages API 返回的非 200 响应
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic api error (%d): %s", e.StatusCode, e.Body)
}

// Retryable 429 与 5xx 可以重试
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ClientConfig Messages API 客户端配置
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries int
	RetryDelay time.Duration
	HTTPClient *http.Client
}

// AnthropicClient 调用 Anthropic Messages API 的最小客户端
type AnthropicClient struct {
	apiKey     string
	endpoint   string
	model      string
	maxTokens  int
	maxRetries int
	initDelay  time.Duration
	client     *http.Client
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock 消息内容块，text 或 base64 document
type ContentBlock struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Source *documentSource `json:"source,omitempty"`
}

type documentSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// NewAnthropicClient 创建客户端，零值字段使用默认值
func NewAnthropicClient(cfg ClientConfig) *AnthropicClient {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultInitDelay
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		endpoint:   base + "/v1/messages",
		model:      model,
		maxTokens:  maxTokens,
		maxRetries: retries,
		initDelay:  delay,
		client:     httpClient,
	}
}

// Complete 发送一条 user 消息并返回第一个 text 内容块
//
// 429、5xx 与网络错误按指数退避重试，最多 maxRetries 次；其余错误立即返回。
func (c *AnthropicClient) Complete(ctx context.Context, blocks []ContentBlock) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("anthropic api key not set")
	}

	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  []message{{Role: "user", Content: blocks}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * c.initDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, err := c.do(ctx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return "", err
		}
		if errors.Is(err, ErrNoTextContent) || errors.Is(err, ErrMalformedResponse) || ctx.Err() != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

func (c *AnthropicClient) do(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed messagesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	for _, block := range parsed.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", ErrNoTextContent
}

func textBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

func pdfBlock(base64Data string) ContentBlock {
	return ContentBlock{
		Type: "document",
		Source: &documentSource{
			Type:      "base64",
			MediaType: "application/pdf",
			Data:      base64Data,
		},
	}
}
