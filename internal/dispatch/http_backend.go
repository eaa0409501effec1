package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxCompletionTokens 单次推理的最大token数
const MaxCompletionTokens = 140

// HTTPBackendConfig HTTP推理后端配置
type HTTPBackendConfig struct {
	URL       string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	AuthToken string // 可选的Bearer令牌
}

// DefaultHTTPBackendConfig 默认配置
func DefaultHTTPBackendConfig(url string) *HTTPBackendConfig {
	return &HTTPBackendConfig{
		URL:       url,
		Model:     "open-llama-3b",
		MaxTokens: MaxCompletionTokens,
		Timeout:   60 * time.Second,
	}
}

// HTTPBackend HTTP JSON推理后端客户端
type HTTPBackend struct {
	config *HTTPBackendConfig
	client *http.Client
}

// NewHTTPBackend 创建HTTP推理后端
func NewHTTPBackend(config *HTTPBackendConfig) *HTTPBackend {
	if config == nil {
		panic("config cannot be nil")
	}

	return &HTTPBackend{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type completionRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

type completionResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Complete 调用推理后端执行一次补全
func (b *HTTPBackend) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model:     b.config.Model,
		Prompt:    prompt,
		MaxTokens: b.config.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create completion request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.AuthToken)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return "", fmt.Errorf("read completion response failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("backend returned status %d: %s", resp.StatusCode, data)
	}

	var out completionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("unmarshal completion response failed: %w", err)
	}

	if out.Error != "" {
		return "", fmt.Errorf("backend error: %s", out.Error)
	}

	return out.Output, nil
}
