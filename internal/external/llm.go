package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sponsorscout/internal/types"
)

type LLMClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Logger  *slog.Logger
}

// LLMClient calls an OpenAI-compatible chat completions endpoint.
type LLMClient struct {
	base    *BaseClient
	baseURL string
	apiKey  string
	model   string
	logger  *slog.Logger
}

var _ Completer = (*LLMClient)(nil)

func NewLLMClient(httpClient *http.Client, cfg LLMClientConfig, opts ...BaseClientOption) *LLMClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClient{
		base: NewBaseClient(httpClient, "llm",
			RetryPolicy{MaxRetries: 2, MinWait: time.Second, MaxWait: 8 * time.Second},
			"SponsorScout/1.0", opts...),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		logger:  logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *LLMClient) Complete(ctx context.Context, in CompletionRequest) (string, error) {
	msgs := make([]chatMessage, 0, 2)
	if in.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: in.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: in.Prompt})

	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode completion request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build completion request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.base.Do(req)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return "", appErr
		}
		return "", types.NewAppError(types.ErrCodeUpstreamLLM, "completion request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamLLM, "failed to read completion response", err)
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamLLM,
			fmt.Sprintf("completion endpoint returned %d with non-JSON body", resp.StatusCode), err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return "", types.NewAppError(types.ErrCodeUpstreamLLM,
			fmt.Sprintf("completion endpoint returned %d: %s", resp.StatusCode, msg), nil)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamLLM, "completion endpoint returned no content", nil)
	}

	c.logger.DebugContext(ctx, "completion finished",
		"model", c.model,
		"prompt_tokens", out.Usage.PromptTokens,
		"completion_tokens", out.Usage.CompletionTokens,
		"finish_reason", out.Choices[0].FinishReason,
	)
	return out.Choices[0].Message.Content, nil
}
