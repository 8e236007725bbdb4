package openrouter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"resonance/internal/llm"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Client talks to any OpenAI-compatible chat completions API (OpenRouter, Groq, ...)
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// Config for OpenRouter client
type Config struct {
	APIKey  string
	BaseURL string // Default: https://openrouter.ai/api/v1
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

// chatMessage content is either a string or a list of content parts
type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

// NewClient creates a new OpenAI-compatible client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openrouter API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	logger.Info("OpenRouter client initialized", zap.String("base_url", cfg.BaseURL))

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		// Per-attempt deadlines come from the caller's context
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     logger,
	}, nil
}

// ClassifyText implements llm.Backend
func (c *Client) ClassifyText(ctx context.Context, model, text string) (string, error) {
	return c.complete(ctx, model, llm.TextPrompt(text))
}

// ClassifyImage implements llm.Backend
func (c *Client) ClassifyImage(ctx context.Context, model string, image []byte, mimeType string) (string, error) {
	dataURI := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)
	return c.complete(ctx, model, []contentPart{
		{Type: "text", Text: llm.ImagePrompt},
		{Type: "image_url", ImageURL: &imageURL{URL: dataURI}},
	})
}

func (c *Client) complete(ctx context.Context, model string, userContent interface{}) (string, error) {
	reqBody := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: llm.SystemInstruction},
			{Role: "user", Content: userContent},
		},
		Temperature: 0.2,
		MaxTokens:   64,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Title", "Resonance")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openrouter API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusServiceUnavailable {
		return "", fmt.Errorf("%w: openrouter API returned status %d: %s", llm.ErrOverloaded, resp.StatusCode, truncate(body))
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("OpenRouter API error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(body)))
		return "", fmt.Errorf("openrouter API returned status %d: %s", resp.StatusCode, truncate(body))
	}

	var apiResp chatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	// Some providers answer 200 with an embedded error
	if apiResp.Error != nil {
		if apiResp.Error.Code == http.StatusServiceUnavailable || llm.MentionsOverload(apiResp.Error.Message) {
			return "", fmt.Errorf("%w: %s", llm.ErrOverloaded, apiResp.Error.Message)
		}
		return "", fmt.Errorf("openrouter API error: %s", apiResp.Error.Message)
	}

	if len(apiResp.Choices) == 0 || strings.TrimSpace(apiResp.Choices[0].Message.Content) == "" {
		return "", llm.ErrEmptyResponse
	}

	return apiResp.Choices[0].Message.Content, nil
}

// Name implements llm.Backend
func (c *Client) Name() string { return "openrouter" }

// Endpoint implements llm.Backend
func (c *Client) Endpoint() string {
	if u, err := url.Parse(c.baseURL); err == nil && u.Host != "" {
		return u.Host
	}
	return c.baseURL
}

// Close closes the client and releases resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
