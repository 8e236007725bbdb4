package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"resonance/internal/llm"
)

const endpoint = "generativelanguage.googleapis.com"

// Client wraps the Gemini API client
type Client struct {
	client *genai.Client
	logger *zap.Logger
}

// Config for Gemini client
type Config struct {
	APIKey string
}

// NewClient creates a new Gemini client. Models are chosen per call.
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	logger.Info("Gemini client initialized")

	return &Client{
		client: client,
		logger: logger,
	}, nil
}

func (c *Client) model(name string) *genai.GenerativeModel {
	model := c.client.GenerativeModel(name)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(llm.SystemInstruction)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:     genai.Ptr[float32](0.2), // Low for stable keywords
		MaxOutputTokens: genai.Ptr[int32](64),
	}
	return model
}

// ClassifyText implements llm.Backend
func (c *Client) ClassifyText(ctx context.Context, model, text string) (string, error) {
	resp, err := c.model(model).GenerateContent(ctx, genai.Text(llm.TextPrompt(text)))
	if err != nil {
		return "", classifyError(err)
	}
	return responseText(resp)
}

// ClassifyImage implements llm.Backend
func (c *Client) ClassifyImage(ctx context.Context, model string, image []byte, mimeType string) (string, error) {
	resp, err := c.model(model).GenerateContent(ctx,
		genai.Text(llm.ImagePrompt),
		genai.Blob{MIMEType: mimeType, Data: image},
	)
	if err != nil {
		return "", classifyError(err)
	}
	return responseText(resp)
}

// Name implements llm.Backend
func (c *Client) Name() string { return "gemini" }

// Endpoint implements llm.Backend
func (c *Client) Endpoint() string { return endpoint }

// Close closes the Gemini client
func (c *Client) Close() error {
	return c.client.Close()
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", llm.ErrEmptyResponse
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", llm.ErrEmptyResponse
	}
	return b.String(), nil
}

// classifyError marks 503 answers as overload, everything else as a hard failure
func classifyError(err error) error {
	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPCode() == http.StatusServiceUnavailable {
		return fmt.Errorf("%w: %v", llm.ErrOverloaded, err)
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) && gErr.Code == http.StatusServiceUnavailable {
		return fmt.Errorf("%w: %v", llm.ErrOverloaded, err)
	}

	if llm.MentionsOverload(err.Error()) {
		return fmt.Errorf("%w: %v", llm.ErrOverloaded, err)
	}

	return fmt.Errorf("gemini API error: %w", err)
}
