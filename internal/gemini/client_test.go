package gemini

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"

	"resonance/internal/llm"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		overloaded bool
	}{
		{"googleapi 503", &googleapi.Error{Code: 503, Message: "unavailable"}, true},
		{"wrapped googleapi 503", fmt.Errorf("call: %w", &googleapi.Error{Code: 503}), true},
		{"overload message", errors.New("rpc error: The model is overloaded. Please try again later."), true},
		{"googleapi 429", &googleapi.Error{Code: 429, Message: "quota"}, false},
		{"bad request", &googleapi.Error{Code: 400, Message: "invalid argument"}, false},
		{"deadline", context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(tt.err)
			assert.Equal(t, tt.overloaded, llm.IsOverloaded(got))
			if !tt.overloaded {
				assert.ErrorIs(t, got, tt.err)
			}
		})
	}
}

func TestResponseText(t *testing.T) {
	t.Run("joins text parts", func(t *testing.T) {
		resp := &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []genai.Part{genai.Text("hopeful, "), genai.Text("calm")}},
			}},
		}
		out, err := responseText(resp)
		require.NoError(t, err)
		assert.Equal(t, "hopeful, calm", out)
	})

	t.Run("no candidates", func(t *testing.T) {
		_, err := responseText(&genai.GenerateContentResponse{})
		assert.ErrorIs(t, err, llm.ErrEmptyResponse)
	})

	t.Run("candidate without content", func(t *testing.T) {
		_, err := responseText(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{}}})
		assert.ErrorIs(t, err, llm.ErrEmptyResponse)
	})

	t.Run("blank text", func(t *testing.T) {
		resp := &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []genai.Part{genai.Text("  ")}}}},
		}
		_, err := responseText(resp)
		assert.ErrorIs(t, err, llm.ErrEmptyResponse)
	})
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(context.Background(), Config{}, zap.NewNop())
	assert.Error(t, err)
}
