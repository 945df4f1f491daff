package google

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestProviderName(t *testing.T) {
	provider := New()
	require.Equal(t, "google", provider.Name())
}

func TestProviderOptions(t *testing.T) {
	provider := New(
		WithAPIKey("test-key"),
		WithModel("gemini-2.5-pro"),
		WithMaxTokens(2048),
		WithMaxRetries(1),
	)
	require.Equal(t, "test-key", provider.apiKey)
	require.Equal(t, "gemini-2.5-pro", provider.model)
	require.Equal(t, 2048, provider.maxTokens)
	require.Equal(t, 1, provider.maxRetries)
}

func TestConvertResponse(t *testing.T) {
	t.Run("joins text parts", func(t *testing.T) {
		resp := &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{
					Parts: []*genai.Part{
						{Text: `{"value":`},
						{Text: ` 42}`},
					},
				},
			}},
		}
		result, err := convertResponse(resp)
		require.NoError(t, err)
		require.Equal(t, `{"value": 42}`, result.Text)
	})

	t.Run("empty response", func(t *testing.T) {
		_, err := convertResponse(nil)
		require.Error(t, err)
		_, err = convertResponse(&genai.GenerateContentResponse{})
		require.Error(t, err)
	})

	t.Run("candidate without text", func(t *testing.T) {
		resp := &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{Content: &genai.Content{}}},
		}
		_, err := convertResponse(resp)
		require.Error(t, err)
		require.Contains(t, err.Error(), "no text")
	})
}
