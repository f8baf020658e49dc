package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/problem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddingServer(t *testing.T, seen *map[string]any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)

		var req struct {
			Input []string `json:"input"`
		}
		raw := map[string]any{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		if seen != nil {
			*seen = raw
		}
		b, _ := json.Marshal(raw)
		_ = json.Unmarshal(b, &req)

		// Reply out of order to check reordering by index.
		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(i), float32(len(req.Input[i]))},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": "m"})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOpenAIEmbedBatch(t *testing.T) {
	server := embeddingServer(t, nil)

	svc, err := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, defaultOpenAIModel, svc.ModelName())
	assert.Equal(t, 1536, svc.Dimensions())

	vectors, err := svc.EmbedBatch(context.Background(), []string{"a", "bbb"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1}, {1, 3}}, vectors)
}

func TestOpenAIEmbed(t *testing.T) {
	var seen map[string]any
	server := embeddingServer(t, &seen)

	svc, err := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: server.URL, Model: "text-embedding-3-large", Dimensions: 256})
	require.NoError(t, err)

	vector, err := svc.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 5}, vector)
	assert.EqualValues(t, 256, seen["dimensions"])
	assert.Equal(t, 256, svc.Dimensions())

	_, err = svc.Embed(context.Background(), "")
	assert.Error(t, err)
}

func TestNewOpenAI_Validation(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{})
	assert.Error(t, err)

	_, err = NewOpenAI(OpenAIConfig{APIKey: "k", Model: "text-embedding-ada-002", Dimensions: 10})
	assert.ErrorContains(t, err, "custom dimensions")
}

func TestNew(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := New(context.Background(), definition.EmbeddingDefinition{Provider: definition.ProviderOpenAI})
	assert.ErrorIs(t, err, problem.ErrInvalidConfiguration)

	_, err = New(context.Background(), definition.EmbeddingDefinition{Provider: definition.ProviderAzureOpenAI, APIKey: "k"})
	assert.ErrorIs(t, err, problem.ErrInvalidConfiguration)

	_, err = New(context.Background(), definition.EmbeddingDefinition{Provider: "bedrock"})
	assert.ErrorIs(t, err, problem.ErrUnsupportedProvider)

	svc, err := New(context.Background(), definition.EmbeddingDefinition{Provider: definition.ProviderOllama, Model: "nomic-embed-text"})
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", svc.ModelName())
}
