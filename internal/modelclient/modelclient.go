// Package modelclient defines the embedding-model collaborator spec.md
// treats as external ("assumed to expose a fixed-dimension vector function
// over text/HTML") and an HTTP-backed implementation. The retry/backoff/
// logging shape is adapted from the teacher's Anthropic chat client,
// retargeted from a chat-completion endpoint to a batch embeddings one.
package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Model is the fixed-dimension vector function the Delta Embedder calls.
type Model interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	Dimension() int
	ID() string
}

const (
	envAPIKey    = "HER_EMBEDDING_API_KEY"
	envModel     = "HER_EMBEDDING_MODEL"
	envURL       = "HER_EMBEDDING_URL"
	defaultModel = "text-embedding-3-small"
	defaultURL   = "https://api.openai.com/v1/embeddings"

	maxRetries     = 3
	retryBaseDelay = 500 * time.Millisecond
	requestTimeout = 30 * time.Second
)

type httpModel struct {
	apiKey string
	model  string
	url    string
	dim    int
	http   *http.Client
	logger zerolog.Logger
}

// NewFromEnv builds an HTTP-backed embedding model from environment
// configuration, mirroring the teacher's NewAnthropicFromEnv construction.
func NewFromEnv(logger zerolog.Logger, dim int) (Model, error) {
	key := strings.TrimSpace(os.Getenv(envAPIKey))
	if key == "" {
		return nil, fmt.Errorf("missing %s", envAPIKey)
	}
	model := strings.TrimSpace(os.Getenv(envModel))
	if model == "" {
		model = defaultModel
	}
	url := strings.TrimSpace(os.Getenv(envURL))
	if url == "" {
		url = defaultURL
	}
	return &httpModel{
		apiKey: key,
		model:  model,
		url:    url,
		dim:    dim,
		http:   &http.Client{Timeout: requestTimeout},
		logger: logger,
	}, nil
}

func (m *httpModel) Dimension() int { return m.dim }
func (m *httpModel) ID() string     { return m.model }

func (m *httpModel) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			m.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("retrying embedding call")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := json.Marshal(map[string]any{"model": m.model, "input": inputs})
		if err != nil {
			return nil, fmt.Errorf("marshal embedding request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+m.apiKey)

		resp, err := m.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			if attempt < maxRetries {
				continue
			}
			return nil, lastErr
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			if attempt < maxRetries {
				continue
			}
			return nil, lastErr
		}
		if resp.StatusCode >= 400 {
			lastErr = fmt.Errorf("embedding api %d: %s", resp.StatusCode, truncate(string(data), 500))
			if (resp.StatusCode == 429 || resp.StatusCode >= 500) && attempt < maxRetries {
				continue
			}
			return nil, lastErr
		}

		var parsed embeddingResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			lastErr = fmt.Errorf("parse embedding response: %w", err)
			if attempt < maxRetries {
				continue
			}
			return nil, lastErr
		}
		vectors := make([][]float32, len(parsed.Data))
		for _, d := range parsed.Data {
			if d.Index < 0 || d.Index >= len(vectors) {
				continue
			}
			vec := make([]float32, len(d.Embedding))
			for i, v := range d.Embedding {
				vec[i] = float32(v)
			}
			vectors[d.Index] = vec
		}
		return vectors, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
