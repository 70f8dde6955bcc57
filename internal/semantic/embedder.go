// Package semantic implements the dense-vector index over archive event
// text surrogates.
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embedder produces fixed-dimension embedding vectors for a batch of
// texts. The production implementation calls an OpenAI-compatible
// /embeddings HTTP endpoint; tests swap in a deterministic fake.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// HTTPEmbedder calls a configured OpenAI-compatible embeddings endpoint.
type HTTPEmbedder struct {
	BaseURL string
	APIKey  string
	Model   string
	Dim     int
	Client  *http.Client
}

// NewHTTPEmbedder constructs an HTTPEmbedder with a bounded-timeout client.
func NewHTTPEmbedder(baseURL, apiKey, model string, dim int) *HTTPEmbedder {
	return &HTTPEmbedder{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		Dim:     dim,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *HTTPEmbedder) Dimension() int { return e.Dim }

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed calls the embeddings endpoint for a batch of texts, returning
// vectors in the same order as the input. Batch size is the caller's
// concern; a few hundred texts per call is typical.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embeddingsRequest{Model: e.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embeddings endpoint returned %d: %s", resp.StatusCode, string(b))
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}
