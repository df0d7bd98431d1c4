// Package embedding provides dense vector generation for article text.
//
// The engine treats the embedder as a black box: a Provider turns title and
// content into a D-dimensional vector, deterministically within one model
// version. Implementations exist for OpenAI and Ollama; tests use a stub.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pgvector/pgvector-go"
)

// Provider generates embeddings from article text.
type Provider interface {
	// Embed generates one embedding vector for an article.
	// Title and content are concatenated the same way for every call so
	// identical articles embed identically.
	Embed(ctx context.Context, title, content string) (pgvector.Vector, error)

	// Dimensions returns the vector dimensionality the provider produces.
	Dimensions() int
}

// EmbedText is the canonical text an article is embedded from.
func EmbedText(title, content string) string {
	return title + " " + content
}

// OpenAIProvider generates embeddings via the OpenAI embeddings API.
// The requested dimension is passed through so models that support shortened
// output (text-embedding-3-*) match the engine's fixed D.
type OpenAIProvider struct {
	apiKey     string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOpenAIProvider creates an OpenAI embedding provider.
func NewOpenAIProvider(apiKey, model string, dimensions int) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
		dimensions: dimensions,
	}
}

// Dimensions returns the configured embedding size.
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed generates a single embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, title, content string) (pgvector.Vector, error) {
	reqBody, err := json.Marshal(openAIRequest{
		Input:      []string{EmbedText(title, content)},
		Model:      p.model,
		Dimensions: p.dimensions,
	})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: read response: %w", err)
	}

	var result openAIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if len(result.Data) == 0 {
		return pgvector.Vector{}, fmt.Errorf("embedding: openai returned no data")
	}

	return pgvector.NewVector(result.Data[0].Embedding), nil
}
