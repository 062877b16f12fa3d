// Package ollama implements the extraction and embedding contracts against
// a locally-hosted Ollama server.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"

	"github.com/loomkg/loom/pkg/common"
	"github.com/loomkg/loom/pkg/extract"
)

// Client talks to an Ollama server for triplet extraction and embeddings.
type Client struct {
	extractionModel string
	embeddingModel  string

	reqLock *semaphore.Weighted
	client  *api.Client
}

// NewClientParams configures a Client.
type NewClientParams struct {
	ExtractionModel string
	EmbeddingModel  string

	BaseURL string
	APIKey  string

	MaxConcurrentRequests int64
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewClient creates a Client for the Ollama server at BaseURL (or the
// default local server when empty).
func NewClient(params NewClientParams) (*Client, error) {
	baseURL := params.BaseURL
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &headerTransport{
			headers: map[string]string{
				"Authorization": "Bearer " + params.APIKey,
			},
			rt: http.DefaultTransport,
		},
	}

	maxConcurrent := params.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	return &Client{
		extractionModel: params.ExtractionModel,
		embeddingModel:  params.EmbeddingModel,
		reqLock:         semaphore.NewWeighted(maxConcurrent),
		client:          api.NewClient(u, httpClient),
	}, nil
}

// Extract sends one segment to the extraction model with a JSON schema
// format constraint and returns the parsed triplets.
func (c *Client) Extract(ctx context.Context, text string, schema extract.Schema) ([]common.Triplet, error) {
	format, err := json.Marshal(extract.GenerateSchema(extract.WireResponse{}))
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}

	stream := false
	req := &api.ChatRequest{
		Model: c.extractionModel,
		Messages: []api.Message{
			{Role: "system", Content: extract.SystemPrompt(schema)},
			{Role: "user", Content: text},
		},
		Format: format,
		Stream: &stream,
	}

	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	var final api.ChatResponse
	if err := c.client.Chat(ctx, req, func(cr api.ChatResponse) error {
		final = cr
		return nil
	}); err != nil {
		return nil, extract.NewError(extract.KindProviderError, err)
	}

	var res extract.WireResponse
	if err := extract.UnmarshalFlexible(final.Message.Content, &res); err != nil {
		return nil, extract.NewError(extract.KindMalformedResponse, err)
	}
	return res.ToTriplets(), nil
}

// GenerateEmbedding creates a vector embedding for the given input.
func (c *Client) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	resp, err := c.client.Embed(ctx, &api.EmbedRequest{
		Model: c.embeddingModel,
		Input: string(input),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != 1 {
		return nil, fmt.Errorf("unexpected embedding result size: got %d want 1", len(resp.Embeddings))
	}
	return resp.Embeddings[0], nil
}
