// Package openai implements the extraction and embedding contracts against
// an OpenAI-compatible API.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"

	"github.com/loomkg/loom/pkg/common"
	"github.com/loomkg/loom/pkg/extract"
)

// Client talks to OpenAI-compatible endpoints for triplet extraction and
// embeddings. Separate underlying clients allow routing embeddings to a
// different host than chat completions.
type Client struct {
	extractionModel string
	embeddingModel  string
	dimensions      int

	reqLock *semaphore.Weighted

	chatClient      *openai.Client
	embeddingClient *openai.Client
}

// NewClientParams configures a Client.
type NewClientParams struct {
	ExtractionModel string
	EmbeddingModel  string
	Dimensions      int

	ChatURL      string
	ChatKey      string
	EmbeddingURL string
	EmbeddingKey string

	MaxConcurrentRequests int64
}

// NewClient creates a Client. Empty URLs fall back to the public OpenAI
// endpoint.
func NewClient(params NewClientParams) *Client {
	chatOpts := []option.RequestOption{option.WithAPIKey(params.ChatKey)}
	if params.ChatURL != "" {
		chatOpts = append(chatOpts, option.WithBaseURL(params.ChatURL))
	}
	embeddingOpts := []option.RequestOption{option.WithAPIKey(params.EmbeddingKey)}
	if params.EmbeddingURL != "" {
		embeddingOpts = append(embeddingOpts, option.WithBaseURL(params.EmbeddingURL))
	}

	maxConcurrent := params.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}

	chatClient := openai.NewClient(chatOpts...)
	embeddingClient := openai.NewClient(embeddingOpts...)

	return &Client{
		extractionModel: params.ExtractionModel,
		embeddingModel:  params.EmbeddingModel,
		dimensions:      params.Dimensions,
		reqLock:         semaphore.NewWeighted(maxConcurrent),
		chatClient:      &chatClient,
		embeddingClient: &embeddingClient,
	}
}

// Extract sends one segment to the extraction model with a strict JSON
// schema and returns the parsed triplets.
func (c *Client) Extract(ctx context.Context, text string, schema extract.Schema) ([]common.Triplet, error) {
	schemaParam := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:        "extract_triplets",
		Description: openai.String("Extract entity/relationship triplets from a document segment."),
		Schema:      extract.GenerateSchema(extract.WireResponse{}),
		Strict:      openai.Bool(true),
	}

	body := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.extractionModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(extract.SystemPrompt(schema)),
			openai.UserMessage(text),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: schemaParam,
			},
		},
		Temperature: openai.Float(0.1),
	}

	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	response, err := c.chatClient.Chat.Completions.New(ctx, body)
	if err != nil {
		return nil, extract.NewError(extract.KindProviderError, err)
	}
	if len(response.Choices) == 0 {
		return nil, extract.NewError(extract.KindMalformedResponse, fmt.Errorf("response contained no choices"))
	}

	var res extract.WireResponse
	if err := extract.UnmarshalFlexible(response.Choices[0].Message.Content, &res); err != nil {
		return nil, extract.NewError(extract.KindMalformedResponse, err)
	}
	return res.ToTriplets(), nil
}

// GenerateEmbedding creates a vector embedding for the given input.
func (c *Client) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	body := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(string(input))},
		Model: openai.EmbeddingModel(c.embeddingModel),
	}

	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	response, err := c.embeddingClient.Embeddings.New(ctx, body)
	if err != nil {
		return nil, err
	}
	if len(response.Data) != 1 {
		return nil, fmt.Errorf("unexpected embedding result size: got %d want 1", len(response.Data))
	}

	vec := make([]float32, 0, len(response.Data[0].Embedding))
	for _, v := range response.Data[0].Embedding {
		vec = append(vec, float32(v))
	}
	if c.dimensions > 0 && len(vec) > c.dimensions {
		vec = vec[:c.dimensions]
	}
	if c.dimensions > 0 && len(vec) < c.dimensions {
		padded := make([]float32, c.dimensions)
		copy(padded, vec)
		vec = padded
	}
	return vec, nil
}
