// Package mock provides deterministic extraction and embedding
// implementations for tests and local development.
package mock

import (
	"context"
	"crypto/sha256"
	"strings"

	"github.com/loomkg/loom/pkg/common"
	"github.com/loomkg/loom/pkg/extract"
)

// Extractor calls Fn for every request. The zero value returns no triplets.
type Extractor struct {
	Fn func(ctx context.Context, text string, schema extract.Schema) ([]common.Triplet, error)

	mu    chan struct{}
	calls []string
}

// NewExtractor creates an Extractor backed by fn.
func NewExtractor(fn func(ctx context.Context, text string, schema extract.Schema) ([]common.Triplet, error)) *Extractor {
	return &Extractor{Fn: fn, mu: make(chan struct{}, 1)}
}

// Static creates an Extractor that returns the same triplets for every
// segment.
func Static(triplets []common.Triplet) *Extractor {
	return NewExtractor(func(context.Context, string, extract.Schema) ([]common.Triplet, error) {
		return triplets, nil
	})
}

// Failing creates an Extractor that fails every call with err.
func Failing(err error) *Extractor {
	return NewExtractor(func(context.Context, string, extract.Schema) ([]common.Triplet, error) {
		return nil, err
	})
}

func (m *Extractor) Extract(ctx context.Context, text string, schema extract.Schema) ([]common.Triplet, error) {
	if m.mu != nil {
		select {
		case m.mu <- struct{}{}:
			m.calls = append(m.calls, text)
			<-m.mu
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Fn == nil {
		return nil, nil
	}
	return m.Fn(ctx, text, schema)
}

// Calls returns the texts of every Extract call so far.
func (m *Extractor) Calls() []string {
	if m.mu == nil {
		return nil
	}
	m.mu <- struct{}{}
	defer func() { <-m.mu }()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// TripletsFromWords builds one triplet per whitespace-separated word pair in
// text. Useful when a test needs extraction output that varies with input.
func TripletsFromWords(text string) []common.Triplet {
	words := strings.Fields(strings.ToLower(text))
	var out []common.Triplet
	for i := 0; i+1 < len(words); i += 2 {
		out = append(out, common.Triplet{
			Node1:        common.TripletNode{ID: words[i], Attributes: map[string]string{"type": "CONCEPT"}},
			Relationship: "precedes",
			Node2:        common.TripletNode{ID: words[i+1], Attributes: map[string]string{"type": "CONCEPT"}},
		})
	}
	return out
}

// Embedder produces deterministic embeddings derived from a content hash.
// Identical inputs always embed identically.
type Embedder struct {
	Dimensions int
}

func (e *Embedder) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	dims := e.Dimensions
	if dims <= 0 {
		dims = 8
	}
	sum := sha256.Sum256(input)
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = float32(sum[i%len(sum)])/255 - 0.5
	}
	return vec, nil
}
