// Package extract defines the contract between the pipeline and the remote
// model that turns text into triplets. The pipeline treats every
// implementation as untrusted: slow, non-deterministic, and allowed to fail
// per call without taking the whole item down.
package extract

import (
	"context"

	"github.com/loomkg/loom/pkg/common"
)

// Schema describes the shape of facts the extractor should produce.
// EntityTypes is a hint for the model; an empty list falls back to the
// default type set.
type Schema struct {
	EntityTypes []string
}

// DefaultEntityTypes is used when a request does not constrain entity types.
var DefaultEntityTypes = []string{
	"ORGANIZATION", "PERSON", "LOCATION", "CONCEPT", "CREATIVE_WORK", "DATE", "PRODUCT", "EVENT",
}

// Extractor produces typed triplets from one text segment. Implementations
// wrap remote LLM calls; the pipeline bounds each call with a timeout and
// validates the result before use.
type Extractor interface {
	Extract(ctx context.Context, text string, schema Schema) ([]common.Triplet, error)
}

// Embedder produces a vector embedding for raw input. Used by the vector
// storage stage; implementations wrap remote embedding models.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error)
}
