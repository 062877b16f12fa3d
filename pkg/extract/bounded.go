package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomkg/loom/pkg/common"
)

// Bounded wraps an Extractor with a per-call timeout and response
// validation. Every pipeline extraction call goes through a Bounded wrapper
// so a hung or misbehaving provider can only cost one segment, never the
// whole item.
type Bounded struct {
	inner   Extractor
	timeout time.Duration
}

// NewBounded wraps inner. A non-positive timeout defaults to one minute.
func NewBounded(inner Extractor, timeout time.Duration) *Bounded {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Bounded{inner: inner, timeout: timeout}
}

func (b *Bounded) Extract(ctx context.Context, text string, schema Schema) ([]common.Triplet, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	triplets, err := b.inner.Extract(callCtx, text, schema)
	if err != nil {
		if _, typed := AsError(err); typed {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, NewError(KindTimeout, err)
		}
		return nil, NewError(KindProviderError, err)
	}

	if err := ValidateTriplets(triplets); err != nil {
		return nil, NewError(KindMalformedResponse, err)
	}
	return triplets, nil
}

// ValidateTriplets checks extractor output against the triplet schema before
// the pipeline uses it. Empty node ids pass validation; skipping them is the
// resolver's documented behavior, not a provider fault.
func ValidateTriplets(triplets []common.Triplet) error {
	for i, t := range triplets {
		if t.Relationship == "" {
			return fmt.Errorf("triplet %d has an empty relationship", i)
		}
	}
	return nil
}
