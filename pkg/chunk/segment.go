package chunk

import (
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkoukk/tiktoken-go"

	"github.com/loomkg/loom/pkg/common"
)

// Segment is a token-budgeted group of consecutive chunks, sized for one
// extraction request. SequenceIndex is the sequence index of the segment's
// first chunk, which keeps resolver input ordering deterministic even when
// segments complete extraction out of order.
type Segment struct {
	ID            string
	Text          string
	SequenceIndex int
}

// Segments assembles chunker output for text into extraction-sized segments.
// Chunks are packed greedily until the token budget is reached; paragraph
// ends also close the current segment so one extraction request never spans
// a paragraph boundary mid-stream. Token counts use the given tiktoken
// encoder name (e.g. "o200k_base").
func Segments(text string, encoder string, maxTokens int) ([]Segment, error) {
	enc, err := tiktoken.GetEncoding(encoder)
	if err != nil {
		return nil, err
	}

	var segments []Segment
	var current strings.Builder
	currentTokens := 0
	currentStart := -1

	flush := func() error {
		if current.Len() == 0 {
			return nil
		}
		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		segments = append(segments, Segment{
			ID:            id,
			Text:          current.String(),
			SequenceIndex: currentStart,
		})
		current.Reset()
		currentTokens = 0
		currentStart = -1
		return nil
	}

	var flushErr error
	for chunk := range Scan(text) {
		tokens := len(enc.Encode(chunk.Text, nil, nil)) + 1

		if currentTokens+tokens > maxTokens && current.Len() > 0 {
			if flushErr = flush(); flushErr != nil {
				return nil, flushErr
			}
		}

		if currentStart < 0 {
			currentStart = chunk.SequenceIndex
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(chunk.Text)
		currentTokens += tokens

		if chunk.Boundary == common.BoundaryParagraphEnd {
			if flushErr = flush(); flushErr != nil {
				return nil, flushErr
			}
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}

	return segments, nil
}

// Collect drains the scanner into a slice. Intended for small inputs and
// tests; streaming callers should range over Scan directly.
func Collect(text string) []common.Chunk {
	var chunks []common.Chunk
	for c := range Scan(text) {
		chunks = append(chunks, c)
	}
	return chunks
}
