package chunk

import (
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loomkg/loom/pkg/common"
)

// Scan splits text into chunks in a single left-to-right pass and yields
// them lazily, so callers can stop early and arbitrarily large inputs never
// materialize as a slice. The scan is stateless: restarting is only possible
// from the beginning.
//
// Boundary rules:
//   - whitespace flushes the accumulated run as a word boundary
//   - a line break flushes it as a paragraph end
//   - sentence-terminal punctuation (. ; ! ? and ellipsis) flushes it as a
//     sentence end, unless the punctuation is immediately followed by a line
//     break, in which case the paragraph end wins
//   - "..." is consumed as a single token
//
// A trailing accumulator with no terminating boundary is discarded. That
// matches the observed behavior of the system this pipeline replaces and is
// kept deliberately; see DESIGN.md.
func Scan(text string) iter.Seq[common.Chunk] {
	return func(yield func(common.Chunk) bool) {
		var acc strings.Builder
		seq := 0

		flush := func(kind common.BoundaryKind) bool {
			if acc.Len() == 0 {
				return true
			}
			chunk := common.Chunk{
				Text:          acc.String(),
				Boundary:      kind,
				SequenceIndex: seq,
			}
			acc.Reset()
			seq++
			return yield(chunk)
		}

		for i := 0; i < len(text); {
			r, size := utf8.DecodeRuneInString(text[i:])
			i += size

			switch {
			case r == '\n' || r == '\r':
				if !flush(common.BoundaryParagraphEnd) {
					return
				}

			case unicode.IsSpace(r):
				if !flush(common.BoundaryWord) {
					return
				}

			case isSentenceTerminal(r):
				acc.WriteRune(r)
				if r == '.' && strings.HasPrefix(text[i:], "..") {
					// Ellipsis is one token; consume the two lookahead dots.
					acc.WriteString("..")
					i += 2
				}

				kind := common.BoundarySentenceEnd
				if next, nextSize := utf8.DecodeRuneInString(text[i:]); next == '\n' || next == '\r' {
					// Paragraph takes precedence when the boundaries coincide.
					kind = common.BoundaryParagraphEnd
					i += nextSize
				}
				if !flush(kind) {
					return
				}

			default:
				acc.WriteRune(r)
			}
		}
		// Trailing accumulator at end of input is discarded.
	}
}

func isSentenceTerminal(r rune) bool {
	switch r {
	case '.', ';', '!', '?', '…':
		return true
	}
	return false
}
