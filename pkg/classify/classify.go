package classify

import "bytes"

// Category is the coarse content category of a raw payload.
type Category string

const (
	CategoryText   Category = "text"
	CategoryBinary Category = "binary"
)

// Encoding is the detected text encoding, derived from byte-order marks.
// Payloads without a BOM are reported as EncodingUnknown and treated as
// UTF-8 downstream.
type Encoding string

const (
	EncodingUnknown Encoding = ""
	EncodingUTF8    Encoding = "utf-8"
	EncodingUTF16LE Encoding = "utf-16le"
	EncodingUTF16BE Encoding = "utf-16be"
	EncodingUTF32LE Encoding = "utf-32le"
	EncodingUTF32BE Encoding = "utf-32be"
)

// Result describes a classified payload.
type Result struct {
	Category Category
	Encoding Encoding
}

// sampleSize bounds the prefix scanned for classification so arbitrarily
// large payloads classify in constant time.
const sampleSize = 8192

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF32LE = []byte{0xFF, 0xFE, 0x00, 0x00}
	bomUTF32BE = []byte{0x00, 0x00, 0xFE, 0xFF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// Detect inspects raw bytes and determines text vs. binary plus the BOM
// encoding if one is present. Ambiguous input defaults to text: a wrong
// guess only affects the downstream chunking choice, it never rejects data.
// Detect has no side effects and never fails.
func Detect(data []byte) Result {
	if len(data) == 0 {
		return Result{Category: CategoryText, Encoding: EncodingUnknown}
	}

	// UTF-32 BOMs before UTF-16: the UTF-16LE mark is a prefix of UTF-32LE.
	switch {
	case bytes.HasPrefix(data, bomUTF32LE):
		return Result{Category: CategoryText, Encoding: EncodingUTF32LE}
	case bytes.HasPrefix(data, bomUTF32BE):
		return Result{Category: CategoryText, Encoding: EncodingUTF32BE}
	case bytes.HasPrefix(data, bomUTF16LE):
		return Result{Category: CategoryText, Encoding: EncodingUTF16LE}
	case bytes.HasPrefix(data, bomUTF16BE):
		return Result{Category: CategoryText, Encoding: EncodingUTF16BE}
	case bytes.HasPrefix(data, bomUTF8):
		return Result{Category: CategoryText, Encoding: EncodingUTF8}
	}

	sample := data
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}

	if bytes.IndexByte(sample, 0x00) != -1 {
		return Result{Category: CategoryBinary, Encoding: EncodingUnknown}
	}

	printable := 0
	for _, b := range sample {
		if b == '\n' || b == '\r' || b == '\t' {
			printable++
			continue
		}
		if b >= 0x20 && b < 0x7F {
			printable++
			continue
		}
		// High bytes count as printable: multi-byte UTF-8 sequences land
		// here and must not push a document toward binary.
		if b >= 0x80 {
			printable++
		}
	}

	ratio := float64(printable) / float64(len(sample))
	if ratio < 0.70 {
		return Result{Category: CategoryBinary, Encoding: EncodingUnknown}
	}

	return Result{Category: CategoryText, Encoding: EncodingUnknown}
}

// Normalize strips a UTF-8 byte-order mark so hashing is stable across BOM
// variants of the same document. Other encodings pass through untouched;
// transcoding sits outside the pipeline boundary.
func Normalize(data []byte) []byte {
	return bytes.TrimPrefix(data, bomUTF8)
}
