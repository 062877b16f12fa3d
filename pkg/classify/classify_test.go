package classify

import (
	"bytes"
	"testing"
)

func TestDetect_PlainText(t *testing.T) {
	res := Detect([]byte("Just a regular sentence with nothing odd about it.\n"))
	if res.Category != CategoryText {
		t.Fatalf("expected text, got %s", res.Category)
	}
	if res.Encoding != EncodingUnknown {
		t.Fatalf("expected no encoding, got %s", res.Encoding)
	}
}

func TestDetect_NulByteMeansBinary(t *testing.T) {
	res := Detect([]byte{'a', 'b', 0x00, 'c'})
	if res.Category != CategoryBinary {
		t.Fatalf("expected binary, got %s", res.Category)
	}
}

func TestDetect_BOMs(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want Encoding
	}{
		{"utf8", []byte{0xEF, 0xBB, 0xBF, 'h', 'i'}, EncodingUTF8},
		{"utf16le", []byte{0xFF, 0xFE, 'h', 0x00}, EncodingUTF16LE},
		{"utf16be", []byte{0xFE, 0xFF, 0x00, 'h'}, EncodingUTF16BE},
		{"utf32le", []byte{0xFF, 0xFE, 0x00, 0x00, 'h', 0x00, 0x00, 0x00}, EncodingUTF32LE},
		{"utf32be", []byte{0x00, 0x00, 0xFE, 0xFF, 0x00, 0x00, 0x00, 'h'}, EncodingUTF32BE},
	}
	for _, tc := range cases {
		res := Detect(tc.data)
		if res.Encoding != tc.want {
			t.Fatalf("%s: expected encoding %s, got %s", tc.name, tc.want, res.Encoding)
		}
		if res.Category != CategoryText {
			t.Fatalf("%s: BOM input should classify as text, got %s", tc.name, res.Category)
		}
	}
}

func TestDetect_ControlByteSoupIsBinary(t *testing.T) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i % 0x1F)
	}
	// Clear NUL bytes so the ratio check decides, not the NUL scan.
	for i := range data {
		if data[i] == 0x00 {
			data[i] = 0x01
		}
	}
	res := Detect(data)
	if res.Category != CategoryBinary {
		t.Fatalf("expected binary for control-byte input, got %s", res.Category)
	}
}

func TestDetect_UTF8MultibyteIsText(t *testing.T) {
	res := Detect([]byte("Übergröße, ångström, 日本語のテキスト。\n"))
	if res.Category != CategoryText {
		t.Fatalf("expected text for multibyte UTF-8, got %s", res.Category)
	}
}

func TestDetect_EmptyDefaultsToText(t *testing.T) {
	res := Detect(nil)
	if res.Category != CategoryText {
		t.Fatalf("expected permissive text default, got %s", res.Category)
	}
}

func TestNormalize_StripsUTF8BOM(t *testing.T) {
	with := append([]byte{0xEF, 0xBB, 0xBF}, []byte("same content")...)
	without := []byte("same content")
	if !bytes.Equal(Normalize(with), without) {
		t.Fatal("expected BOM stripped")
	}
	if !bytes.Equal(Normalize(without), without) {
		t.Fatal("expected BOM-less input unchanged")
	}
}
