package decoder

import (
	"bytes"

	"github.com/klauspost/compress/gzip"
)

// CompressionRatio is len(text) / len(gzip(text)). Repetitive hallucinated
// text compresses well and scores high.
func CompressionRatio(text string) float64 {
	if text == "" {
		return 0
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(text)); err != nil {
		return 0
	}
	if err := zw.Close(); err != nil {
		return 0
	}
	if buf.Len() == 0 {
		return 0
	}
	return float64(len(text)) / float64(buf.Len())
}
