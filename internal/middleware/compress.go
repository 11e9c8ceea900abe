package middleware

import (
	"bytes"
	"strconv"

	"github.com/klauspost/compress/gzip"
)

// CompressionConfig configures response gzip encoding (spec §4.6
// "Compression").
type CompressionConfig struct {
	Enabled       bool
	ThresholdBytes int
	Level         int
}

// Compress gzip-encodes body when cfg is enabled and body meets the
// configured size threshold. It returns the (possibly unchanged) body and
// whether compression was applied.
func Compress(body []byte, cfg CompressionConfig) ([]byte, bool, error) {
	if !cfg.Enabled || len(body) < cfg.ThresholdBytes {
		return body, false, nil
	}

	level := cfg.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}

	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, false, err
	}
	if _, err := w.Write(body); err != nil {
		return nil, false, err
	}
	if err := w.Close(); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

// ContentLengthHeader formats n the way a Content-Length header value is
// written after a body rewrite.
func ContentLengthHeader(n int) string {
	return strconv.Itoa(n)
}
