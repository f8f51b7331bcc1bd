// Package jsoncodec is the single JSON entry point for frames and payloads.
package jsoncodec

import (
	"bytes"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

var null = []byte("null")

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Valid reports whether data is a syntactically valid JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

// IsEmpty reports whether data carries no value: nothing, whitespace or null.
func IsEmpty(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, null)
}

// Raw marshals v and returns the encoded bytes, mapping a nil value to an
// empty object so the remote side always receives a payload.
func Raw(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	if b, ok := v.([]byte); ok && Valid(b) {
		return b, nil
	}
	return Marshal(v)
}
