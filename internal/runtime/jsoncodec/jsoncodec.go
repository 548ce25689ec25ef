// Package jsoncodec is the single JSON codec for envelopes, replies and event
// payloads. It is backed by sonic configured for encoding/json compatibility,
// so json.RawMessage fields and struct tags behave as in the standard library.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalString decodes s without copying it into a byte slice first.
func UnmarshalString(s string, v any) error {
	return defaultConfig.UnmarshalFromString(s, v)
}

// Valid reports whether data is a syntactically valid JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}
