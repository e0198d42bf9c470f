// Package jsoncodec is the single JSON entry point of the engine. Numbers are
// decoded as json.Number so integers survive a round trip unchanged, and map
// keys are sorted on output so equal values always serialize to equal bytes.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.Config{
	EscapeHTML:     false,
	SortMapKeys:    true,
	UseNumber:      true,
	CopyString:     true,
	ValidateString: true,
}.Froze()

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
