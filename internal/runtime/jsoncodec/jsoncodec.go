// Package jsoncodec is the JSON codec used for subscription files and
// diagnostics. It wraps sonic with encoding/json compatible settings.
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

// MarshalLine encodes v followed by a newline, one record per line.
func MarshalLine(v any) ([]byte, error) {
	data, err := defaultConfig.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
