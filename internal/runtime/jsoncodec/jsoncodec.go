// Package jsoncodec is the JSON codec shared by mediator state, serializers
// and the status endpoint.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// api sorts map keys and escapes HTML so encoding the same value twice yields
// the same bytes. Persisted mediator state and replay logs rely on that.
var api = sonic.ConfigStd

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) { return api.Marshal(v) }

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error { return api.Unmarshal(data, v) }

// Encode writes v to w followed by a newline.
func Encode(w io.Writer, v any) error { return api.NewEncoder(w).Encode(v) }

// Decode reads the next JSON value from r into v.
func Decode(r io.Reader, v any) error { return api.NewDecoder(r).Decode(v) }
