// Package jsonx holds the JSON helpers shared by the agent packages.
package jsonx

import (
	json "github.com/goccy/go-json"
)

// Stringify encodes v as compact JSON with map keys sorted, so equal values always produce
// equal strings. Values that cannot be encoded stringify to "{}".
func Stringify(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Marshal is the encoder used for harvest bodies.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
