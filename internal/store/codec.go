package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// Coder serializes transformable attribute values to and from the BLOB
// column that backs them. Implementations must round-trip: Decode(Encode(v))
// yields a value equal to v for every value the coder accepts.
type Coder interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// CoderRegistry maps coder names, as declared on transformable
// attributes, to implementations. The empty name resolves to the
// built-in JSON coder.
type CoderRegistry struct {
	mu sync.RWMutex
	m  map[string]Coder
}

// DefaultCoder is the name the empty coder declaration resolves to.
const DefaultCoder = "json"

// NewCoderRegistry returns a registry holding the built-in JSON coder.
func NewCoderRegistry() *CoderRegistry {
	return &CoderRegistry{m: map[string]Coder{DefaultCoder: jsonCoder{}}}
}

// Register adds or replaces a named coder.
func (r *CoderRegistry) Register(name string, c Coder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[name] = c
}

// Lookup resolves a coder name. The empty name means the default.
func (r *CoderRegistry) Lookup(name string) (Coder, bool) {
	if name == "" {
		name = DefaultCoder
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.m[name]
	return c, ok
}

// jsonCoder stores values as compact JSON. Decoded numbers come back as
// json.Number so integer payloads survive without float rounding.
type jsonCoder struct{}

func (jsonCoder) Encode(v any) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return buf, nil
}

func (jsonCoder) Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}
