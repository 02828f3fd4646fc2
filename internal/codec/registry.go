package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// TypeHint names the concrete type a payload decodes into.
type TypeHint string

const (
	// Untyped decodes into the generic JSON shapes (map[string]any, []any, ...).
	Untyped TypeHint = ""
	// Polymorphic decodes using the tag embedded in the payload envelope.
	Polymorphic TypeHint = "$polymorphic"
)

// ErrUnknownHint is returned when a hint has no registered decoder.
var ErrUnknownHint = errors.New("unknown type hint")

// Tagged is implemented by payloads stored with the Polymorphic hint.
type Tagged interface {
	TypeHint() TypeHint
}

type decodeFunc func([]byte) (any, error)

// Registry maps type hints to decoders. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[TypeHint]decodeFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[TypeHint]decodeFunc)}
}

// Register binds hint to T. Decoding with hint yields a T value.
func Register[T any](r *Registry, hint TypeHint) error {
	return r.add(hint, func(b []byte) (any, error) {
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		return v, nil
	})
}

// MustRegister is like Register but panics on error. Intended for package init.
func MustRegister[T any](r *Registry, hint TypeHint) {
	if err := Register[T](r, hint); err != nil {
		panic(err)
	}
}

func (r *Registry) add(hint TypeHint, dec decodeFunc) error {
	if hint == Untyped || hint == Polymorphic {
		return fmt.Errorf("type hint %q is reserved", hint)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[hint]; ok {
		return fmt.Errorf("type hint %q already registered", hint)
	}
	r.decoders[hint] = dec
	return nil
}

func (r *Registry) lookup(hint TypeHint) (decodeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dec, ok := r.decoders[hint]
	return dec, ok
}

// Registered reports whether hint has a decoder.
func (r *Registry) Registered(hint TypeHint) bool {
	_, ok := r.lookup(hint)
	return ok
}
