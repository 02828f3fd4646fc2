// Package codec implements the wire format of every cache entry: a value is
// rendered as JSON, gzip-compressed and base64-encoded into a single
// printable string that the remote store keeps as one string value.
//
// Decoding never guesses the payload type from the stored bytes. Callers pass
// a TypeHint naming a type registered in a Registry; polymorphic payloads carry
// their own tag in an envelope and are decoded with the Polymorphic hint.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrCodec matches every error produced by this package.
var ErrCodec = errors.New("codec error")

// Error describes a failed encode or decode step.
type Error struct {
	Op   string   // "marshal", "unmarshal", "compress", "decompress"
	Hint TypeHint // hint in use, empty for untyped steps
	Err  error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("codec %s (%s): %v", e.Op, e.Hint, e.Err)
	}
	return fmt.Sprintf("codec %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrCodec, e.Err} }

// Option configures a Codec.
type Option func(*Codec)

// WithCompressionLevel sets the gzip level (gzip.HuffmanOnly..gzip.BestCompression).
func WithCompressionLevel(level int) Option {
	return func(c *Codec) { c.level = level }
}

// Codec converts values to and from the printable compressed wire form.
// A Codec is safe for concurrent use.
type Codec struct {
	registry *Registry
	level    int
}

// New creates a codec resolving type hints through reg. A nil registry only
// supports untyped decoding.
func New(reg *Registry, opts ...Option) *Codec {
	if reg == nil {
		reg = NewRegistry()
	}
	c := &Codec{registry: reg, level: gzip.DefaultCompression}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the registry the codec resolves hints against.
func (c *Codec) Registry() *Registry { return c.registry }

// Encode serializes v to the wire string.
func (c *Codec) Encode(v any, hint TypeHint) (string, error) {
	text, err := c.MarshalValue(v, hint)
	if err != nil {
		return "", err
	}
	return c.Compress(text)
}

// Decode reverses Encode, producing a value of the type named by hint.
func (c *Codec) Decode(data string, hint TypeHint) (any, error) {
	text, err := c.Decompress(data)
	if err != nil {
		return nil, err
	}
	return c.UnmarshalValue(text, hint)
}

// MarshalValue performs the structured-text step only. Reference loops in v
// are cut rather than reported.
// With the Polymorphic hint, v must implement Tagged and is wrapped in an
// envelope carrying its tag.
func (c *Codec) MarshalValue(v any, hint TypeHint) (json.RawMessage, error) {
	if hint == Polymorphic {
		tagged, ok := v.(Tagged)
		if !ok {
			return nil, &Error{Op: "marshal", Hint: hint, Err: fmt.Errorf("%T does not carry a type tag", v)}
		}
		inner, err := marshalJSON(v)
		if err != nil {
			return nil, &Error{Op: "marshal", Hint: hint, Err: err}
		}
		out, err := json.Marshal(envelope{Type: tagged.TypeHint(), Value: inner})
		if err != nil {
			return nil, &Error{Op: "marshal", Hint: hint, Err: err}
		}
		return out, nil
	}

	out, err := marshalJSON(v)
	if err != nil {
		return nil, &Error{Op: "marshal", Hint: hint, Err: err}
	}
	return out, nil
}

// UnmarshalValue performs the structured-text decode step only.
func (c *Codec) UnmarshalValue(text []byte, hint TypeHint) (any, error) {
	switch hint {
	case Untyped:
		var v any
		if err := json.Unmarshal(text, &v); err != nil {
			return nil, &Error{Op: "unmarshal", Err: err}
		}
		return v, nil
	case Polymorphic:
		var env envelope
		if err := json.Unmarshal(text, &env); err != nil {
			return nil, &Error{Op: "unmarshal", Hint: hint, Err: err}
		}
		if env.Type == "" {
			return nil, &Error{Op: "unmarshal", Hint: hint, Err: errors.New("missing type tag")}
		}
		return c.decodeRegistered(env.Value, env.Type)
	default:
		return c.decodeRegistered(text, hint)
	}
}

func (c *Codec) decodeRegistered(text []byte, hint TypeHint) (any, error) {
	dec, ok := c.registry.lookup(hint)
	if !ok {
		return nil, &Error{Op: "unmarshal", Hint: hint, Err: ErrUnknownHint}
	}
	v, err := dec(text)
	if err != nil {
		return nil, &Error{Op: "unmarshal", Hint: hint, Err: err}
	}
	return v, nil
}

// Compress gzips text and encodes the result with standard base64.
func (c *Codec) Compress(text []byte) (string, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return "", &Error{Op: "compress", Err: err}
	}
	if _, err := zw.Write(text); err != nil {
		return "", &Error{Op: "compress", Err: err}
	}
	if err := zw.Close(); err != nil {
		return "", &Error{Op: "compress", Err: err}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decompress reverses Compress.
func (c *Codec) Decompress(data string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, &Error{Op: "decompress", Err: err}
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, &Error{Op: "decompress", Err: err}
	}
	defer zr.Close()
	text, err := io.ReadAll(zr)
	if err != nil {
		return nil, &Error{Op: "decompress", Err: err}
	}
	return text, nil
}

type envelope struct {
	Type  TypeHint        `json:"$type"`
	Value json.RawMessage `json:"value,omitempty"`
}
