package codec

import (
	"encoding/json"
	"time"
)

// Container is the value persisted in the remote store for every entry. It
// carries the creation time next to the payload so that expiry can be judged
// from the remote copy alone.
type Container struct {
	CreatedAt time.Time
	Payload   any
}

// IsExpired reports whether the container is older than ttl at now.
// An age exactly equal to ttl is not expired.
func (c *Container) IsExpired(ttl time.Duration, now time.Time) bool {
	return now.Sub(c.CreatedAt) > ttl
}

type wireContainer struct {
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EncodeContainer serializes c, encoding its payload with hint.
func (c *Codec) EncodeContainer(ct *Container, hint TypeHint) (string, error) {
	w := wireContainer{CreatedAt: ct.CreatedAt}
	if ct.Payload != nil {
		raw, err := c.MarshalValue(ct.Payload, hint)
		if err != nil {
			return "", err
		}
		w.Payload = raw
	}
	text, err := json.Marshal(w)
	if err != nil {
		return "", &Error{Op: "marshal", Hint: hint, Err: err}
	}
	return c.Compress(text)
}

// DecodeContainer reverses EncodeContainer.
func (c *Codec) DecodeContainer(data string, hint TypeHint) (*Container, error) {
	text, err := c.Decompress(data)
	if err != nil {
		return nil, err
	}
	var w wireContainer
	if err := json.Unmarshal(text, &w); err != nil {
		return nil, &Error{Op: "unmarshal", Hint: hint, Err: err}
	}
	ct := &Container{CreatedAt: w.CreatedAt}
	if len(w.Payload) > 0 {
		v, err := c.UnmarshalValue(w.Payload, hint)
		if err != nil {
			return nil, err
		}
		ct.Payload = v
	}
	return ct, nil
}
