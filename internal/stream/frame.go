package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrMalformedFrame is returned by ParseFrame when a message body is not a JSON object.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one normalized inbound message.
type Frame struct {
	// Type is the event discriminator taken from "type" or "event".
	// Empty for untyped frames.
	Type string `json:"type,omitempty"`

	// Data is the nested "data" (or "payload") object, or the whole
	// message when neither is present.
	Data json.RawMessage `json:"data"`

	// Raw is the message body as received.
	Raw json.RawMessage `json:"-"`
}

// Typed reports whether a type discriminator was resolved.
func (f Frame) Typed() bool {
	return f.Type != ""
}

// ParseFrame parses a single message body into a Frame.
func ParseFrame(body []byte) (Frame, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Frame{}, fmt.Errorf("%w: empty body", ErrMalformedFrame)
	}
	if !gjson.ValidBytes(body) {
		return Frame{}, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Frame{}, fmt.Errorf("%w: expected object, got %s", ErrMalformedFrame, root.Type)
	}

	raw := bytes.Clone(body)
	f := Frame{Raw: raw, Data: raw}

	for _, key := range []string{"type", "event"} {
		if v := root.Get(key); v.Type == gjson.String && v.Str != "" {
			f.Type = v.Str
			break
		}
	}

	for _, key := range []string{"data", "payload"} {
		if v := root.Get(key); v.Exists() {
			f.Data = json.RawMessage(v.Raw)
			break
		}
	}

	return f, nil
}
