// Package codec implements the value envelope: a tagged record that lets a
// stored value be either a native JSON value or an opaque blob, while the
// backend layer underneath only ever sees bytes.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"github.com/rdbkv/rdb/pkg/utils"
)

// Kind distinguishes the two payload shapes an Envelope can carry.
type Kind string

const (
	// KindObject marks a payload that is itself JSON.
	KindObject Kind = "object"
	// KindPickle marks a payload that is an opaque, gob-encoded blob.
	KindPickle Kind = "pickle"
)

// Envelope is the unit written to a backend and the unit exchanged on the
// wire. Payload is raw JSON for KindObject and a byte string for KindPickle.
type Envelope struct {
	Kind    Kind            `json:"type"`
	Payload json.RawMessage `json:"value"`
}

// Encode wraps an arbitrary Go value into an Envelope. If json.Marshal
// accepts v and its output parses back as JSON, v is stored as KindObject;
// otherwise it falls back to an opaque gob encoding as KindPickle. The
// decoded value is not compared with v, so a value that JSON represents
// with loss (for example a struct with unexported fields) still takes the
// KindObject path. v == nil encodes as a
// KindObject envelope whose payload is the JSON literal null — callers that
// need the "stored null" sentinel apply it at the backend layer, not here.
func Encode(v any) (Envelope, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return Envelope{Kind: KindObject, Payload: raw}, nil
	}
	if b, err := json.Marshal(v); err == nil {
		var roundTrip any
		if json.Unmarshal(b, &roundTrip) == nil {
			return Envelope{Kind: KindObject, Payload: b}, nil
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return Envelope{}, utils.Wrap(err, "encode pickle payload")
	}
	payload, err := json.Marshal(buf.Bytes())
	if err != nil {
		return Envelope{}, utils.Wrap(err, "marshal pickle payload")
	}
	return Envelope{Kind: KindPickle, Payload: payload}, nil
}

// Decode reverses Encode, unmarshaling the payload into out according to
// Kind. An unrecognized Kind fails with ErrBadWireFormat.
func Decode(e Envelope, out any) error {
	switch e.Kind {
	case KindObject:
		if len(e.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(e.Payload, out); err != nil {
			return fmt.Errorf("%w: %v", utils.ErrBadWireFormat, err)
		}
		return nil
	case KindPickle:
		var raw []byte
		if err := json.Unmarshal(e.Payload, &raw); err != nil {
			return fmt.Errorf("%w: %v", utils.ErrBadWireFormat, err)
		}
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(out); err != nil {
			return fmt.Errorf("%w: %v", utils.ErrBadWireFormat, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown envelope kind %q", utils.ErrBadWireFormat, e.Kind)
	}
}

// MarshalJSON renders the envelope as its wire form: {"type":..,"value":..}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type alias Envelope
	return json.Marshal(alias(e))
}

// UnmarshalJSON parses the wire form and validates that Kind is recognized.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type alias Envelope
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrBadWireFormat, err)
	}
	if a.Kind != KindObject && a.Kind != KindPickle {
		return fmt.Errorf("%w: unrecognized envelope type %q", utils.ErrBadWireFormat, a.Kind)
	}
	*e = Envelope(a)
	return nil
}

// Bytes renders the envelope to its canonical wire bytes.
func (e Envelope) Bytes() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, utils.Wrap(err, "marshal envelope")
	}
	return b, nil
}

// ParseEnvelope parses wire bytes into an Envelope, validating the Kind tag.
func ParseEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
