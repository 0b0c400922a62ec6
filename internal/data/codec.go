package data

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// Codec converts generic data maps to and from a wire format.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte) (any, error)
}

// JSON encodes bytes fields as strings of code points 0-255 and decodes numbers as json.Number.
var JSON Codec = jsonCodec{}

// CBOR keeps bytes fields as native byte strings.
var CBOR Codec = newCBORCodec()

type jsonCodec struct{}

func (jsonCodec) ContentType() string { return ContentTypeJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(jsonWire(v))
}

func (jsonCodec) Unmarshal(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after top-level value")
	}
	return out, nil
}

func jsonWire(v any) any {
	switch t := v.(type) {
	case []byte:
		var sb strings.Builder
		for _, c := range t {
			sb.WriteRune(rune(c))
		}
		return sb.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = jsonWire(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = jsonWire(item)
		}
		return out
	case *Record:
		return jsonWire(t.data)
	}
	return v
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) ContentType() string { return ContentTypeCBOR }

func (c cborCodec) Marshal(v any) ([]byte, error) {
	if r, ok := v.(*Record); ok {
		v = r.data
	}
	return c.enc.Marshal(v)
}

func (c cborCodec) Unmarshal(b []byte) (any, error) {
	var out any
	if err := c.dec.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CodecFor picks a codec from a Content-Type or Accept value. Unknown or empty types get JSON.
func CodecFor(contentType string) Codec {
	for _, part := range strings.Split(contentType, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mt {
		case ContentTypeCBOR:
			return CBOR
		case ContentTypeJSON, "*/*":
			return JSON
		}
	}
	return JSON
}

// Encode serializes a record.
func Encode(r *Record, c Codec) ([]byte, error) {
	return c.Marshal(r.data)
}

// Decode parses and coerces a record of schema s.
func Decode(b []byte, s *Schema, c Codec) (*Record, error) {
	raw, err := c.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.ContentType(), err)
	}
	m, ok := asMap(raw)
	if !ok {
		return nil, fmt.Errorf("decode %s: %w", c.ContentType(), &ValidationError{Violations: []Violation{{
			Path: "/", Message: describe(raw) + " cannot be coerced to " + s.TypeName(), Err: ErrTypeMismatch,
		}}})
	}
	return FromData(s, m)
}
