// Package codec provides the wire encodings used for channel envelopes.
//
// Envelopes are plain Go trees (map[string]any, []any, scalars) so that the
// same message shape can travel as JSON text frames or CBOR binary frames.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes and decodes envelope trees.
type Codec interface {
	// Name is the identifier used in configuration ("json" or "cbor").
	Name() string
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data into a generic tree. Maps always decode as
	// map[string]any.
	Unmarshal(data []byte) (any, error)
	// Binary reports whether encoded output is binary (not UTF-8 text).
	Binary() bool
}

// JSON is the default codec. Numbers decode as json.Number so integral
// values keep their precision.
var JSON Codec = jsonCodec{}

// CBOR encodes with Core Deterministic Encoding (sorted map keys, shortest
// integer form).
var CBOR Codec = newCBORCodec()

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode json: trailing data")
	}
	return out, nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		// Envelope maps are keyed by strings; a generic target would
		// otherwise decode as map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return "cbor" }
func (cborCodec) Binary() bool { return true }

func (c cborCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c cborCodec) Unmarshal(data []byte) (any, error) {
	var out any
	if err := c.dec.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode cbor: %w", err)
	}
	return out, nil
}
