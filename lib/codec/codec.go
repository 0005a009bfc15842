// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Tally's standard CBOR encoding.
//
// All wire messages and opaque persisted blobs use Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. The same logical value always
// produces identical bytes, which lets peers deduplicate re-delivered
// messages by byte comparison.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields, so newer
// peers can add fields without breaking older consumers.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// CBOR allows non-string map keys, so the decoder's default
		// target for any-typed values is map[interface{}]interface{}.
		// Tally only ever uses string keys; decode to map[string]any
		// so the values interoperate with the rest of the code.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value. Use it to delay decoding or
// to splice pre-encoded CBOR into a larger message.
type RawMessage = cbor.RawMessage

// Encoder streams CBOR values to a writer. Type alias so consumers
// import only lib/codec, not fxamacker/cbor directly.
type Encoder = cbor.Encoder

// Decoder streams CBOR values from a reader.
type Decoder = cbor.Decoder

// NewEncoder returns an encoder writing deterministic CBOR to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a decoder reading CBOR values from r. CBOR is
// self-delimiting, so consecutive values need no framing between them.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
