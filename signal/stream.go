// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"fmt"
	"io"

	"github.com/tally-foundation/tally/lib/codec"
)

// StreamReader decodes a sequence of envelopes from a byte stream.
// CBOR items are self-delimiting, so no length prefix is needed.
type StreamReader struct {
	dec *codec.Decoder
}

// NewStreamReader wraps r in an envelope reader.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{dec: codec.NewDecoder(r)}
}

// Next reads the next envelope. Returns io.EOF when the stream ends
// cleanly between envelopes.
func (sr *StreamReader) Next() (Envelope, error) {
	var env Envelope
	if err := sr.dec.Decode(&env); err != nil {
		if err == io.EOF {
			return Envelope{}, io.EOF
		}
		return Envelope{}, fmt.Errorf("signal: reading envelope: %w", err)
	}
	return env, nil
}

// StreamWriter encodes envelopes onto a byte stream, one CBOR item
// per envelope.
type StreamWriter struct {
	enc *codec.Encoder
}

// NewStreamWriter wraps w in an envelope writer.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{enc: codec.NewEncoder(w)}
}

// Write encodes one envelope onto the stream.
func (sw *StreamWriter) Write(env Envelope) error {
	if err := sw.enc.Encode(env); err != nil {
		return fmt.Errorf("signal: writing envelope: %w", err)
	}
	return nil
}
