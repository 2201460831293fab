/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package message

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Tags is the heterogeneous string-keyed value map carried by every header.
// Supported value types are bool, int64, float64, string, time.Time and
// []byte, matching the value kinds the spec requires tags to be drawn from.
type Tags map[string]any

// Header is the common prefix shared by CSCP, CMDP and CDTP messages: sender
// name, wall-clock send time (round-trips at nanosecond resolution) and a
// free-form tag dictionary.
type Header struct {
	Protocol Protocol
	Sender   string
	Time     time.Time
	Tags     Tags
}

// NewHeader builds a header stamped with the current time and an empty tag
// set; callers add tags with SetTag before Assemble.
func NewHeader(protocol Protocol, sender string) Header {
	return Header{Protocol: protocol, Sender: sender, Time: time.Now(), Tags: Tags{}}
}

// SetTag stores a tag value. Valid value kinds are bool, int64, float64,
// string, time.Time and []byte. Other kinds are not rejected here: msgpack
// encodes whatever it can, and Assemble returns msgpack's error for a value
// it cannot encode.
func (h *Header) SetTag(key string, value any) {
	if h.Tags == nil {
		h.Tags = Tags{}
	}
	h.Tags[key] = value
}

// Tag fetches a tag value, returning ok=false if absent.
func (h Header) Tag(key string) (any, bool) {
	v, ok := h.Tags[key]
	return v, ok
}

// encode packs the header as four independent msgpack values written back to
// back into a single frame: protocol identifier, sender, time, tags. Encoding
// each value separately (rather than as one array) matches the teacher
// protocol's length-prefixed-field style and lets disassemble error out on
// the exact field that fails to decode.
func (h Header) encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("msgpack")
	if err := enc.Encode(h.Protocol.Identifier()); err != nil {
		return nil, fmt.Errorf("encode protocol identifier: %w", err)
	}
	if err := enc.Encode(h.Sender); err != nil {
		return nil, fmt.Errorf("encode sender: %w", err)
	}
	if err := enc.Encode(h.Time); err != nil {
		return nil, fmt.Errorf("encode time: %w", err)
	}
	if err := enc.Encode(map[string]any(h.Tags)); err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeHeader parses a header frame, verifying the protocol identifier
// matches expected. Mirrors BaseHeader::disassemble in the original
// implementation: four sequential msgpack reads from one buffer.
func decodeHeader(expected Protocol, data []byte) (Header, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))

	var identifier string
	if err := dec.Decode(&identifier); err != nil {
		return Header{}, &DecodeError{Reason: "protocol identifier: " + err.Error()}
	}
	protocol, err := FromIdentifier(identifier)
	if err != nil {
		return Header{}, err
	}
	if protocol != expected {
		return Header{}, &UnexpectedProtocolError{Received: protocol, Expected: expected}
	}

	var sender string
	if err := dec.Decode(&sender); err != nil {
		return Header{}, &DecodeError{Reason: "sender: " + err.Error()}
	}

	var sendTime time.Time
	if err := dec.Decode(&sendTime); err != nil {
		return Header{}, &DecodeError{Reason: "time: " + err.Error()}
	}

	var tags map[string]any
	if err := dec.Decode(&tags); err != nil {
		return Header{}, &DecodeError{Reason: "tags: " + err.Error()}
	}

	return Header{Protocol: protocol, Sender: sender, Time: sendTime, Tags: Tags(tags)}, nil
}

// Frame is a single opaque length-framed unit as produced by Assemble and
// consumed by Disassemble; it models one ZeroMQ message part.
type Frame = []byte
