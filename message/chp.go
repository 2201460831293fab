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
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// CHPMessage is a single heartbeat: sender, state and the maximum interval
// until the next beat is expected, published on the CHP topic.
type CHPMessage struct {
	Header   Header
	State    State
	Interval time.Duration
}

// NewCHPMessage stamps the current time into the header.
func NewCHPMessage(sender string, state State, interval time.Duration) CHPMessage {
	return CHPMessage{Header: NewHeader(CHP1, sender), State: state, Interval: interval}
}

// Assemble frames the message as two frames: the header, then a frame
// holding the state byte and the interval in milliseconds, packed
// sequentially like the base header fields.
func (m CHPMessage) Assemble() ([]Frame, error) {
	headerFrame, err := m.Header.encode()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(uint8(m.State)); err != nil {
		return nil, &DecodeError{Reason: "encode state: " + err.Error()}
	}
	if err := enc.Encode(uint64(m.Interval / time.Millisecond)); err != nil {
		return nil, &DecodeError{Reason: "encode interval: " + err.Error()}
	}

	return []Frame{headerFrame, buf.Bytes()}, nil
}

// DisassembleCHP parses frames produced by Assemble.
func DisassembleCHP(frames []Frame) (CHPMessage, error) {
	if len(frames) != 2 {
		return CHPMessage{}, &IncorrectFrameCountError{Got: len(frames), Want: 2}
	}

	header, err := decodeHeader(CHP1, frames[0])
	if err != nil {
		return CHPMessage{}, err
	}

	dec := msgpack.NewDecoder(bytes.NewReader(frames[1]))
	var state uint8
	if err := dec.Decode(&state); err != nil {
		return CHPMessage{}, &DecodeError{Reason: "state: " + err.Error()}
	}
	var intervalMillis uint64
	if err := dec.Decode(&intervalMillis); err != nil {
		return CHPMessage{}, &DecodeError{Reason: "interval: " + err.Error()}
	}

	return CHPMessage{
		Header:   header,
		State:    State(state),
		Interval: time.Duration(intervalMillis) * time.Millisecond,
	}, nil
}
