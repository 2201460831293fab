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

	"github.com/vmihailenco/msgpack/v5"
)

// CSCPType is the reply/request kind of a CSCP1 message.
type CSCPType uint8

const (
	REQUEST CSCPType = iota
	SUCCESS
	NOTIMPLEMENTED
	INCOMPLETE
	INVALID
	UNKNOWN
	ERROR
)

var cscpTypeNames = map[CSCPType]string{
	REQUEST:        "REQUEST",
	SUCCESS:        "SUCCESS",
	NOTIMPLEMENTED: "NOTIMPLEMENTED",
	INCOMPLETE:     "INCOMPLETE",
	INVALID:        "INVALID",
	UNKNOWN:        "UNKNOWN",
	ERROR:          "ERROR",
}

func (t CSCPType) String() string {
	if name, ok := cscpTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("CSCPType(%d)", uint8(t))
}

// CSCPMessage is a full CSCP1 message: header, verb (type + command/reply
// string), and an optional payload frame.
type CSCPMessage struct {
	Header  Header
	Verb    CSCPType
	Command string
	Payload []byte
}

// NewCSCPMessage constructs a message with the sender filled into the
// header and the current time stamped.
func NewCSCPMessage(sender string, verb CSCPType, command string) CSCPMessage {
	return CSCPMessage{Header: NewHeader(CSCP1, sender), Verb: verb, Command: command}
}

// HasPayload reports whether a payload frame should be emitted.
func (m CSCPMessage) HasPayload() bool {
	return len(m.Payload) > 0
}

// Assemble frames the message: header frame, verb frame, and the payload
// frame if present.
func (m CSCPMessage) Assemble() ([]Frame, error) {
	headerFrame, err := m.Header.encode()
	if err != nil {
		return nil, err
	}

	var verbBuf bytes.Buffer
	enc := msgpack.NewEncoder(&verbBuf)
	if err := enc.Encode(uint8(m.Verb)); err != nil {
		return nil, fmt.Errorf("encode verb type: %w", err)
	}
	if err := enc.Encode(m.Command); err != nil {
		return nil, fmt.Errorf("encode verb command: %w", err)
	}

	frames := []Frame{headerFrame, verbBuf.Bytes()}
	if m.HasPayload() {
		frames = append(frames, m.Payload)
	}
	return frames, nil
}

// DisassembleCSCP parses frames produced by Assemble. Per spec §4.1 the
// accepted frame counts are 2 (no payload) or 3 (with payload).
func DisassembleCSCP(frames []Frame) (CSCPMessage, error) {
	if len(frames) != 2 && len(frames) != 3 {
		return CSCPMessage{}, &IncorrectFrameCountError{Got: len(frames), Want: 2}
	}

	header, err := decodeHeader(CSCP1, frames[0])
	if err != nil {
		return CSCPMessage{}, err
	}

	dec := msgpack.NewDecoder(bytes.NewReader(frames[1]))
	var verbType uint8
	if err := dec.Decode(&verbType); err != nil {
		return CSCPMessage{}, &DecodeError{Reason: "verb type: " + err.Error()}
	}
	var command string
	if err := dec.Decode(&command); err != nil {
		return CSCPMessage{}, &DecodeError{Reason: "verb command: " + err.Error()}
	}

	msg := CSCPMessage{Header: header, Verb: CSCPType(verbType), Command: command}
	if len(frames) == 3 {
		msg.Payload = frames[2]
	}
	return msg, nil
}
