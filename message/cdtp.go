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

// CDTPType marks a data-channel frame's role in a run: a bracketing
// begin/end-of-run marker or an ordinary data record.
type CDTPType uint8

const (
	CDTPData CDTPType = iota
	CDTPBOR
	CDTPEOR
)

var cdtpTypeNames = map[CDTPType]string{
	CDTPData: "DATA",
	CDTPBOR:  "BOR",
	CDTPEOR:  "EOR",
}

func (t CDTPType) String() string {
	if name, ok := cdtpTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("CDTPType(%d)", uint8(t))
}

// CDTPMessage is a data-channel record: the header extended with a
// monotonically increasing per-sender sequence number and a record type,
// followed by one or more opaque payload frames.
type CDTPMessage struct {
	Header   Header
	Sequence uint64
	Type     CDTPType
	Payloads []Frame
}

// NewCDTPMessage stamps the header with the current time; Sequence must be
// set by the caller (sequence numbers are owned by the sender, not the
// codec).
func NewCDTPMessage(sender string, seq uint64, typ CDTPType, payloads ...Frame) CDTPMessage {
	return CDTPMessage{Header: NewHeader(CDTP1, sender), Sequence: seq, Type: typ, Payloads: payloads}
}

// encodeHeader packs the CDTP header: protocol, sender, time, type, seq,
// tags — type and seq are interleaved between time and tags, matching the
// field order the original CDTP1 header packs them in.
func (m CDTPMessage) encodeHeader() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(m.Header.Protocol.Identifier()); err != nil {
		return nil, fmt.Errorf("encode protocol identifier: %w", err)
	}
	if err := enc.Encode(m.Header.Sender); err != nil {
		return nil, fmt.Errorf("encode sender: %w", err)
	}
	if err := enc.Encode(m.Header.Time); err != nil {
		return nil, fmt.Errorf("encode time: %w", err)
	}
	if err := enc.Encode(uint8(m.Type)); err != nil {
		return nil, fmt.Errorf("encode type: %w", err)
	}
	if err := enc.Encode(m.Sequence); err != nil {
		return nil, fmt.Errorf("encode sequence: %w", err)
	}
	if err := enc.Encode(map[string]any(m.Header.Tags)); err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	return buf.Bytes(), nil
}

// Assemble frames the message: header frame followed by every payload
// frame, in order. At least one payload frame is required; BOR/EOR markers
// typically carry run metadata as their single payload.
func (m CDTPMessage) Assemble() ([]Frame, error) {
	if len(m.Payloads) == 0 {
		return nil, fmt.Errorf("cdtp message requires at least one payload frame")
	}
	headerFrame, err := m.encodeHeader()
	if err != nil {
		return nil, err
	}
	frames := make([]Frame, 0, len(m.Payloads)+1)
	frames = append(frames, headerFrame)
	frames = append(frames, m.Payloads...)
	return frames, nil
}

// DisassembleCDTP parses frames produced by Assemble.
func DisassembleCDTP(frames []Frame) (CDTPMessage, error) {
	if len(frames) < 2 {
		return CDTPMessage{}, &IncorrectFrameCountError{Got: len(frames), Want: 2}
	}

	dec := msgpack.NewDecoder(bytes.NewReader(frames[0]))

	var identifier string
	if err := dec.Decode(&identifier); err != nil {
		return CDTPMessage{}, &DecodeError{Reason: "protocol identifier: " + err.Error()}
	}
	protocol, err := FromIdentifier(identifier)
	if err != nil {
		return CDTPMessage{}, err
	}
	if protocol != CDTP1 {
		return CDTPMessage{}, &UnexpectedProtocolError{Received: protocol, Expected: CDTP1}
	}

	var sender string
	if err := dec.Decode(&sender); err != nil {
		return CDTPMessage{}, &DecodeError{Reason: "sender: " + err.Error()}
	}

	var sendTime time.Time
	if err := dec.Decode(&sendTime); err != nil {
		return CDTPMessage{}, &DecodeError{Reason: "time: " + err.Error()}
	}

	var typ uint8
	if err := dec.Decode(&typ); err != nil {
		return CDTPMessage{}, &DecodeError{Reason: "type: " + err.Error()}
	}

	var seq uint64
	if err := dec.Decode(&seq); err != nil {
		return CDTPMessage{}, &DecodeError{Reason: "sequence: " + err.Error()}
	}

	var tags map[string]any
	if err := dec.Decode(&tags); err != nil {
		return CDTPMessage{}, &DecodeError{Reason: "tags: " + err.Error()}
	}

	return CDTPMessage{
		Header:   Header{Protocol: protocol, Sender: sender, Time: sendTime, Tags: Tags(tags)},
		Sequence: seq,
		Type:     CDTPType(typ),
		Payloads: frames[1:],
	}, nil
}
