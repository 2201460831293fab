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

// Package message implements the wire codec for the four Constellation
// fabric protocols: CSCP (control), CMDP (monitoring), CDTP (data) and
// CHP (heartbeat). Every message shares a common header which is packed
// and parsed independently of the protocol-specific frames that follow it.
package message

import (
	"fmt"

	"github.com/hashicorp/go-version"
)

// Protocol identifies one of the four wire protocols. CHIRP is a separate,
// fixed-length binary beacon handled entirely by package chirp.
type Protocol uint8

const (
	CSCP1 Protocol = iota
	CMDP1
	CDTP1
	CHP1
)

// identifiers holds the literal wire tag for each protocol: four ASCII
// letters followed by one version byte (CHP1's tag is only 4 bytes total,
// "CHP" plus the version byte, per spec).
var identifiers = map[Protocol]string{
	CSCP1: "CSCP\x01",
	CMDP1: "CMDP\x01",
	CDTP1: "CDTP\x01",
	CHP1:  "CHP\x01",
}

var byIdentifier = func() map[string]Protocol {
	m := make(map[string]Protocol, len(identifiers))
	for p, id := range identifiers {
		m[id] = p
	}
	return m
}()

// Identifier returns the literal wire tag for a protocol.
func (p Protocol) Identifier() string {
	return identifiers[p]
}

// String implements fmt.Stringer with the human-readable form used in error
// messages: the ASCII name followed by the decimal version byte, e.g. "CSCP1".
func (p Protocol) String() string {
	return Readable(p.Identifier())
}

// FromIdentifier resolves a wire tag back to a Protocol.
func FromIdentifier(identifier string) (Protocol, error) {
	p, ok := byIdentifier[identifier]
	if !ok {
		return 0, &InvalidProtocolError{Identifier: identifier}
	}
	return p, nil
}

// Readable converts a literal protocol identifier (e.g. "CSCP\x01") into its
// human-readable form (e.g. "CSCP1").
func Readable(identifier string) string {
	if len(identifier) == 0 {
		return identifier
	}
	body := identifier[:len(identifier)-1]
	versionByte := identifier[len(identifier)-1]
	return fmt.Sprintf("%s%d", body, versionByte)
}

// SupportedVersion is the version byte every encoder in this codec emits.
const SupportedVersion byte = 0x01

var supportedVersion = version.Must(version.NewVersion(fmt.Sprintf("%d.0.0", SupportedVersion)))

// CheckVersionByte verifies that a received version byte is compatible with
// the version this codec can decode, reporting the mismatch through
// go-version so future multi-version support has a ready-made comparison.
func CheckVersionByte(b byte) error {
	remote := version.Must(version.NewVersion(fmt.Sprintf("%d.0.0", b)))
	if !remote.Equal(supportedVersion) {
		return fmt.Errorf("protocol version %s is incompatible with supported version %s", remote, supportedVersion)
	}
	return nil
}

// InvalidProtocolError is returned when a frame's protocol tag cannot be
// decoded into any known Protocol.
type InvalidProtocolError struct {
	Identifier string
}

func (e *InvalidProtocolError) Error() string {
	return fmt.Sprintf("Invalid protocol identifier %q", e.Identifier)
}

// UnexpectedProtocolError is returned when a frame decodes to a known
// Protocol that does not match the one the caller expected.
type UnexpectedProtocolError struct {
	Received Protocol
	Expected Protocol
}

func (e *UnexpectedProtocolError) Error() string {
	return fmt.Sprintf("Received protocol %q does not match expected identifier %q", e.Received, e.Expected)
}

// IncorrectFrameCountError is returned when a message has the wrong number
// of frames for its protocol.
type IncorrectFrameCountError struct {
	Got, Want int
}

func (e *IncorrectFrameCountError) Error() string {
	return "Incorrect number of message frames"
}

// DecodeError wraps an underlying decode failure (msgpack or length framing).
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode message: %s", e.Reason)
}
