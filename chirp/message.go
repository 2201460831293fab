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

// Package chirp implements the CHIRP UDP multicast discovery beacon: a
// fixed 42-byte datagram advertising or requesting Constellation services,
// plus the socket and discovery-manager layers built on top of it.
package chirp

import (
	"crypto/md5" //nolint:gosec // MD5 used only as a cheap 16-byte name hash, not for security
	"encoding/binary"
	"fmt"
)

const (
	// identifierTag is the five-byte ASCII tag every CHIRP datagram starts
	// with; the one-byte protocol version follows it.
	identifierTag = "CHIRP"
	// Version is the CHIRP protocol version byte this package emits and
	// accepts.
	Version byte = 0x01

	// MulticastAddress is the IPv4 multicast group CHIRP beacons on.
	MulticastAddress = "239.192.7.123"
	// Port is the UDP port CHIRP beacons on.
	Port = 7123
	// TTL is the multicast hop limit applied to outgoing datagrams.
	TTL = 8

	// MessageLength is the fixed size, in bytes, of an assembled CHIRP
	// datagram.
	MessageLength = 42
)

// MessageType is the purpose of a CHIRP datagram.
type MessageType uint8

const (
	// REQUEST asks peers to reply with an OFFER for services matching the
	// group and requested service identifier.
	REQUEST MessageType = 0x01
	// OFFER advertises that a service is available.
	OFFER MessageType = 0x02
	// DEPART announces that a previously offered service is no longer
	// available.
	DEPART MessageType = 0x03
)

func (t MessageType) String() string {
	switch t {
	case REQUEST:
		return "REQUEST"
	case OFFER:
		return "OFFER"
	case DEPART:
		return "DEPART"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

func (t MessageType) valid() bool {
	return t >= REQUEST && t <= DEPART
}

// ServiceIdentifier names which fabric protocol a CHIRP message concerns.
type ServiceIdentifier uint8

const (
	// CONTROL identifies a CSCP endpoint.
	CONTROL ServiceIdentifier = 0x01
	// HEARTBEAT identifies a CHP endpoint.
	HEARTBEAT ServiceIdentifier = 0x02
	// MONITORING identifies a CMDP endpoint.
	MONITORING ServiceIdentifier = 0x03
	// DATA identifies a CDTP endpoint.
	DATA ServiceIdentifier = 0x04
)

func (s ServiceIdentifier) String() string {
	switch s {
	case CONTROL:
		return "CONTROL"
	case HEARTBEAT:
		return "HEARTBEAT"
	case MONITORING:
		return "MONITORING"
	case DATA:
		return "DATA"
	default:
		return fmt.Sprintf("ServiceIdentifier(%d)", uint8(s))
	}
}

func (s ServiceIdentifier) valid() bool {
	return s >= CONTROL && s <= DATA
}

// MD5Hash is a 16-byte identity hash of a group or host name.
type MD5Hash [16]byte

// HashName computes the MD5Hash of a group or host name, matching the
// identity scheme the original beacon uses to fit variable-length names
// into the fixed-size datagram.
func HashName(name string) MD5Hash {
	return md5.Sum([]byte(name)) //nolint:gosec
}

// Message is one CHIRP datagram: the action it announces, the group and
// host it identifies, which service it concerns, and the port that service
// listens on.
type Message struct {
	Type    MessageType
	GroupID MD5Hash
	HostID  MD5Hash
	Service ServiceIdentifier
	Port    uint16
}

// NewMessage builds a message from plain-text group and host names, hashing
// them into the wire identity fields.
func NewMessage(typ MessageType, group, host string, service ServiceIdentifier, port uint16) Message {
	return Message{
		Type:    typ,
		GroupID: HashName(group),
		HostID:  HashName(host),
		Service: service,
		Port:    port,
	}
}

// DecodeError reports a malformed CHIRP datagram.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "chirp: " + e.Reason
}

// Assemble encodes the message into its fixed 42-byte wire form.
func (m Message) Assemble() [MessageLength]byte {
	var out [MessageLength]byte
	copy(out[0:5], identifierTag)
	out[5] = Version
	out[6] = byte(m.Type)
	copy(out[7:23], m.GroupID[:])
	copy(out[23:39], m.HostID[:])
	out[39] = byte(m.Service)
	binary.LittleEndian.PutUint16(out[40:42], m.Port)
	return out
}

// Disassemble parses a datagram produced by Assemble, rejecting anything
// that is not exactly MessageLength bytes, does not carry the expected
// identifier/version, or carries an out-of-range type or service byte.
func Disassemble(data []byte) (Message, error) {
	if len(data) != MessageLength {
		return Message{}, &DecodeError{Reason: fmt.Sprintf("message length is not %d bytes", MessageLength)}
	}
	if string(data[0:5]) != identifierTag || data[5] != Version {
		return Message{}, &DecodeError{Reason: "not a CHIRP v1 broadcast"}
	}

	typ := MessageType(data[6])
	if !typ.valid() {
		return Message{}, &DecodeError{Reason: "message type invalid"}
	}

	var group, host MD5Hash
	copy(group[:], data[7:23])
	copy(host[:], data[23:39])

	service := ServiceIdentifier(data[39])
	if !service.valid() {
		return Message{}, &DecodeError{Reason: "service identifier invalid"}
	}

	port := binary.LittleEndian.Uint16(data[40:42])

	return Message{Type: typ, GroupID: group, HostID: host, Service: service, Port: port}, nil
}
