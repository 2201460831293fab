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

package satellite

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/constellation-daq/constellation/message"
)

func newTestEndpoint(t *testing.T, sat Capability) (*ControlEndpoint, *FSM) {
	t.Helper()
	fsm := NewFSM(sat)
	endpoint := &ControlEndpoint{fsm: fsm, sat: sat, name: sat.Name(), ctx: context.Background()}
	endpoint.log = nil
	return endpoint, fsm
}

func request(t *testing.T, command string, payload []byte) []message.Frame {
	t.Helper()
	msg := message.NewCSCPMessage("controller", message.REQUEST, command)
	msg.Payload = payload
	frames, err := msg.Assemble()
	require.NoError(t, err)
	return frames
}

func decodeReply(t *testing.T, frames [][]byte) message.CSCPMessage {
	t.Helper()
	converted := make([]message.Frame, len(frames))
	for i, f := range frames {
		converted[i] = f
	}
	reply, err := message.DisassembleCSCP(converted)
	require.NoError(t, err)
	return reply
}

func TestCSCPGetName(t *testing.T) {
	sat := &fakeSatellite{name: "Eudoxus.one"}
	endpoint, _ := newTestEndpoint(t, sat)

	frames := request(t, "get_name", nil)
	out, err := endpoint.handle(toByteFrames(frames))
	require.NoError(t, err)

	reply := decodeReply(t, out)
	require.Equal(t, message.SUCCESS, reply.Verb)
	require.Equal(t, "Eudoxus.one", reply.Command)
}

func TestCSCPGetCommandsListsTransitions(t *testing.T) {
	sat := &fakeSatellite{name: "Eudoxus.one"}
	endpoint, _ := newTestEndpoint(t, sat)

	frames := request(t, "get_commands", nil)
	out, err := endpoint.handle(toByteFrames(frames))
	require.NoError(t, err)

	reply := decodeReply(t, out)
	require.Equal(t, message.SUCCESS, reply.Verb)
	require.NotEmpty(t, reply.Payload)

	var commands map[string]string
	require.NoError(t, msgpack.NewDecoder(bytes.NewReader(reply.Payload)).Decode(&commands))
	for name := range transitionCommands {
		require.Contains(t, commands, name)
	}
}

func TestCSCPUnknownCommand(t *testing.T) {
	sat := &fakeSatellite{name: "Eudoxus.one"}
	endpoint, _ := newTestEndpoint(t, sat)

	frames := request(t, "levitate", nil)
	out, err := endpoint.handle(toByteFrames(frames))
	require.NoError(t, err)

	reply := decodeReply(t, out)
	require.Equal(t, message.UNKNOWN, reply.Verb)
}

func TestCSCPNonRequestRejected(t *testing.T) {
	sat := &fakeSatellite{name: "Eudoxus.one"}
	endpoint, _ := newTestEndpoint(t, sat)

	msg := message.NewCSCPMessage("controller", message.SUCCESS, "get_name")
	frames, err := msg.Assemble()
	require.NoError(t, err)

	out, err := endpoint.handle(toByteFrames(frames))
	require.NoError(t, err)

	reply := decodeReply(t, out)
	require.Equal(t, message.ERROR, reply.Verb)
}

func TestCSCPInitializeTransitionsState(t *testing.T) {
	sat := &fakeSatellite{name: "Eudoxus.one"}
	endpoint, fsm := newTestEndpoint(t, sat)

	payload := mustEncodeMsgpackMap(t, map[string]any{"threshold": 5})
	frames := request(t, "initialize", payload)

	out, err := endpoint.handle(toByteFrames(frames))
	require.NoError(t, err)

	reply := decodeReply(t, out)
	require.Equal(t, message.SUCCESS, reply.Verb)
	waitForState(t, fsm, message.INIT)
}

func TestCSCPInitializeBadPayload(t *testing.T) {
	sat := &fakeSatellite{name: "Eudoxus.one"}
	endpoint, _ := newTestEndpoint(t, sat)

	frames := request(t, "initialize", nil)
	out, err := endpoint.handle(toByteFrames(frames))
	require.NoError(t, err)

	reply := decodeReply(t, out)
	require.Equal(t, message.INCOMPLETE, reply.Verb)
}

func TestCSCPLaunchFromNewIsInvalid(t *testing.T) {
	sat := &fakeSatellite{name: "Eudoxus.one"}
	endpoint, _ := newTestEndpoint(t, sat)

	frames := request(t, "launch", nil)
	out, err := endpoint.handle(toByteFrames(frames))
	require.NoError(t, err)

	reply := decodeReply(t, out)
	require.Equal(t, message.INVALID, reply.Verb)
}

func toByteFrames(frames []message.Frame) [][]byte {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = f
	}
	return out
}

func mustEncodeMsgpackMap(t *testing.T, v map[string]any) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, msgpack.NewEncoder(&buf).Encode(v))
	return buf.Bytes()
}
