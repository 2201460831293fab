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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader(CSCP1, "sat.one")
	h.SetTag("lineno", int64(42))
	h.SetTag("ok", true)
	h.SetTag("name", "reconfigure")

	data, err := h.encode()
	require.NoError(t, err)

	got, err := decodeHeader(CSCP1, data)
	require.NoError(t, err)
	require.Equal(t, h.Sender, got.Sender)
	require.WithinDuration(t, h.Time, got.Time, time.Millisecond)
	require.Equal(t, int64(42), got.Tags["lineno"])
	require.Equal(t, true, got.Tags["ok"])
	require.Equal(t, "reconfigure", got.Tags["name"])
}

func TestDecodeHeaderWrongProtocol(t *testing.T) {
	h := NewHeader(CMDP1, "sat.one")
	data, err := h.encode()
	require.NoError(t, err)

	_, err = decodeHeader(CSCP1, data)
	require.Error(t, err)
	var target *UnexpectedProtocolError
	require.ErrorAs(t, err, &target)
}

func TestFromIdentifierUnknown(t *testing.T) {
	_, err := FromIdentifier("XXXX\x01")
	require.Error(t, err)
	var target *InvalidProtocolError
	require.ErrorAs(t, err, &target)
}

func TestReadable(t *testing.T) {
	require.Equal(t, "CSCP1", Readable("CSCP\x01"))
	require.Equal(t, "CHP1", Readable("CHP\x01"))
}

func TestCSCPRoundTripNoPayload(t *testing.T) {
	msg := NewCSCPMessage("sat.one", REQUEST, "get_state")
	frames, err := msg.Assemble()
	require.NoError(t, err)
	require.Len(t, frames, 2)

	got, err := DisassembleCSCP(frames)
	require.NoError(t, err)
	require.Equal(t, REQUEST, got.Verb)
	require.Equal(t, "get_state", got.Command)
	require.False(t, got.HasPayload())
}

func TestCSCPRoundTripWithPayload(t *testing.T) {
	msg := NewCSCPMessage("sat.one", SUCCESS, "get_state")
	msg.Payload = []byte("RUN")
	frames, err := msg.Assemble()
	require.NoError(t, err)
	require.Len(t, frames, 3)

	got, err := DisassembleCSCP(frames)
	require.NoError(t, err)
	require.Equal(t, SUCCESS, got.Verb)
	require.Equal(t, []byte("RUN"), got.Payload)
}

func TestDisassembleCSCPBadFrameCount(t *testing.T) {
	_, err := DisassembleCSCP([]Frame{[]byte("only one")})
	require.Error(t, err)
	var target *IncorrectFrameCountError
	require.ErrorAs(t, err, &target)
}

func TestCHPRoundTrip(t *testing.T) {
	msg := NewCHPMessage("sat.one", RUN, 3*time.Second)
	frames, err := msg.Assemble()
	require.NoError(t, err)
	require.Len(t, frames, 2)

	got, err := DisassembleCHP(frames)
	require.NoError(t, err)
	require.Equal(t, RUN, got.State)
	require.Equal(t, 3*time.Second, got.Interval)
}

func TestCMDPLogTopic(t *testing.T) {
	msg := NewLogMessage("sat.one", WARNING, "fsm", []byte("transition timed out"))
	require.Equal(t, "LOG/WARNING/FSM", msg.Topic)

	frames, err := msg.Assemble()
	require.NoError(t, err)
	got, err := DisassembleCMDP(frames)
	require.NoError(t, err)
	require.Equal(t, msg.Topic, got.Topic)
	require.Equal(t, []byte("transition timed out"), got.Payload)

	kind, ok := got.Kind()
	require.True(t, ok)
	require.Equal(t, CMDPLog, kind)
}

func TestCMDPStatTopic(t *testing.T) {
	msg := NewStatMessage("sat.one", "cpu", []byte{0x01})
	require.Equal(t, "STAT/CPU", msg.Topic)
	kind, ok := msg.Kind()
	require.True(t, ok)
	require.Equal(t, CMDPStat, kind)
}

func TestCDTPRoundTrip(t *testing.T) {
	msg := NewCDTPMessage("sat.one", 7, CDTPData, []byte("row one"), []byte("row two"))
	frames, err := msg.Assemble()
	require.NoError(t, err)
	require.Len(t, frames, 3)

	got, err := DisassembleCDTP(frames)
	require.NoError(t, err)
	require.Equal(t, uint64(7), got.Sequence)
	require.Equal(t, CDTPData, got.Type)
	require.Equal(t, [][]byte{[]byte("row one"), []byte("row two")}, got.Payloads)
}

func TestCDTPRequiresPayload(t *testing.T) {
	msg := CDTPMessage{Header: NewHeader(CDTP1, "sat.one"), Type: CDTPBOR}
	_, err := msg.Assemble()
	require.Error(t, err)
}

func TestStateSteadiness(t *testing.T) {
	steady := []State{NEW, INIT, ORBIT, RUN, SAFE, ERROR, UNKNOWN, UNRESPONSIVE}
	for _, s := range steady {
		require.Truef(t, s.IsSteady(), "%s should be steady", s)
	}
	transitional := []State{initializing, launching, landing, reconfiguring, starting, stopping, interrupting}
	for _, s := range transitional {
		require.Falsef(t, s.IsSteady(), "%s should not be steady", s)
	}
}

func TestStateShutdownAllowed(t *testing.T) {
	allowed := []State{NEW, INIT, SAFE, ERROR}
	for _, s := range allowed {
		require.Truef(t, s.IsShutdownAllowed(), "%s should allow shutdown", s)
	}
	disallowed := []State{ORBIT, RUN, UNKNOWN, UNRESPONSIVE}
	for _, s := range disallowed {
		require.Falsef(t, s.IsShutdownAllowed(), "%s should not allow shutdown", s)
	}
}

func TestCheckVersionByte(t *testing.T) {
	require.NoError(t, CheckVersionByte(SupportedVersion))
	require.Error(t, CheckVersionByte(0x02))
}
