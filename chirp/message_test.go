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

package chirp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	group := HashName("constellation")
	host := HashName("satellite.one")
	msg := NewMessage(OFFER, "constellation", "satellite.one", HEARTBEAT, 50000)

	data := msg.Assemble()
	require.Len(t, data, MessageLength)

	decoded, err := Disassemble(data[:])
	require.NoError(t, err)
	require.Equal(t, OFFER, decoded.Type)
	require.Equal(t, group, decoded.GroupID)
	require.Equal(t, host, decoded.HostID)
	require.Equal(t, HEARTBEAT, decoded.Service)
	require.Equal(t, uint16(50000), decoded.Port)
}

func TestDisassembleRejectsShortMessage(t *testing.T) {
	_, err := Disassemble(make([]byte, MessageLength-1))
	require.Error(t, err)
}

func TestDisassembleRejectsBadIdentifier(t *testing.T) {
	msg := NewMessage(REQUEST, "constellation", "satellite.one", CONTROL, 0)
	data := msg.Assemble()
	corrupt := data
	corrupt[0] = 'X'
	_, err := Disassemble(corrupt[:])
	require.Error(t, err)
}

func TestDisassembleRejectsInvalidType(t *testing.T) {
	msg := NewMessage(REQUEST, "constellation", "satellite.one", CONTROL, 0)
	data := msg.Assemble()
	corrupt := data
	corrupt[6] = 0xFF
	_, err := Disassemble(corrupt[:])
	require.Error(t, err)
}

func TestHashNameDeterministic(t *testing.T) {
	require.Equal(t, HashName("foo"), HashName("foo"))
	require.NotEqual(t, HashName("foo"), HashName("bar"))
}
