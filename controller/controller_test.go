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

package controller

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/constellation-daq/constellation/chirp"
	"github.com/constellation-daq/constellation/message"
	"github.com/constellation-daq/constellation/netsock"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	discovery := chirp.NewManager(nil, "constellation", "ctl.one")
	return &Controller{
		discovery: discovery,
		name:      "ctl.one",
		sats:      make(map[string]chirp.DiscoveredService),
		conn:      make(map[string]*netsock.ReqSocket),
	}
}

func TestControllerSendRoundTrip(t *testing.T) {
	rep, port, err := netsock.BindRep(100 * time.Millisecond)
	require.NoError(t, err)
	defer rep.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rep.Serve(ctx, func(frames [][]byte) ([][]byte, error) {
		req, err := message.DisassembleCSCP(frames)
		require.NoError(t, err)
		require.Equal(t, "get_name", req.Command)
		reply := message.NewCSCPMessage("sat.one", message.SUCCESS, "sat.one")
		return reply.Assemble()
	})

	c := newTestController(t)
	c.onControlPeer(chirp.DiscoveredService{
		HostID:  chirp.HashName("sat.one"),
		Host:    "sat.one",
		Service: chirp.CONTROL,
		Address: net.ParseIP("127.0.0.1"),
		Port:    port,
	}, false)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()

	reply, err := c.Send(reqCtx, "sat.one", "get_name", nil)
	require.NoError(t, err)
	require.Equal(t, message.SUCCESS, reply.Verb)
	require.Equal(t, "sat.one", reply.Command)
}

func TestControllerSendUnknownSatellite(t *testing.T) {
	c := newTestController(t)
	_, err := c.Send(context.Background(), "nope.one", "get_name", nil)
	require.Error(t, err)
}

func TestControllerDepartDropsConnection(t *testing.T) {
	c := newTestController(t)
	peer := chirp.DiscoveredService{
		HostID:  chirp.HashName("sat.one"),
		Host:    "sat.one",
		Service: chirp.CONTROL,
		Address: net.ParseIP("127.0.0.1"),
		Port:    9999,
	}
	c.onControlPeer(peer, false)
	require.Contains(t, c.Satellites(), "sat.one")

	c.onControlPeer(peer, true)
	require.NotContains(t, c.Satellites(), "sat.one")
}
