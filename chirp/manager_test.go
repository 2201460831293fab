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
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(nil, "constellation", "controller.one")
}

func addr(ip string) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip)}
}

func TestManagerDiscoverThenDepart(t *testing.T) {
	m := newTestManager()

	var mu sync.Mutex
	var events []bool
	m.RegisterDiscoverCallback(HEARTBEAT, func(service DiscoveredService, departed bool) {
		mu.Lock()
		events = append(events, departed)
		mu.Unlock()
	})

	offer := NewMessage(OFFER, "constellation", "satellite.one", HEARTBEAT, 6000)
	m.handleOffer(offer, addr("10.0.0.1"))

	depart := NewMessage(DEPART, "constellation", "satellite.one", HEARTBEAT, 6000)
	m.handleDepart(depart)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{false, true}, events)
}

func TestManagerDuplicateOfferIsIdempotent(t *testing.T) {
	m := newTestManager()

	var calls int
	m.RegisterDiscoverCallback(CONTROL, func(service DiscoveredService, departed bool) {
		calls++
	})

	offer := NewMessage(OFFER, "constellation", "satellite.one", CONTROL, 7000)
	m.handleOffer(offer, addr("10.0.0.2"))
	m.handleOffer(offer, addr("10.0.0.2"))

	require.Equal(t, 1, calls)
}

func TestManagerEndpointChangeDepartsThenDiscovers(t *testing.T) {
	m := newTestManager()

	var events []struct {
		port     uint16
		departed bool
	}
	m.RegisterDiscoverCallback(DATA, func(service DiscoveredService, departed bool) {
		events = append(events, struct {
			port     uint16
			departed bool
		}{service.Port, departed})
	})

	first := NewMessage(OFFER, "constellation", "satellite.one", DATA, 8000)
	m.handleOffer(first, addr("10.0.0.3"))

	second := NewMessage(OFFER, "constellation", "satellite.one", DATA, 8001)
	m.handleOffer(second, addr("10.0.0.3"))

	require.Len(t, events, 3)
	require.Equal(t, uint16(8000), events[0].port)
	require.False(t, events[0].departed)
	require.Equal(t, uint16(8000), events[1].port)
	require.True(t, events[1].departed)
	require.Equal(t, uint16(8001), events[2].port)
	require.False(t, events[2].departed)
}

func TestManagerRegisterCallbackFiresForKnownPeers(t *testing.T) {
	m := newTestManager()

	offer := NewMessage(OFFER, "constellation", "satellite.one", MONITORING, 9000)
	m.handleOffer(offer, addr("10.0.0.4"))

	var seen bool
	m.RegisterDiscoverCallback(MONITORING, func(service DiscoveredService, departed bool) {
		seen = true
		require.False(t, departed)
	})
	require.True(t, seen)
}

func TestManagerIgnoresOwnLoopback(t *testing.T) {
	m := newTestManager()

	var calls int
	m.RegisterDiscoverCallback(HEARTBEAT, func(service DiscoveredService, departed bool) {
		calls++
	})

	self := NewMessage(OFFER, "constellation", "controller.one", HEARTBEAT, 5000)
	m.handleMessage(self, addr("127.0.0.1"))

	require.Equal(t, 0, calls)
}
