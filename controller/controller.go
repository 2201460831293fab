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

// Package controller implements the peer-side command issuer (C8): it
// discovers CONTROL services via CHIRP, keeps one req socket per known
// satellite, and lets a caller send a CSCP request and await a reply with
// its own timeout. Each socket is independent; there is no batching or
// transactional semantics across satellites.
package controller

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/constellation-daq/constellation/chirp"
	"github.com/constellation-daq/constellation/message"
	"github.com/constellation-daq/constellation/netsock"
)

// Controller tracks every discovered CONTROL endpoint and dials a req
// socket to each, lazily, on first use.
type Controller struct {
	discovery *chirp.Manager
	name      string
	log       *log.Entry

	mu   sync.Mutex
	sats map[string]chirp.DiscoveredService
	conn map[string]*netsock.ReqSocket
}

// New builds a controller bound to discovery and registers its CONTROL
// discover callback. discovery must already be constructed (owning its own
// socket and group identity); call Start to begin the receive loop.
func New(discovery *chirp.Manager, name string) *Controller {
	c := &Controller{
		discovery: discovery,
		name:      name,
		log:       log.WithField("component", "controller"),
		sats:      make(map[string]chirp.DiscoveredService),
		conn:      make(map[string]*netsock.ReqSocket),
	}
	discovery.RegisterDiscoverCallback(chirp.CONTROL, c.onControlPeer)
	return c
}

// Start begins CHIRP discovery, requesting CONTROL immediately.
func (c *Controller) Start(ctx context.Context) {
	c.discovery.Start(ctx, []chirp.ServiceIdentifier{chirp.CONTROL})
}

// Close disconnects every req socket and the discovery manager.
func (c *Controller) Close() error {
	c.mu.Lock()
	conns := make([]*netsock.ReqSocket, 0, len(c.conn))
	for _, conn := range c.conn {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return c.discovery.Close()
}

// Satellites lists the Host key of every currently known CONTROL endpoint,
// sorted for stable display. For peers found through CHIRP discovery this
// is the peer's IP address, since a beacon carries only a hash of the
// canonical name.
func (c *Controller) Satellites() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.sats))
	for host := range c.sats {
		names = append(names, host)
	}
	sort.Strings(names)
	return names
}

func (c *Controller) onControlPeer(peer chirp.DiscoveredService, departed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if departed {
		delete(c.sats, peer.Host)
		if conn, ok := c.conn[peer.Host]; ok {
			_ = conn.Close()
			delete(c.conn, peer.Host)
		}
		return
	}

	c.sats[peer.Host] = peer
	if conn, ok := c.conn[peer.Host]; ok {
		_ = conn.Close()
		delete(c.conn, peer.Host)
	}
}

func (c *Controller) dial(host string) (*netsock.ReqSocket, error) {
	c.mu.Lock()
	if conn, ok := c.conn[host]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	peer, known := c.sats[host]
	c.mu.Unlock()

	if !known {
		return nil, fmt.Errorf("controller: satellite %q is not known", host)
	}

	addr := net.JoinHostPort(peer.Address.String(), strconv.Itoa(int(peer.Port)))
	conn, err := netsock.DialReq(addr)
	if err != nil {
		return nil, fmt.Errorf("controller: dial %s: %w", host, err)
	}

	c.mu.Lock()
	c.conn[host] = conn
	c.mu.Unlock()

	return conn, nil
}

// Send issues a CSCP REQUEST for command (with an optional payload) against
// host, blocking until a reply arrives or ctx is done. A stale connection
// that fails is dropped so the next Send redials.
func (c *Controller) Send(ctx context.Context, host, command string, payload []byte) (message.CSCPMessage, error) {
	conn, err := c.dial(host)
	if err != nil {
		return message.CSCPMessage{}, err
	}

	req := message.NewCSCPMessage(c.name, message.REQUEST, command)
	req.Payload = payload
	frames, err := req.Assemble()
	if err != nil {
		return message.CSCPMessage{}, fmt.Errorf("controller: assemble request: %w", err)
	}

	reply, err := conn.Request(ctx, frames)
	if err != nil {
		c.mu.Lock()
		delete(c.conn, host)
		c.mu.Unlock()
		_ = conn.Close()
		return message.CSCPMessage{}, fmt.Errorf("controller: request to %s: %w", host, err)
	}

	msg, err := message.DisassembleCSCP(reply)
	if err != nil {
		return message.CSCPMessage{}, fmt.Errorf("controller: decode reply from %s: %w", host, err)
	}
	return msg, nil
}
