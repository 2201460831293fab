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
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/constellation-daq/constellation/chirp"
	"github.com/constellation-daq/constellation/netsock"
)

// pollTimeout bounds every blocking poll so a shutdown signal is honored
// even in the absence of traffic.
const pollTimeout = time.Second

// Decoder turns raw frames received on a subscription into a typed value
// for the pool's callback. A decode failure is logged and the message is
// dropped; it never aborts the pool.
type Decoder func(frames [][]byte) (any, error)

// SubscriberPool is generic over one pub/sub protocol (CMDP or CHP):
// it tracks one subscriber socket per discovered peer, a default-topic
// installer invoked on connect, and a single worker polling every open
// socket.
type SubscriberPool struct {
	name    string
	decode  Decoder
	onEvent func(peer chirp.DiscoveredService, value any)

	log *log.Entry

	mu      sync.Mutex
	sockets map[chirp.MD5Hash]*netsock.SubSocket
	peers   map[chirp.MD5Hash]chirp.DiscoveredService

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSubscriberPool builds a pool that decodes inbound messages with decode
// and delivers them to onEvent.
func NewSubscriberPool(name string, decode Decoder, onEvent func(chirp.DiscoveredService, any)) *SubscriberPool {
	return &SubscriberPool{
		name:    name,
		decode:  decode,
		onEvent: onEvent,
		log:     log.WithField("component", name),
		sockets: make(map[chirp.MD5Hash]*netsock.SubSocket),
		peers:   make(map[chirp.MD5Hash]chirp.DiscoveredService),
	}
}

// Start launches the polling worker.
func (p *SubscriberPool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.pollLoop(ctx)
}

// Stop halts the worker and closes every open subscription.
func (p *SubscriberPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sock := range p.sockets {
		_ = sock.Close()
	}
	p.sockets = make(map[chirp.MD5Hash]*netsock.SubSocket)
	p.peers = make(map[chirp.MD5Hash]chirp.DiscoveredService)
}

// HostConnected opens a subscriber socket to peer and installs
// defaultTopics (e.g. "LOG/" and "STAT/", or "" for CHP's subscribe-all).
func (p *SubscriberPool) HostConnected(peer chirp.DiscoveredService, defaultTopics []string) error {
	sock, err := netsock.DialSub(fmt.Sprintf("%s:%d", peer.Address.String(), peer.Port))
	if err != nil {
		return fmt.Errorf("%s: connect to %s: %w", p.name, peer.Host, err)
	}
	for _, topic := range defaultTopics {
		sock.Subscribe(topic)
	}

	p.mu.Lock()
	p.sockets[peer.HostID] = sock
	p.peers[peer.HostID] = peer
	p.mu.Unlock()
	return nil
}

// HostDisconnected and HostDisposed both close and forget peer's socket;
// the distinction (temporary vs. permanent loss) is left to the caller's
// bookkeeping, the pool's own cleanup is identical either way.
func (p *SubscriberPool) HostDisconnected(peer chirp.DiscoveredService) {
	p.removeHost(peer)
}

func (p *SubscriberPool) HostDisposed(peer chirp.DiscoveredService) {
	p.removeHost(peer)
}

func (p *SubscriberPool) removeHost(peer chirp.DiscoveredService) {
	p.mu.Lock()
	sock, ok := p.sockets[peer.HostID]
	delete(p.sockets, peer.HostID)
	delete(p.peers, peer.HostID)
	p.mu.Unlock()
	if ok {
		_ = sock.Close()
	}
}

// Subscribe adds topic on host's socket, or on every open socket when host
// is nil. An unknown host is a silent no-op.
func (p *SubscriberPool) Subscribe(host *chirp.MD5Hash, topic string) {
	p.forSockets(host, func(s *netsock.SubSocket) { s.Subscribe(topic) })
}

// Unsubscribe removes topic the same way Subscribe adds it.
func (p *SubscriberPool) Unsubscribe(host *chirp.MD5Hash, topic string) {
	p.forSockets(host, func(s *netsock.SubSocket) { s.Unsubscribe(topic) })
}

func (p *SubscriberPool) forSockets(host *chirp.MD5Hash, fn func(*netsock.SubSocket)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if host == nil {
		for _, s := range p.sockets {
			fn(s)
		}
		return
	}
	if s, ok := p.sockets[*host]; ok {
		fn(s)
	}
}

func (p *SubscriberPool) pollLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.mu.Lock()
		snapshot := make(map[chirp.MD5Hash]*netsock.SubSocket, len(p.sockets))
		for k, v := range p.sockets {
			snapshot[k] = v
		}
		p.mu.Unlock()

		if len(snapshot) == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		var wg sync.WaitGroup
		for hostID, sock := range snapshot {
			wg.Add(1)
			go func(hostID chirp.MD5Hash, sock *netsock.SubSocket) {
				defer wg.Done()
				p.pollOnce(ctx, hostID, sock)
			}(hostID, sock)
		}
		wg.Wait()
	}
}

func (p *SubscriberPool) pollOnce(ctx context.Context, hostID chirp.MD5Hash, sock *netsock.SubSocket) {
	recvCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	frames, err := sock.Receive(recvCtx)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		return
	}

	value, err := p.decode(frames)
	if err != nil {
		p.log.Warnf("dropping undecodable message: %v", err)
		return
	}

	p.mu.Lock()
	peer := p.peers[hostID]
	p.mu.Unlock()

	p.onEvent(peer, value)
}
