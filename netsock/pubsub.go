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

package netsock

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// PubSocket is a publisher endpoint: every message handed to Publish is
// fanned out to every currently connected subscriber. Filtering by topic is
// the subscriber's responsibility, matching the original's subscribe-side
// prefix matching.
type PubSocket struct {
	listener net.Listener

	mu   sync.Mutex
	subs map[net.Conn]chan [][]byte

	wg sync.WaitGroup
}

// BindPub opens a publisher socket on an ephemeral local port ("127.0.0.1:0")
// and returns it alongside the port it bound to.
func BindPub() (*PubSocket, uint16, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, err
	}
	p := &PubSocket{listener: ln, subs: make(map[net.Conn]chan [][]byte)}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, uint16(ln.Addr().(*net.TCPAddr).Port), nil
}

func (p *PubSocket) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		ch := make(chan [][]byte, 64)
		p.mu.Lock()
		p.subs[conn] = ch
		p.mu.Unlock()

		p.wg.Add(1)
		go p.writerLoop(conn, ch)
	}
}

func (p *PubSocket) writerLoop(conn net.Conn, ch chan [][]byte) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.subs, conn)
		p.mu.Unlock()
		_ = conn.Close()
	}()
	for frames := range ch {
		if err := writeFrames(conn, frames); err != nil {
			log.WithField("component", "netsock").Debugf("publish write failed: %v", err)
			return
		}
	}
}

// Publish fans frames out to every connected subscriber. For a subscriber
// whose queue is full the message is dropped rather than allowed to stall
// the publisher; the subscriber itself stays connected.
func (p *PubSocket) Publish(frames [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn, ch := range p.subs {
		select {
		case ch <- frames:
		default:
			log.WithField("component", "netsock").Warnf("dropping message for slow subscriber %s", conn.RemoteAddr())
		}
	}
}

// Close stops accepting new subscribers and disconnects existing ones.
func (p *PubSocket) Close() error {
	err := p.listener.Close()
	p.mu.Lock()
	for conn, ch := range p.subs {
		close(ch)
		_ = conn
	}
	p.subs = make(map[net.Conn]chan [][]byte)
	p.mu.Unlock()
	p.wg.Wait()
	return err
}

// SubSocket is a subscriber endpoint connected to exactly one publisher.
type SubSocket struct {
	conn net.Conn

	mu       sync.Mutex
	prefixes map[string]struct{}
}

// DialSub connects to a publisher at addr (host:port).
func DialSub(addr string) (*SubSocket, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &SubSocket{conn: conn, prefixes: make(map[string]struct{})}, nil
}

// Subscribe adds topic to the set of prefixes this socket accepts. An empty
// topic subscribes to every message.
func (s *SubSocket) Subscribe(topic string) {
	s.mu.Lock()
	s.prefixes[topic] = struct{}{}
	s.mu.Unlock()
}

// Unsubscribe removes topic from the accepted set.
func (s *SubSocket) Unsubscribe(topic string) {
	s.mu.Lock()
	delete(s.prefixes, topic)
	s.mu.Unlock()
}

func (s *SubSocket) matches(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for prefix := range s.prefixes {
		if prefix == "" || len(topic) >= len(prefix) && topic[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Receive blocks for the next message matching a subscribed prefix, honoring
// ctx cancellation. Non-matching messages are discarded.
func (s *SubSocket) Receive(ctx context.Context) ([][]byte, error) {
	type result struct {
		frames [][]byte
		err    error
	}
	results := make(chan result, 1)

	// Clear any past deadline a previous canceled Receive forced onto conn.
	_ = s.conn.SetDeadline(time.Time{})

	go func() {
		for {
			frames, err := readFrames(s.conn)
			if err != nil {
				results <- result{nil, err}
				return
			}
			if len(frames) == 0 {
				continue
			}
			if s.matches(string(frames[0])) {
				results <- result{frames, nil}
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		_ = s.conn.SetDeadline(deadlinePast())
		<-results
		return nil, ctx.Err()
	case r := <-results:
		return r.frames, r.err
	}
}

// Close disconnects from the publisher.
func (s *SubSocket) Close() error {
	return s.conn.Close()
}
