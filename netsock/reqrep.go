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
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Handler answers one request with a reply, or an error to drop the
// connection (the substrate does not model REP-side error replies; CSCP
// itself carries its own ERROR verb for that).
type Handler func(frames [][]byte) ([][]byte, error)

// RepSocket is a reply endpoint: it accepts connections and, per
// connection, loops receive → handler → reply. recvTimeout bounds each
// blocking receive so Serve's context is polled promptly even when idle.
type RepSocket struct {
	listener    net.Listener
	recvTimeout time.Duration

	wg sync.WaitGroup
}

// BindRep opens a reply socket on an ephemeral local port.
func BindRep(recvTimeout time.Duration) (*RepSocket, uint16, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, err
	}
	return &RepSocket{listener: ln, recvTimeout: recvTimeout}, uint16(ln.Addr().(*net.TCPAddr).Port), nil
}

// Serve accepts connections until ctx is canceled, dispatching every
// request on every connection to handler.
func (r *RepSocket) Serve(ctx context.Context, handler Handler) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		go func() {
			<-ctx.Done()
			_ = r.listener.Close()
		}()
		for {
			conn, err := r.listener.Accept()
			if err != nil {
				return
			}
			r.wg.Add(1)
			go r.serveConn(ctx, conn, handler)
		}
	}()
}

func (r *RepSocket) serveConn(ctx context.Context, conn net.Conn, handler Handler) {
	defer r.wg.Done()
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(r.recvTimeout))
		frames, err := readFrames(conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		reply, err := handler(frames)
		if err != nil {
			log.WithField("component", "netsock").Debugf("rep handler error: %v", err)
			return
		}
		if err := writeFrames(conn, reply); err != nil {
			return
		}
	}
}

// Close stops accepting new connections and waits for in-flight ones to
// finish.
func (r *RepSocket) Close() error {
	err := r.listener.Close()
	r.wg.Wait()
	return err
}

// ReqSocket is a request endpoint connected to exactly one reply socket, one
// outstanding request at a time.
type ReqSocket struct {
	mu   sync.Mutex
	conn net.Conn
}

// DialReq connects to a reply socket at addr (host:port).
func DialReq(addr string) (*ReqSocket, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &ReqSocket{conn: conn}, nil
}

// Request sends frames and blocks for the matching reply, bounded by ctx.
func (r *ReqSocket) Request(ctx context.Context, frames [][]byte) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = r.conn.SetDeadline(deadline)
	} else {
		_ = r.conn.SetDeadline(time.Time{})
	}

	if err := writeFrames(r.conn, frames); err != nil {
		return nil, fmt.Errorf("netsock: request write: %w", err)
	}
	reply, err := readFrames(r.conn)
	if err != nil {
		return nil, fmt.Errorf("netsock: request read: %w", err)
	}
	return reply, nil
}

// Close disconnects from the reply socket.
func (r *ReqSocket) Close() error {
	return r.conn.Close()
}
