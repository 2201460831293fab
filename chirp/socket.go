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
	"context"
	"fmt"
	"net"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// Socket is a CHIRP multicast endpoint: a single UDP socket joined to the
// CHIRP group on every requested interface, used to both send and receive
// 42-byte beacons.
type Socket struct {
	conn      *net.UDPConn
	pconn     *ipv4.PacketConn
	groupAddr *net.UDPAddr
}

// OpenSocket binds a CHIRP socket and joins the multicast group on the
// named interfaces. An empty ifaceNames list joins on every multicast-
// capable interface, mirroring the original MulticastSocket's default.
func OpenSocket(ifaceNames []string) (*Socket, error) {
	groupAddr := &net.UDPAddr{IP: net.ParseIP(MulticastAddress), Port: Port}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: Port})
	if err != nil {
		return nil, fmt.Errorf("chirp: listen udp4 :%d: %w", Port, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetMulticastTTL(TTL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("chirp: set multicast ttl: %w", err)
	}
	if err := pconn.SetMulticastLoopback(true); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("chirp: set multicast loopback: %w", err)
	}

	ifaces, err := resolveInterfaces(ifaceNames)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	joined := 0
	for _, iface := range ifaces {
		if err := pconn.JoinGroup(&iface, groupAddr); err != nil {
			continue
		}
		joined++
	}
	if joined == 0 {
		_ = conn.Close()
		return nil, fmt.Errorf("chirp: failed to join multicast group on any interface")
	}

	return &Socket{conn: conn, pconn: pconn, groupAddr: groupAddr}, nil
}

func resolveInterfaces(names []string) ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("chirp: list interfaces: %w", err)
	}
	if len(names) == 0 {
		var multicastCapable []net.Interface
		for _, iface := range all {
			if iface.Flags&net.FlagMulticast != 0 && iface.Flags&net.FlagUp != 0 {
				multicastCapable = append(multicastCapable, iface)
			}
		}
		return multicastCapable, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var selected []net.Interface
	for _, iface := range all {
		if want[iface.Name] {
			selected = append(selected, iface)
		}
	}
	return selected, nil
}

// Send broadcasts a datagram to the CHIRP multicast group. Send never
// blocks on a reader being present, matching UDP's fire-and-forget
// semantics.
func (s *Socket) Send(msg Message) error {
	wire := msg.Assemble()
	_, err := s.conn.WriteToUDP(wire[:], s.groupAddr)
	if err != nil {
		return fmt.Errorf("chirp: send: %w", err)
	}
	return nil
}

// Receive blocks for a single datagram up to ctx's deadline, decodes it,
// and returns the sender's address alongside the message. A malformed
// datagram (wrong length, bad header, invalid enum byte) is reported as an
// error without closing the socket, so callers should loop past decode
// errors rather than abort their receive loop.
func (s *Socket) Receive(ctx context.Context) (Message, *net.UDPAddr, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return Message{}, nil, fmt.Errorf("chirp: set read deadline: %w", err)
		}
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, MessageLength+1)
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return Message{}, nil, err
	}

	msg, err := Disassemble(buf[:n])
	if err != nil {
		log.WithField("addr", addr).Debugf("chirp: rejected datagram: %v\n%s", err, spew.Sdump(buf[:n]))
		return Message{}, addr, err
	}
	return msg, addr, nil
}

// Close releases the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}
