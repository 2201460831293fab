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
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// reannounceInterval is the minimum cadence at which a Manager re-asserts
// its own offered services by OFFER broadcast.
const reannounceInterval = 10 * time.Second

// DiscoveredService identifies one peer-advertised endpoint: which host
// offers it, which service it is, where it listens, and when it was first
// observed. FirstSeen is preserved across an endpoint-change replace (the
// same host/service reappearing with a different address or port keeps the
// original discovery time, not the time of the change).
type DiscoveredService struct {
	HostID    MD5Hash
	Host      string
	Service   ServiceIdentifier
	Address   net.IP
	Port      uint16
	FirstSeen time.Time
}

func (d DiscoveredService) key() peerKey {
	return peerKey{host: d.HostID, service: d.Service}
}

type peerKey struct {
	host    MD5Hash
	service ServiceIdentifier
}

// DiscoverCallback is invoked for every observed change to the peer table:
// once synchronously at registration for every already-known peer, and
// again for every future discover or depart. departed is true when the
// service has gone away. Callbacks for a given (host, service) never
// overlap, and the manager's internal lock is never held while a callback
// runs.
type DiscoverCallback func(service DiscoveredService, departed bool)

type ownedService struct {
	service ServiceIdentifier
	port    uint16
}

// Manager owns a CHIRP socket plus the peer table built from observed
// beacons, and advertises the owner's own services on the same socket.
type Manager struct {
	socket *Socket
	group  string
	host   string
	hostID MD5Hash
	log    *log.Entry

	mu        sync.Mutex
	owned     map[ownedService]struct{}
	peers     map[peerKey]DiscoveredService
	callbacks map[ServiceIdentifier][]DiscoverCallback
	// serial serializes discover/depart callback execution per
	// (host, service) key so a discover can never overlap its own depart.
	serial map[peerKey]*sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager constructs a manager bound to socket for the given group and
// host name. Call Start to begin the receive loop and periodic
// re-announcement; call Close to depart all owned services and release the
// socket.
func NewManager(socket *Socket, group, host string) *Manager {
	return &Manager{
		socket:    socket,
		group:     group,
		host:      host,
		hostID:    HashName(host),
		log:       log.WithField("component", "CHIRP"),
		owned:     make(map[ownedService]struct{}),
		peers:     make(map[peerKey]DiscoveredService),
		callbacks: make(map[ServiceIdentifier][]DiscoverCallback),
		serial:    make(map[peerKey]*sync.Mutex),
	}
}

// RegisterService adds service/port to the set this manager advertises.
// Takes effect on the next OFFER broadcast; Start also triggers an
// immediate announcement of all currently registered services.
func (m *Manager) RegisterService(service ServiceIdentifier, port uint16) {
	m.mu.Lock()
	m.owned[ownedService{service, port}] = struct{}{}
	m.mu.Unlock()
	_ = m.socket.Send(NewMessage(OFFER, m.group, m.host, service, port))
}

// UnregisterService removes service/port from the advertised set and sends
// a DEPART for it immediately.
func (m *Manager) UnregisterService(service ServiceIdentifier, port uint16) {
	m.mu.Lock()
	delete(m.owned, ownedService{service, port})
	m.mu.Unlock()
	_ = m.socket.Send(NewMessage(DEPART, m.group, m.host, service, port))
}

// RegisterDiscoverCallback adds fn to the set invoked for observed changes
// to service. fn fires synchronously, once, for every peer already known to
// offer service, before this call returns.
func (m *Manager) RegisterDiscoverCallback(service ServiceIdentifier, fn DiscoverCallback) {
	m.mu.Lock()
	m.callbacks[service] = append(m.callbacks[service], fn)
	var known []DiscoveredService
	for _, peer := range m.peers {
		if peer.Service == service {
			known = append(known, peer)
		}
	}
	m.mu.Unlock()

	for _, peer := range known {
		fn(peer, false)
	}
}

// UnregisterDiscoverCallback removes every callback registered for service.
// Individual function-identity removal is not supported; callers that need
// fine-grained unsubscription should wrap fn in a struct with its own
// enable/disable flag.
func (m *Manager) UnregisterDiscoverCallback(service ServiceIdentifier) {
	m.mu.Lock()
	delete(m.callbacks, service)
	m.mu.Unlock()
}

// SendRequest emits a one-off REQUEST for service on the wire.
func (m *Manager) SendRequest(service ServiceIdentifier) error {
	return m.socket.Send(NewMessage(REQUEST, m.group, m.host, service, 0))
}

// ForgetDiscoveredServices purges the peer table, firing a departure
// callback for every removed entry. With hostIDs empty the whole table is
// cleared (used at shutdown); otherwise only entries matching a listed host
// are removed (used in tests).
func (m *Manager) ForgetDiscoveredServices(hostIDs ...MD5Hash) {
	want := make(map[MD5Hash]bool, len(hostIDs))
	for _, h := range hostIDs {
		want[h] = true
	}

	m.mu.Lock()
	var removed []DiscoveredService
	for key, peer := range m.peers {
		if len(hostIDs) > 0 && !want[peer.HostID] {
			continue
		}
		removed = append(removed, peer)
		delete(m.peers, key)
	}
	m.mu.Unlock()

	for _, peer := range removed {
		m.dispatch(peer, true)
	}
}

// PeerCount reports the number of entries currently in the peer table,
// backing the discovery-table-size metric.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Start launches the receive loop and the periodic re-announcement task,
// and emits a REQUEST for every interested service followed by an OFFER for
// every currently owned service.
func (m *Manager) Start(ctx context.Context, interested []ServiceIdentifier) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, service := range interested {
		_ = m.SendRequest(service)
	}
	m.announceOwned()

	m.wg.Add(2)
	go m.receiveLoop(ctx)
	go m.reannounceLoop(ctx)
}

// Close stops the background tasks, departs every owned service, and closes
// the socket.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	owned := make([]ownedService, 0, len(m.owned))
	for o := range m.owned {
		owned = append(owned, o)
	}
	m.mu.Unlock()

	for _, o := range owned {
		_ = m.socket.Send(NewMessage(DEPART, m.group, m.host, o.service, o.port))
	}

	return m.socket.Close()
}

func (m *Manager) announceOwned() {
	m.mu.Lock()
	owned := make([]ownedService, 0, len(m.owned))
	for o := range m.owned {
		owned = append(owned, o)
	}
	m.mu.Unlock()

	for _, o := range owned {
		_ = m.socket.Send(NewMessage(OFFER, m.group, m.host, o.service, o.port))
	}
}

func (m *Manager) reannounceLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(reannounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.announceOwned()
		}
	}
}

func (m *Manager) receiveLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		recvCtx, cancel := context.WithTimeout(ctx, time.Second)
		msg, addr, err := m.socket.Receive(recvCtx)
		cancel()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}

		m.handleMessage(msg, addr)
	}
}

func (m *Manager) handleMessage(msg Message, addr *net.UDPAddr) {
	if msg.HostID == m.hostID {
		// Our own broadcast looped back; ignore.
		return
	}
	if msg.GroupID != HashName(m.group) {
		return
	}

	switch msg.Type {
	case REQUEST:
		m.mu.Lock()
		owned := make([]ownedService, 0, len(m.owned))
		for o := range m.owned {
			if o.service == msg.Service {
				owned = append(owned, o)
			}
		}
		m.mu.Unlock()
		for _, o := range owned {
			_ = m.socket.Send(NewMessage(OFFER, m.group, m.host, o.service, o.port))
		}
	case OFFER:
		m.handleOffer(msg, addr)
	case DEPART:
		m.handleDepart(msg)
	}
}

func (m *Manager) handleOffer(msg Message, addr *net.UDPAddr) {
	key := peerKey{host: msg.HostID, service: msg.Service}
	incoming := DiscoveredService{
		HostID:    msg.HostID,
		Host:      addr.IP.String(),
		Service:   msg.Service,
		Address:   addr.IP,
		Port:      msg.Port,
		FirstSeen: time.Now(),
	}

	m.mu.Lock()
	existing, known := m.peers[key]
	if known && existing.Port == incoming.Port && existing.Address.Equal(incoming.Address) {
		m.mu.Unlock()
		return
	}
	if known {
		incoming.FirstSeen = existing.FirstSeen
	}
	m.peers[key] = incoming
	m.mu.Unlock()

	if known {
		m.dispatch(existing, true)
	}
	m.dispatch(incoming, false)
}

func (m *Manager) handleDepart(msg Message) {
	key := peerKey{host: msg.HostID, service: msg.Service}

	m.mu.Lock()
	existing, known := m.peers[key]
	if known {
		delete(m.peers, key)
	}
	m.mu.Unlock()

	if known {
		m.dispatch(existing, true)
	}
}

// dispatch serializes delivery for service's (host, service) key and runs
// every registered callback with the manager's lock released.
func (m *Manager) dispatch(service DiscoveredService, departed bool) {
	key := service.key()

	m.mu.Lock()
	lock, ok := m.serial[key]
	if !ok {
		lock = &sync.Mutex{}
		m.serial[key] = lock
	}
	fns := append([]DiscoverCallback(nil), m.callbacks[service.Service]...)
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	for _, fn := range fns {
		fn(service, departed)
	}
}
