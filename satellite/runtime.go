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
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/constellation-daq/constellation/chirp"
	"github.com/constellation-daq/constellation/metrics"
)

// statReportInterval is the cadence of the built-in STAT/CPU publication.
const statReportInterval = 30 * time.Second

// Runtime wires every satellite-side component (C4-C7) together: the FSM,
// the heartbeat sender/receiver/manager, the CSCP control endpoint, and the
// CMDP monitoring publisher, all bound to one CHIRP discovery manager.
type Runtime struct {
	Name string
	FSM  *FSM

	discovery *chirp.Manager
	heartbeat *HeartbeatManager
	sender    *HeartbeatSender
	control   *ControlEndpoint
	monitor   *CMDPPublisher
	stats     *StatReporter

	log *log.Entry
}

// NewRuntime builds every component around sat, ready for Start. discovery
// is an already-constructed CHIRP manager (owning its own socket and group
// identity) so a single discovery manager can be shared if desired. reg may
// be nil, in which case no metrics are reported.
func NewRuntime(discovery *chirp.Manager, sat Capability, maxHeartbeatInterval time.Duration, reg *metrics.Registry) (*Runtime, error) {
	fsm := NewFSM(sat)

	r := &Runtime{
		Name:      sat.Name(),
		FSM:       fsm,
		discovery: discovery,
		log:       log.WithField("component", "satellite").WithField("name", sat.Name()),
	}

	r.heartbeat = NewHeartbeatManager(r.onInterrupt, reg)

	sender, err := NewHeartbeatSender(discovery, fsm, maxHeartbeatInterval)
	if err != nil {
		return nil, err
	}
	r.sender = sender

	control, err := NewControlEndpoint(discovery, fsm, sat, reg)
	if err != nil {
		return nil, err
	}
	r.control = control

	monitor, err := NewCMDPPublisher(discovery, sat.Name())
	if err != nil {
		return nil, err
	}
	r.monitor = monitor
	r.stats = NewStatReporter(monitor, r.heartbeat, discovery, reg)
	r.heartbeat.onObserved = r.stats.ObserveHeartbeatJitter

	discovery.RegisterDiscoverCallback(chirp.HEARTBEAT, r.onHeartbeatPeer)

	return r, nil
}

// Start launches every background task: discovery, heartbeat send/receive,
// the control endpoint, and periodic STAT publication.
func (r *Runtime) Start(ctx context.Context, interestedIn []chirp.ServiceIdentifier) {
	r.discovery.Start(ctx, interestedIn)
	r.heartbeat.Start(ctx)
	r.sender.Start(ctx, r.Name)
	r.control.Serve(ctx)
	r.stats.Start(ctx, statReportInterval)
}

// Stop tears down every component in reverse order. Any transition still in
// flight is canceled first so its worker observes shutdown promptly instead
// of being abandoned mid-action.
func (r *Runtime) Stop() {
	r.FSM.CancelTransition()
	r.stats.Stop()
	_ = r.control.Stop()
	r.sender.Stop()
	r.heartbeat.Stop()
	_ = r.monitor.Close()
	_ = r.discovery.Close()
}

// onHeartbeatPeer connects or disconnects the heartbeat receiver pool as
// HEARTBEAT services are discovered or depart.
func (r *Runtime) onHeartbeatPeer(peer chirp.DiscoveredService, departed bool) {
	if departed {
		r.heartbeat.Receiver().HostDisconnected(peer)
		return
	}
	if err := r.heartbeat.Receiver().HostConnected(peer, []string{""}); err != nil {
		r.log.Warnf("failed to connect heartbeat peer %s: %v", peer.Host, err)
	}
}

// onInterrupt is the heartbeat manager's failure callback: it logs the
// reason and drives this satellite's own FSM into SAFE (when it is in ORBIT
// or RUN).
func (r *Runtime) onInterrupt(peer string, reason string) {
	r.log.Warnf("heartbeat interrupt from %s: %s", peer, reason)
	r.FSM.Interrupt(reason)
}
