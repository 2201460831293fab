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
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/constellation-daq/constellation/chirp"
	"github.com/constellation-daq/constellation/message"
	"github.com/constellation-daq/constellation/metrics"
	"github.com/constellation-daq/constellation/netsock"
)

// defaultMaxInterval is the default ceiling on the heartbeat publish
// interval (spec §4.5: "default max 5 s").
const defaultMaxInterval = 5 * time.Second

// initialLives is the life count a newly observed remote starts with, and
// the value a remote is replenished to whenever it reports a non-ERROR,
// non-SAFE state.
const initialLives = 3

// skewWarnThreshold is how far a heartbeat's timestamp may diverge from the
// receiver's clock before it is logged as a skew warning.
const skewWarnThreshold = 3 * time.Second

// watchdogSlack bounds the watchdog's recomputed wakeup delay so it never
// waits much longer than the nearest expected heartbeat.
const watchdogSlack = 3 * time.Second

// HeartbeatSender advertises a HEARTBEAT service and periodically publishes
// this satellite's FSM state.
type HeartbeatSender struct {
	pub          *netsock.PubSocket
	fsm          *FSM
	maxInterval  time.Duration
	extrasystole chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatSender binds a pub socket, registers it as HEARTBEAT on
// manager, and returns the sender ready for Start.
func NewHeartbeatSender(manager *chirp.Manager, fsm *FSM, maxInterval time.Duration) (*HeartbeatSender, error) {
	if maxInterval <= 0 {
		maxInterval = defaultMaxInterval
	}
	pub, port, err := netsock.BindPub()
	if err != nil {
		return nil, err
	}
	manager.RegisterService(chirp.HEARTBEAT, port)

	return &HeartbeatSender{
		pub:          pub,
		fsm:          fsm,
		maxInterval:  maxInterval,
		extrasystole: make(chan struct{}, 1),
	}, nil
}

// SendExtrasystole wakes the publish loop immediately for an out-of-band
// heartbeat, without disturbing the regular schedule.
func (s *HeartbeatSender) SendExtrasystole() {
	select {
	case s.extrasystole <- struct{}{}:
	default:
	}
}

// Start launches the publish loop at maxInterval/2.
func (s *HeartbeatSender) Start(ctx context.Context, sender string) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		interval := s.maxInterval / 2
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			s.publish(sender)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-s.extrasystole:
			}
		}
	}()
}

func (s *HeartbeatSender) publish(sender string) {
	msg := message.NewCHPMessage(sender, s.fsm.State(), s.maxInterval)
	frames, err := msg.Assemble()
	if err != nil {
		return
	}
	s.pub.Publish(frames)
}

// Stop halts the publish loop and closes the socket.
func (s *HeartbeatSender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	_ = s.pub.Close()
}

// Remote is one tracked heartbeat peer. LastCheckedAt resets to now
// whenever the system clock is observed to have jumped backwards
// (Open Question (b)), so a clock step cannot silently accumulate missed
// heartbeats.
type Remote struct {
	Interval        time.Duration
	LastHeartbeatAt time.Time
	LastCheckedAt   time.Time
	LastState       message.State
	Lives           int
}

func (r *Remote) nextExpected() time.Time {
	return r.LastHeartbeatAt.Add(r.Interval)
}

// HeartbeatManager fuses a receiver pool with a remote liveness table and a
// watchdog, firing an interrupt callback at most once per life cycle
// (lives>0 → lives==0), whether the cause is an explicit ERROR/SAFE report
// or silence.
type HeartbeatManager struct {
	receiver  *SubscriberPool
	interrupt func(peer string, reason string)
	// onObserved, if set, is invoked for every valid inbound heartbeat
	// before liveness bookkeeping runs; it backs the STAT/HEARTBEAT_JITTER
	// publication.
	onObserved func(peer string, at time.Time)
	metrics    *metrics.Registry
	log        *log.Entry

	mu      sync.Mutex
	remotes map[string]*Remote

	wakeup chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatManager builds a manager whose receiver decodes CHP frames
// and whose interrupt callback is invoked for both state-reported and
// silence-detected failures. reg may be nil, in which case the lives gauge
// is not updated.
func NewHeartbeatManager(interrupt func(peer, reason string), reg *metrics.Registry) *HeartbeatManager {
	m := &HeartbeatManager{
		interrupt: interrupt,
		metrics:   reg,
		log:       log.WithField("component", "CHP"),
		remotes:   make(map[string]*Remote),
		wakeup:    make(chan struct{}, 1),
	}
	m.receiver = NewSubscriberPool("CHP", decodeCHP, m.onHeartbeat)
	return m
}

// setLivesGauge reports lives for peer to the heartbeat-lives gauge, if a
// metrics registry was supplied.
func (m *HeartbeatManager) setLivesGauge(peer string, lives int) {
	if m.metrics == nil {
		return
	}
	m.metrics.HeartbeatLives.WithLabelValues(peer).Set(float64(lives))
}

func decodeCHP(frames [][]byte) (any, error) {
	return message.DisassembleCHP(frames)
}

// Receiver exposes the underlying pool so a CHIRP discover callback for
// HEARTBEAT can drive HostConnected/HostDisconnected.
func (m *HeartbeatManager) Receiver() *SubscriberPool {
	return m.receiver
}

// Start launches the receiver pool and the watchdog task.
func (m *HeartbeatManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.receiver.Start(ctx)
	m.wg.Add(1)
	go m.watchdogLoop(ctx)
}

// Stop halts the watchdog and the receiver pool.
func (m *HeartbeatManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.receiver.Stop()
}

func (m *HeartbeatManager) onHeartbeat(peer chirp.DiscoveredService, value any) {
	msg, ok := value.(message.CHPMessage)
	if !ok {
		return
	}
	now := time.Now()

	if d := now.Sub(msg.Header.Time); d > skewWarnThreshold || d < -skewWarnThreshold {
		m.log.Warnf("clock skew from %s: %s", msg.Header.Sender, d)
	}

	if m.onObserved != nil {
		m.onObserved(msg.Header.Sender, now)
	}

	// The interrupt callback runs with mu held: spec §5 requires C5's
	// interrupt callback to be invoked under the lock (unlike C3's discover
	// callbacks, which run with the lock released), and the callback
	// contract forbids it from re-entering the manager.
	m.mu.Lock()
	remote, known := m.remotes[msg.Header.Sender]
	if !known {
		remote = &Remote{Lives: initialLives, LastCheckedAt: now}
		m.remotes[msg.Header.Sender] = remote
	}
	remote.Interval = msg.Interval
	remote.LastHeartbeatAt = now
	remote.LastState = msg.State

	isFailureState := msg.State == message.ERROR || msg.State == message.SAFE
	if isFailureState {
		if remote.Lives > 0 {
			remote.Lives = 0
			m.setLivesGauge(msg.Header.Sender, 0)
			m.interrupt(msg.Header.Sender, peerReportedReason(msg.Header.Sender, msg.State))
		}
	} else {
		remote.Lives = initialLives
		m.setLivesGauge(msg.Header.Sender, initialLives)
	}
	m.mu.Unlock()

	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

func peerReportedReason(peer string, state message.State) string {
	return peer + " reports state " + state.String()
}

func (m *HeartbeatManager) watchdogLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		wait := m.nextWakeup()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		case <-m.wakeup:
		}
		m.sweep()
	}
}

func (m *HeartbeatManager) nextWakeup() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	soonest := watchdogSlack
	found := false
	for _, r := range m.remotes {
		if r.Lives <= 0 {
			continue
		}
		until := r.nextExpected().Sub(now)
		if !found || until < soonest {
			soonest = until
			found = true
		}
	}
	if soonest > watchdogSlack {
		soonest = watchdogSlack
	}
	if soonest < 0 {
		soonest = 0
	}
	return soonest
}

func (m *HeartbeatManager) sweep() {
	now := time.Now()

	// As in onHeartbeat, the interrupt callback runs with mu held per spec
	// §5's C5 contract.
	m.mu.Lock()
	defer m.mu.Unlock()
	for peer, r := range m.remotes {
		if r.Lives <= 0 {
			continue
		}
		// Open Question (b): a backward clock jump is treated as "we just
		// checked", so it cannot masquerade as elapsed time and falsely
		// decrement lives.
		if now.Before(r.LastCheckedAt) {
			r.LastCheckedAt = now
			continue
		}
		if now.Sub(r.LastHeartbeatAt) > r.Interval && now.Sub(r.LastCheckedAt) > r.Interval {
			r.Lives--
			r.LastCheckedAt = now
			m.setLivesGauge(peer, r.Lives)
			m.log.Tracef("%s missed heartbeat, lives=%d", peer, r.Lives)
			if r.Lives == 0 {
				m.interrupt(peer, "No signs of life detected anymore from "+peer)
			}
		}
	}
}
