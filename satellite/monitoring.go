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
	"bytes"
	"context"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/constellation-daq/constellation/chirp"
	"github.com/constellation-daq/constellation/message"
	"github.com/constellation-daq/constellation/metrics"
	"github.com/constellation-daq/constellation/netsock"
)

// CMDPPublisher is the monitoring-channel publish side (C1/C4 ride-along):
// it advertises MONITORING via CHIRP and publishes both log records (via a
// logrus hook) and STAT metric samples.
type CMDPPublisher struct {
	pub    *netsock.PubSocket
	sender string
}

// NewCMDPPublisher binds a pub socket and registers it as MONITORING on
// manager.
func NewCMDPPublisher(manager *chirp.Manager, sender string) (*CMDPPublisher, error) {
	pub, port, err := netsock.BindPub()
	if err != nil {
		return nil, err
	}
	manager.RegisterService(chirp.MONITORING, port)
	return &CMDPPublisher{pub: pub, sender: sender}, nil
}

// Close releases the pub socket.
func (p *CMDPPublisher) Close() error {
	return p.pub.Close()
}

// PublishStat encodes value with msgpack and publishes it as STAT/<metric>.
func (p *CMDPPublisher) PublishStat(metric string, value any) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(value); err != nil {
		return
	}
	msg := message.NewStatMessage(p.sender, metric, buf.Bytes())
	frames, err := msg.Assemble()
	if err != nil {
		return
	}
	p.pub.Publish(frames)
}

// LogrusHook returns a logrus.Hook that republishes every log record over
// CMDP, mirroring the original CMDPSink. TRACE-level records additionally
// carry source filename and line-number tags.
func (p *CMDPPublisher) LogrusHook() log.Hook {
	return &cmdpHook{pub: p}
}

type cmdpHook struct {
	pub *CMDPPublisher
}

func (h *cmdpHook) Levels() []log.Level {
	return log.AllLevels
}

func (h *cmdpHook) Fire(entry *log.Entry) error {
	level := toCMDPLevel(entry.Level)
	topic, _ := entry.Data["component"].(string)

	header := message.NewHeader(message.CMDP1, h.pub.sender)
	if level == message.TRACE {
		if _, file, line, ok := runtime.Caller(6); ok {
			header.SetTag("filename", file)
			header.SetTag("lineno", int64(line))
		}
	}

	msg := message.NewLogMessage(h.pub.sender, level, topic, []byte(entry.Message))
	msg.Header = header

	frames, err := msg.Assemble()
	if err != nil {
		return nil
	}
	h.pub.pub.Publish(frames)
	return nil
}

func toCMDPLevel(l log.Level) message.LogLevel {
	switch l {
	case log.TraceLevel:
		return message.TRACE
	case log.DebugLevel:
		return message.DEBUG
	case log.InfoLevel:
		return message.INFO
	case log.WarnLevel:
		return message.WARNING
	case log.ErrorLevel:
		return message.CRITICAL
	case log.FatalLevel, log.PanicLevel:
		return message.CRITICAL
	default:
		return message.STATUS
	}
}

// StatReporter periodically publishes the built-in STAT/CPU record and
// samples the discovery-table-size gauge; STAT/HEARTBEAT_JITTER is published
// on every observed heartbeat through ObserveHeartbeatJitter.
type StatReporter struct {
	pub       *CMDPPublisher
	manager   *HeartbeatManager
	discovery *chirp.Manager
	metrics   *metrics.Registry

	jitterMu sync.Mutex
	jitter   map[string]*metrics.JitterTracker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatReporter builds a reporter sampling host CPU and discovery's peer
// count every interval. reg may be nil, in which case the discovered-peers
// gauge is not updated.
func NewStatReporter(pub *CMDPPublisher, manager *HeartbeatManager, discovery *chirp.Manager, reg *metrics.Registry) *StatReporter {
	return &StatReporter{
		pub:       pub,
		manager:   manager,
		discovery: discovery,
		metrics:   reg,
		jitter:    make(map[string]*metrics.JitterTracker),
	}
}

// Start launches the periodic reporting loop.
func (r *StatReporter) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.report()
			}
		}
	}()
}

// Stop halts the reporting loop.
func (r *StatReporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *StatReporter) report() {
	if pct, err := metrics.HostCPUPercent(); err == nil {
		r.pub.PublishStat("CPU", pct)
	}
	if r.metrics != nil && r.discovery != nil {
		r.metrics.DiscoveredPeers.Set(float64(r.discovery.PeerCount()))
	}
}

// ObserveHeartbeatJitter records a heartbeat arrival time for peer's jitter
// tracker and publishes the running mean/stddev.
func (r *StatReporter) ObserveHeartbeatJitter(peer string, at time.Time) {
	r.jitterMu.Lock()
	tracker, ok := r.jitter[peer]
	if !ok {
		tracker = metrics.NewJitterTracker()
		r.jitter[peer] = tracker
	}
	tracker.Observe(at)
	mean, stddev := tracker.MeanStddevMillis()
	r.jitterMu.Unlock()

	r.pub.PublishStat("HEARTBEAT_JITTER", map[string]float64{"peer_mean_ms": mean, "peer_stddev_ms": stddev})
}
