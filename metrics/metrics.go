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

// Package metrics wires prometheus, welford running statistics, and
// gopsutil host telemetry into the fabric's own counters and into the
// CMDP STAT publication surface.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/eclesh/welford"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Registry bundles the process-wide counters satellites and controllers
// report through, and a separate HTTP server exposing them for scraping.
type Registry struct {
	reg *prometheus.Registry

	HeartbeatLives    *prometheus.GaugeVec
	DiscoveredPeers   prometheus.Gauge
	CSCPRequestsTotal *prometheus.CounterVec
}

// NewRegistry builds and registers the fabric's counters.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		HeartbeatLives: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "constellation_heartbeat_lives",
			Help: "Remaining lives for each tracked heartbeat peer.",
		}, []string{"peer"}),
		DiscoveredPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "constellation_discovered_peers",
			Help: "Number of peers currently present in the discovery table.",
		}),
		CSCPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "constellation_cscp_requests_total",
			Help: "CSCP requests served by the control endpoint, by command.",
		}, []string{"command"}),
	}

	reg.MustRegister(r.HeartbeatLives, r.DiscoveredPeers, r.CSCPRequestsTotal)
	return r
}

// ServeHTTP starts a /metrics endpoint on addr; it blocks, so callers
// typically run it in its own goroutine.
func (r *Registry) ServeHTTP(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	log.WithField("component", "metrics").Infof("serving metrics on %s", addr)
	return http.ListenAndServe(addr, mux)
}

// JitterTracker keeps a running mean/variance of inter-heartbeat arrival
// gaps for one remote, backing the STAT/HEARTBEAT_JITTER record.
type JitterTracker struct {
	stats *welford.Stats
	last  time.Time
}

// NewJitterTracker returns an empty tracker.
func NewJitterTracker() *JitterTracker {
	return &JitterTracker{stats: welford.New()}
}

// Observe records one heartbeat arrival at t, updating the running gap
// statistics. The first observation only seeds the reference time.
func (j *JitterTracker) Observe(t time.Time) {
	if !j.last.IsZero() {
		j.stats.Add(float64(t.Sub(j.last)) / float64(time.Millisecond))
	}
	j.last = t
}

// MeanStddevMillis returns the running mean and standard deviation of
// inter-arrival gaps, in milliseconds.
func (j *JitterTracker) MeanStddevMillis() (mean, stddev float64) {
	return j.stats.Mean(), j.stats.Stddev()
}

// HostCPUPercent samples total CPU utilization over a short window, for the
// STAT/CPU record.
func HostCPUPercent() (float64, error) {
	percentages, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		return 0, fmt.Errorf("metrics: sample cpu: %w", err)
	}
	if len(percentages) == 0 {
		return 0, fmt.Errorf("metrics: no cpu samples returned")
	}
	return percentages[0], nil
}

// HostMemoryUsedPercent reports used-memory percentage. No STAT record
// published by this module carries it; STAT/CPU holds only the CPU figure.
func HostMemoryUsedPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("metrics: sample memory: %w", err)
	}
	return vm.UsedPercent, nil
}
