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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	log "github.com/sirupsen/logrus"

	"github.com/constellation-daq/constellation/chirp"
	"github.com/constellation-daq/constellation/metrics"
	"github.com/constellation-daq/constellation/satellite"
)

func registerTypes() *satellite.Registry {
	reg := satellite.NewRegistry()
	reg.Register("generic", newDemoSatellite)
	return reg
}

func prepareConfig(cfgPath, group, satType, instance, iface string, maxHeartbeat time.Duration) (*Config, error) {
	cfg := &Config{}
	if cfgPath != "" {
		loaded, err := ReadConfig(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if group != "" {
		cfg.Group = group
	}
	if satType != "" {
		cfg.Type = satType
	}
	if instance != "" {
		cfg.Instance = instance
	}
	if iface != "" {
		cfg.Interfaces = append(cfg.Interfaces, iface)
	}
	if maxHeartbeat != 0 {
		cfg.MaxHeartbeatInterval = maxHeartbeat
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("a group name is required")
	}
	if cfg.Type == "" {
		return nil, fmt.Errorf("a satellite type is required")
	}
	if cfg.Instance == "" {
		return nil, fmt.Errorf("an instance name is required")
	}
	return cfg, nil
}

// sdNotifyReady notifies systemd about a successful start, matching the
// teacher's fire-and-forget SdNotify helper.
func sdNotifyReady() {
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if !supported {
		return
	}
	if err != nil {
		log.Warningf("sd_notify failed: %v", err)
	}
}

func main() {
	var (
		configFlag       string
		groupFlag        string
		typeFlag         string
		instanceFlag     string
		ifaceFlag        string
		verboseFlag      bool
		maxHeartbeatFlag time.Duration
		metricsAddrFlag  string
	)

	flag.StringVar(&configFlag, "config", "", "path to the YAML config")
	flag.StringVar(&groupFlag, "group", "", "constellation group name")
	flag.StringVar(&typeFlag, "type", "", "satellite type, as registered in the type registry")
	flag.StringVar(&instanceFlag, "instance", "", "satellite instance name")
	flag.StringVar(&ifaceFlag, "iface", "", "network interface to join CHIRP multicast on")
	flag.DurationVar(&maxHeartbeatFlag, "max-heartbeat-interval", 0, "maximum heartbeat publish interval")
	flag.StringVar(&metricsAddrFlag, "metricsaddr", "", "host:port to serve /metrics on, disabled if empty")
	flag.BoolVar(&verboseFlag, "verbose", false, "verbose output")
	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := prepareConfig(configFlag, groupFlag, typeFlag, instanceFlag, ifaceFlag, maxHeartbeatFlag)
	if err != nil {
		log.Fatal(err)
	}

	reg := registerTypes()
	name := fmt.Sprintf("%s.%s", cfg.Type, cfg.Instance)
	sat, err := reg.Build(cfg.Type, cfg.Instance)
	if err != nil {
		log.Fatal(err)
	}

	socket, err := chirp.OpenSocket(cfg.Interfaces)
	if err != nil {
		log.Fatalf("opening CHIRP socket: %v", err)
	}
	discovery := chirp.NewManager(socket, cfg.Group, name)

	metricsReg := metrics.NewRegistry()
	runtime, err := satellite.NewRuntime(discovery, sat, cfg.MaxHeartbeatInterval, metricsReg)
	if err != nil {
		log.Fatalf("building satellite runtime: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime.Start(ctx, []chirp.ServiceIdentifier{chirp.CONTROL})

	if metricsAddrFlag != "" {
		go func() {
			if err := metricsReg.ServeHTTP(metricsAddrFlag); err != nil {
				log.Warningf("metrics server stopped: %v", err)
			}
		}()
	}

	sdNotifyReady()
	log.Infof("%s is up, state=%s", name, runtime.FSM.State())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	runtime.Stop()
}
