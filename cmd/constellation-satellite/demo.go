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

	log "github.com/sirupsen/logrus"

	"github.com/constellation-daq/constellation/satellite"
)

// demoSatellite is a stand-in Capability with no device driver behind it
// (device drivers are explicitly out of scope): every transition just logs
// and returns, except Start, which remembers the run number for get_status.
type demoSatellite struct {
	name      string
	log       *log.Entry
	runNumber uint32
}

func newDemoSatellite(name string) satellite.Capability {
	return &demoSatellite{name: name, log: log.WithField("satellite", name)}
}

func (d *demoSatellite) Name() string             { return d.name }
func (d *demoSatellite) SupportsReconfigure() bool { return true }

func (d *demoSatellite) Commands() map[string]satellite.Command {
	return map[string]satellite.Command{
		"ping": {
			Description: "Reply PONG, proving the control endpoint is alive",
			Run: func(ctx context.Context, payload []byte) ([]byte, error) {
				return []byte("PONG"), nil
			},
		},
	}
}

func (d *demoSatellite) Initialize(ctx context.Context, config map[string]any) error {
	d.log.Infof("initializing with config: %+v", config)
	return nil
}

func (d *demoSatellite) Launch(ctx context.Context) error {
	d.log.Info("launching")
	return nil
}

func (d *demoSatellite) Land(ctx context.Context) error {
	d.log.Info("landing")
	return nil
}

func (d *demoSatellite) Reconfigure(ctx context.Context, config map[string]any) error {
	d.log.Infof("reconfiguring with config: %+v", config)
	return nil
}

func (d *demoSatellite) Start(ctx context.Context, runNumber uint32) error {
	d.log.Infof("starting run %d", runNumber)
	d.runNumber = runNumber
	return nil
}

func (d *demoSatellite) Stop(ctx context.Context) error {
	d.log.Infof("stopping run %d", d.runNumber)
	return nil
}
