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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the satellite daemon's YAML configuration, following the
// teacher's client.Config/ReadConfig split between file defaults and CLI
// overrides.
type Config struct {
	Group                string        `yaml:"group"`
	Type                 string        `yaml:"type"`
	Instance             string        `yaml:"instance"`
	Interfaces           []string      `yaml:"interfaces"`
	MaxHeartbeatInterval time.Duration `yaml:"max_heartbeat_interval"`
	LogLevel             string        `yaml:"loglevel"`
}

// ReadConfig loads and parses a YAML config file.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config from %q: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}
