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

// Package cmd implements constellation-ctl, the operator CLI: one-shot
// CHIRP request/offer probes, a live heartbeat watcher, and CSCP control
// commands against one or more satellites.
package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is the entry point; exported so it can be extended without
// touching the subcommands below.
var RootCmd = &cobra.Command{
	Use:   "constellation-ctl",
	Short: "Operator CLI for a Constellation fabric",
}

var (
	group   string
	iface   string
	verbose bool
)

func init() {
	RootCmd.PersistentFlags().StringVar(&group, "group", "", "constellation group name")
	RootCmd.PersistentFlags().StringVar(&iface, "iface", "", "network interface to join CHIRP multicast on")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// ConfigureVerbosity applies the --verbose flag; every subcommand calls
// this before doing work.
func ConfigureVerbosity() {
	log.SetLevel(log.InfoLevel)
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
}

// Execute runs the CLI, exiting the process on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
