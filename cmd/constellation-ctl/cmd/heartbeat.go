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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/constellation-daq/constellation/chirp"
	"github.com/constellation-daq/constellation/message"
	"github.com/constellation-daq/constellation/satellite"
)

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Watch CHP heartbeats across the constellation",
}

var heartbeatWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Discover HEARTBEAT services and print every received heartbeat, mirroring the original chp_receiver tool",
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()
		runHeartbeatWatch()
	},
}

func init() {
	RootCmd.AddCommand(heartbeatCmd)
	heartbeatCmd.AddCommand(heartbeatWatchCmd)
}

func colorForState(s message.State) string {
	switch {
	case s == message.ERROR:
		return color.RedString(s.String())
	case s == message.SAFE:
		return color.YellowString(s.String())
	case s.IsSteady():
		return color.GreenString(s.String())
	default:
		return color.CyanString(s.String())
	}
}

func runHeartbeatWatch() {
	if group == "" {
		log.Fatal("--group is required")
	}

	socket, err := chirp.OpenSocket(ifaceList())
	if err != nil {
		log.Fatalf("opening CHIRP socket: %v", err)
	}

	host := fmt.Sprintf("ctl.watch.%d", time.Now().UnixNano())
	discovery := chirp.NewManager(socket, group, host)

	pool := satellite.NewSubscriberPool("CHP", func(frames [][]byte) (any, error) {
		return message.DisassembleCHP(frames)
	}, func(peer chirp.DiscoveredService, value any) {
		chp, ok := value.(message.CHPMessage)
		if !ok {
			return
		}
		fmt.Printf("%-30s %-20s interval=%s\n", chp.Header.Sender, colorForState(chp.State), chp.Interval)
	})

	discovery.RegisterDiscoverCallback(chirp.HEARTBEAT, func(peer chirp.DiscoveredService, departed bool) {
		if departed {
			pool.HostDisconnected(peer)
			fmt.Printf("%s departed\n", peer.Host)
			return
		}
		if err := pool.HostConnected(peer, []string{""}); err != nil {
			log.Warnf("failed to connect to %s: %v", peer.Host, err)
			return
		}
		fmt.Printf("%s discovered\n", peer.Host)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	discovery.Start(ctx, []chirp.ServiceIdentifier{chirp.HEARTBEAT})
	pool.Start(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	pool.Stop()
	_ = discovery.Close()
}
