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
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v2"

	"github.com/constellation-daq/constellation/chirp"
	"github.com/constellation-daq/constellation/controller"
)

var controlTimeout time.Duration

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Issue CSCP requests against one or more satellites",
}

var controlListCmd = &cobra.Command{
	Use:   "list",
	Short: "Discover CONTROL endpoints for 2s and list them",
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()
		runControlList()
	},
}

var controlGetCmd = &cobra.Command{
	Use:   "get <verb> <host>",
	Short: "Send a get_* request (name, commands, state, status, config, version)",
	Args:  cobra.ExactArgs(2),
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()
		runControlRequest("get_"+args[0], args[1], nil)
	},
}

var controlSendCmd = &cobra.Command{
	Use:   "send <command> <host>",
	Short: "Send a transition command, encoding --config or --run-number into the request payload as needed",
	Args:  cobra.ExactArgs(2),
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()
		payload, err := buildSendPayload(args[0])
		if err != nil {
			log.Fatal(err)
		}
		runControlRequest(args[0], args[1], payload)
	},
}

var (
	runNumberFlag uint32
	configFlag    string
)

func init() {
	RootCmd.AddCommand(controlCmd)
	controlCmd.PersistentFlags().DurationVar(&controlTimeout, "timeout", 2*time.Second, "per-request timeout")
	controlCmd.AddCommand(controlListCmd)
	controlCmd.AddCommand(controlGetCmd)
	controlSendCmd.Flags().Uint32Var(&runNumberFlag, "run-number", 0, "run number payload for the start command")
	controlSendCmd.Flags().StringVar(&configFlag, "config", "", "YAML config file payload for initialize/reconfigure")
	controlCmd.AddCommand(controlSendCmd)
}

// buildSendPayload encodes the command-specific request payload expected by
// satellite/cscp.go's transition dispatch: a msgpack map for
// initialize/reconfigure, a 4-byte big-endian run number for start.
func buildSendPayload(command string) ([]byte, error) {
	switch command {
	case "initialize", "reconfigure":
		if configFlag == "" {
			return nil, fmt.Errorf("%s requires --config", command)
		}
		raw, err := os.ReadFile(configFlag)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", configFlag, err)
		}
		var config map[string]any
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configFlag, err)
		}
		var buf bytes.Buffer
		if err := msgpack.NewEncoder(&buf).Encode(config); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "start":
		if runNumberFlag == 0 {
			return nil, nil
		}
		payload := make([]byte, 4)
		binary.BigEndian.PutUint32(payload, runNumberFlag)
		return payload, nil
	default:
		return nil, nil
	}
}

func dialController() *controller.Controller {
	if group == "" {
		log.Fatal("--group is required")
	}
	socket, err := chirp.OpenSocket(ifaceList())
	if err != nil {
		log.Fatalf("opening CHIRP socket: %v", err)
	}
	discovery := chirp.NewManager(socket, group, fmt.Sprintf("ctl.%d", time.Now().UnixNano()))
	ctl := controller.New(discovery, "constellation-ctl")

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	ctl.Start(ctx)
	time.Sleep(controlTimeout)
	return ctl
}

func runControlList() {
	ctl := dialController()
	defer ctl.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"satellite"})
	for _, name := range ctl.Satellites() {
		table.Append([]string{name})
	}
	table.Render()
}

func runControlRequest(command, host string, payload []byte) {
	ctl := dialController()
	defer ctl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	reply, err := ctl.Send(ctx, host, command, payload)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s: %s\n", reply.Verb, reply.Command)
	if len(reply.Payload) > 0 {
		fmt.Printf("payload: %q\n", reply.Payload)
	}
}
