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
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/constellation-daq/constellation/chirp"
)

var chirpCmd = &cobra.Command{
	Use:   "chirp",
	Short: "Send one-off CHIRP datagrams, mirroring the original beacon sender tools",
}

var chirpRequestCmd = &cobra.Command{
	Use:   "request <service>",
	Short: "Broadcast a REQUEST for a service and print every OFFER received for 2s",
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()
		runChirpProbe(args[0])
	},
}

var chirpOfferCmd = &cobra.Command{
	Use:   "offer <service> <port>",
	Short: "Broadcast a one-off OFFER for a service/port pair",
	Args:  cobra.ExactArgs(2),
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()
		runChirpOffer(args[0], args[1])
	},
}

func init() {
	RootCmd.AddCommand(chirpCmd)
	chirpCmd.AddCommand(chirpRequestCmd)
	chirpCmd.AddCommand(chirpOfferCmd)
}

func parseServiceIdentifier(name string) (chirp.ServiceIdentifier, error) {
	switch strings.ToUpper(name) {
	case "CONTROL":
		return chirp.CONTROL, nil
	case "HEARTBEAT":
		return chirp.HEARTBEAT, nil
	case "MONITORING":
		return chirp.MONITORING, nil
	case "DATA":
		return chirp.DATA, nil
	default:
		return 0, fmt.Errorf("unknown service %q (want CONTROL, HEARTBEAT, MONITORING, or DATA)", name)
	}
}

func ifaceList() []string {
	if iface == "" {
		return nil
	}
	return []string{iface}
}

func runChirpProbe(serviceName string) {
	if group == "" {
		log.Fatal("--group is required")
	}
	service, err := parseServiceIdentifier(serviceName)
	if err != nil {
		log.Fatal(err)
	}

	socket, err := chirp.OpenSocket(ifaceList())
	if err != nil {
		log.Fatalf("opening CHIRP socket: %v", err)
	}
	defer socket.Close()

	host := fmt.Sprintf("ctl.%d", time.Now().UnixNano())
	if err := socket.Send(chirp.NewMessage(chirp.REQUEST, group, host, service, 0)); err != nil {
		log.Fatalf("sending REQUEST: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		msg, addr, err := socket.Receive(ctx)
		if err != nil {
			var decodeErr *chirp.DecodeError
			if errors.As(err, &decodeErr) {
				continue
			}
			return
		}
		if msg.Type != chirp.OFFER || msg.Service != service {
			continue
		}
		fmt.Printf("%s offers %s on %s:%d\n", addr.IP, msg.Service, addr.IP, msg.Port)
	}
}

func runChirpOffer(serviceName, portStr string) {
	if group == "" {
		log.Fatal("--group is required")
	}
	service, err := parseServiceIdentifier(serviceName)
	if err != nil {
		log.Fatal(err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		log.Fatalf("invalid port %q: %v", portStr, err)
	}

	socket, err := chirp.OpenSocket(ifaceList())
	if err != nil {
		log.Fatalf("opening CHIRP socket: %v", err)
	}
	defer socket.Close()

	host := fmt.Sprintf("ctl.%d", time.Now().UnixNano())
	if err := socket.Send(chirp.NewMessage(chirp.OFFER, group, host, service, uint16(port))); err != nil {
		log.Fatalf("sending OFFER: %v", err)
	}
	fmt.Printf("offered %s on port %d\n", service, port)
}
