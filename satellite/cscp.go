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
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/constellation-daq/constellation/chirp"
	"github.com/constellation-daq/constellation/message"
	"github.com/constellation-daq/constellation/metrics"
	"github.com/constellation-daq/constellation/netsock"
)

// cscpRecvTimeout bounds each blocking receive on the control endpoint so
// shutdown stays responsive even without traffic.
const cscpRecvTimeout = 100 * time.Millisecond

var transitionCommands = map[string]bool{
	"initialize": true, "launch": true, "land": true,
	"reconfigure": true, "start": true, "stop": true,
}

// ControlEndpoint is the CSCP control surface (C6): it binds a rep socket,
// advertises CONTROL via CHIRP, and loops receive → validate → dispatch →
// reply.
type ControlEndpoint struct {
	rep     *netsock.RepSocket
	fsm     *FSM
	sat     Capability
	name    string
	metrics *metrics.Registry
	log     *log.Entry

	mu  sync.Mutex
	ctx context.Context
}

// NewControlEndpoint binds a rep socket and registers it as CONTROL on
// manager. reg may be nil, in which case the CSCP request counter is not
// updated.
func NewControlEndpoint(manager *chirp.Manager, fsm *FSM, sat Capability, reg *metrics.Registry) (*ControlEndpoint, error) {
	rep, port, err := netsock.BindRep(cscpRecvTimeout)
	if err != nil {
		return nil, err
	}
	manager.RegisterService(chirp.CONTROL, port)

	return &ControlEndpoint{
		rep:     rep,
		fsm:     fsm,
		sat:     sat,
		name:    sat.Name(),
		metrics: reg,
		ctx:     context.Background(),
		log:     log.WithField("component", "CSCP"),
	}, nil
}

// Serve starts the receive/validate/dispatch/reply loop. ctx is also used as
// the parent for every transition worker dispatched while serving, so
// canceling it aborts any transition in flight.
func (c *ControlEndpoint) Serve(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.rep.Serve(ctx, c.handle)
}

// transitionContext returns the context transition workers dispatched by
// this endpoint are rooted in.
func (c *ControlEndpoint) transitionContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// Stop closes the rep socket.
func (c *ControlEndpoint) Stop() error {
	return c.rep.Close()
}

func (c *ControlEndpoint) handle(frames [][]byte) ([][]byte, error) {
	req, err := message.DisassembleCSCP(frames)
	if err != nil {
		return c.errorReply(req, err.Error())
	}
	if req.Verb != message.REQUEST {
		return c.errorReply(req, "Can only handle CSCP messages with REQUEST type")
	}

	command := strings.ToLower(req.Command)

	switch {
	case isGetCommand(command):
		return c.dispatchGet(command)
	case transitionCommands[command]:
		return c.dispatchTransition(command, req.Payload)
	default:
		if cmd, ok := c.sat.Commands()[command]; ok {
			return c.dispatchUserCommand(command, cmd, req.Payload)
		}
		return c.reply(message.UNKNOWN, fmt.Sprintf("Command %q is not known", req.Command), nil)
	}
}

// errorReply builds an ERROR reply even when the request itself failed to
// decode. The reply's sender is always this endpoint's own name; req is not
// consulted.
func (c *ControlEndpoint) errorReply(req message.CSCPMessage, text string) ([][]byte, error) {
	reply := message.NewCSCPMessage(c.name, message.ERROR, text)
	return reply.Assemble()
}

func (c *ControlEndpoint) reply(verb message.CSCPType, command string, payload []byte) ([][]byte, error) {
	reply := message.NewCSCPMessage(c.name, verb, command)
	reply.Payload = payload
	return reply.Assemble()
}

func isGetCommand(command string) bool {
	switch command {
	case "get_name", "get_commands", "get_state", "get_status", "get_config", "get_version":
		return true
	default:
		return false
	}
}

func (c *ControlEndpoint) dispatchGet(command string) ([][]byte, error) {
	if c.metrics != nil {
		c.metrics.CSCPRequestsTotal.WithLabelValues(command).Inc()
	}
	switch command {
	case "get_name":
		return c.reply(message.SUCCESS, c.name, nil)
	case "get_state":
		return c.reply(message.SUCCESS, c.fsm.State().String(), nil)
	case "get_status":
		return c.reply(message.SUCCESS, c.fsm.Status(), nil)
	case "get_commands":
		return c.dispatchGetCommands()
	case "get_config":
		// Configuration storage is satellite-implementation-specific;
		// the control endpoint only routes the request.
		return c.reply(message.NOTIMPLEMENTED, "get_config is not implemented by this satellite", nil)
	case "get_version":
		return c.reply(message.NOTIMPLEMENTED, "get_version is not implemented by this satellite", nil)
	default:
		return c.reply(message.UNKNOWN, fmt.Sprintf("Command %q is not known", command), nil)
	}
}

var transitionDescriptions = map[string]string{
	"initialize":  "Initialize the satellite with a configuration dictionary",
	"launch":      "Prepare the satellite to take data",
	"land":        "Return the satellite to the initialized state",
	"reconfigure": "Apply a new configuration dictionary without a full re-initialize",
	"start":       "Begin a run with the given run number",
	"stop":        "End the current run",
}

func (c *ControlEndpoint) dispatchGetCommands() ([][]byte, error) {
	commands := make(map[string]string, len(transitionDescriptions)+len(c.sat.Commands()))
	for name, desc := range transitionDescriptions {
		commands[name] = desc
	}
	for name, cmd := range c.sat.Commands() {
		commands[name] = cmd.Description
	}

	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(commands); err != nil {
		return c.reply(message.ERROR, "failed to encode command list", nil)
	}
	return c.reply(message.SUCCESS, "get_commands", buf.Bytes())
}

func (c *ControlEndpoint) dispatchTransition(command string, payload []byte) ([][]byte, error) {
	if c.metrics != nil {
		c.metrics.CSCPRequestsTotal.WithLabelValues(command).Inc()
	}
	ctx := c.transitionContext()

	var (
		newState message.State
		err      error
	)

	switch command {
	case "initialize", "reconfigure":
		config, decodeErr := decodeConfigPayload(payload)
		if decodeErr != nil {
			return c.reply(message.INCOMPLETE, fmt.Sprintf("Transition %q received incorrect payload", command), nil)
		}
		if command == "initialize" {
			newState, err = c.fsm.Initialize(ctx, config)
		} else {
			newState, err = c.fsm.Reconfigure(ctx, config)
		}
	case "launch":
		newState, err = c.fsm.Launch(ctx)
	case "land":
		newState, err = c.fsm.Land(ctx)
	case "start":
		runNumber, decodeErr := decodeRunNumberPayload(payload)
		if decodeErr != nil {
			return c.reply(message.INCOMPLETE, fmt.Sprintf("Transition %q received incorrect payload", command), nil)
		}
		newState, err = c.fsm.Start(ctx, runNumber)
	case "stop":
		newState, err = c.fsm.Stop(ctx)
	}

	if err != nil {
		if _, ok := err.(*ErrInvalidTransition); ok {
			return c.reply(message.INVALID, err.Error(), nil)
		}
		return c.reply(message.ERROR, err.Error(), nil)
	}

	_ = newState
	return c.reply(message.SUCCESS, fmt.Sprintf("Transition %s is being initiated", command), nil)
}

func (c *ControlEndpoint) dispatchUserCommand(name string, cmd Command, payload []byte) ([][]byte, error) {
	result, err := cmd.Run(context.Background(), payload)
	if err != nil {
		return c.reply(message.ERROR, err.Error(), nil)
	}
	return c.reply(message.SUCCESS, name, result)
}

func decodeConfigPayload(payload []byte) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty configuration payload")
	}
	var config map[string]any
	if err := msgpack.NewDecoder(bytes.NewReader(payload)).Decode(&config); err != nil {
		return nil, err
	}
	return config, nil
}

func decodeRunNumberPayload(payload []byte) (uint32, error) {
	if len(payload) == 4 {
		return binary.BigEndian.Uint32(payload), nil
	}
	var runNumber uint32
	if err := msgpack.NewDecoder(bytes.NewReader(payload)).Decode(&runNumber); err != nil {
		return 0, err
	}
	return runNumber, nil
}
