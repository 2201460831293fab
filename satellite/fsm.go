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

// Package satellite implements the satellite-side runtime: the FSM driving
// a satellite through its life cycle, the CSCP control endpoint dispatching
// commands onto it, the heartbeat sender/receiver/manager, a generic
// subscriber pool shared by both pub/sub protocols, and the named
// capability registry satellites are looked up in.
package satellite

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/constellation-daq/constellation/message"
)

// Capability is the set of transition actions a concrete satellite
// implements. Each method receives a cancellation context that the
// implementation MUST observe; completion is signaled by a normal return,
// failure by a non-nil error, which the FSM reports as the failure event
// with the error text attached as the diagnostic.
type Capability interface {
	// Name is the satellite's canonical "<type>.<instance>" identity.
	Name() string
	// SupportsReconfigure reports whether the reconfigure transition is
	// permitted; when false the FSM rejects it with INVALID.
	SupportsReconfigure() bool
	// Commands returns the user-registered CSCP verbs beyond the six
	// built-ins and six transitions, each with a one-line description.
	Commands() map[string]Command

	Initialize(ctx context.Context, config map[string]any) error
	Launch(ctx context.Context) error
	Land(ctx context.Context) error
	Reconfigure(ctx context.Context, config map[string]any) error
	Start(ctx context.Context, runNumber uint32) error
	Stop(ctx context.Context) error
}

// Command is a user-registered CSCP verb: a one-line description for
// get_commands, and the function invoked when the verb is received.
type Command struct {
	Description string
	Run         func(ctx context.Context, payload []byte) ([]byte, error)
}

// ErrInvalidTransition is returned when command is not valid from the
// FSM's current steady state.
type ErrInvalidTransition struct {
	Command string
	From    message.State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("transition %q not valid from state %s", e.Command, e.From)
}

// FSM drives a Capability through the thirteen-state life cycle defined by
// spec §4.7: every external transition runs on a dedicated worker so the
// FSM keeps answering get_state while the user's action is in flight.
type FSM struct {
	sat Capability
	log *log.Entry

	mu         sync.Mutex
	state      message.State
	diagnostic string
	cancelFn   context.CancelFunc
}

// NewFSM starts a satellite in the NEW state.
func NewFSM(sat Capability) *FSM {
	return &FSM{
		sat:   sat,
		log:   log.WithField("component", "FSM").WithField("satellite", sat.Name()),
		state: message.NEW,
	}
}

// State returns the FSM's current state.
func (f *FSM) State() message.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Status returns the last failure diagnostic, or "OK" if there is none or
// it has been superseded by a later successful transition.
func (f *FSM) Status() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.diagnostic == "" {
		return "OK"
	}
	return f.diagnostic
}

// ShutdownAllowed reports whether the process may destroy this satellite in
// its current state.
func (f *FSM) ShutdownAllowed() bool {
	return f.State().IsShutdownAllowed()
}

type transitionSpec struct {
	allowedFrom []message.State
	transient   message.State
	onSuccess   message.State
}

var transitions = map[string]transitionSpec{
	"initialize": {
		allowedFrom: []message.State{message.NEW, message.INIT, message.SAFE, message.ERROR},
		transient:   stateInitializing,
		onSuccess:   message.INIT,
	},
	"launch": {
		allowedFrom: []message.State{message.INIT},
		transient:   stateLaunching,
		onSuccess:   message.ORBIT,
	},
	"land": {
		allowedFrom: []message.State{message.ORBIT},
		transient:   stateLanding,
		onSuccess:   message.INIT,
	},
	"reconfigure": {
		allowedFrom: []message.State{message.ORBIT},
		transient:   stateReconfiguring,
		onSuccess:   message.ORBIT,
	},
	"start": {
		allowedFrom: []message.State{message.ORBIT},
		transient:   stateStarting,
		onSuccess:   message.RUN,
	},
	"stop": {
		allowedFrom: []message.State{message.RUN},
		transient:   stateStopping,
		onSuccess:   message.ORBIT,
	},
}

// These transitional-state constants are unexported aliases for the values
// message.State already defines; kept local so the transition table above
// reads with the bare transition names.
const (
	stateInitializing  = message.State(0x12)
	stateLaunching     = message.State(0x23)
	stateLanding       = message.State(0x32)
	stateReconfiguring = message.State(0x33)
	stateStarting      = message.State(0x34)
	stateStopping      = message.State(0x43)
	stateInterrupting  = message.State(0x0E)
)

// fromSet reports whether current appears in allowed.
func fromSet(current message.State, allowed []message.State) bool {
	for _, s := range allowed {
		if s == current {
			return true
		}
	}
	return false
}

// Initialize requests the initialize transition with a configuration
// dictionary payload.
func (f *FSM) Initialize(ctx context.Context, config map[string]any) (message.State, error) {
	return f.begin(ctx, "initialize", func(ctx context.Context) error {
		return f.sat.Initialize(ctx, config)
	})
}

// Launch requests the launch transition.
func (f *FSM) Launch(ctx context.Context) (message.State, error) {
	return f.begin(ctx, "launch", func(ctx context.Context) error {
		return f.sat.Launch(ctx)
	})
}

// Land requests the land transition.
func (f *FSM) Land(ctx context.Context) (message.State, error) {
	return f.begin(ctx, "land", func(ctx context.Context) error {
		return f.sat.Land(ctx)
	})
}

// Reconfigure requests the reconfigure transition, rejected with INVALID
// (via ErrInvalidTransition) unless the satellite opted in.
func (f *FSM) Reconfigure(ctx context.Context, config map[string]any) (message.State, error) {
	if !f.sat.SupportsReconfigure() {
		return f.State(), &ErrInvalidTransition{Command: "reconfigure", From: f.State()}
	}
	return f.begin(ctx, "reconfigure", func(ctx context.Context) error {
		return f.sat.Reconfigure(ctx, config)
	})
}

// Start requests the start transition with a run number payload.
func (f *FSM) Start(ctx context.Context, runNumber uint32) (message.State, error) {
	return f.begin(ctx, "start", func(ctx context.Context) error {
		return f.sat.Start(ctx, runNumber)
	})
}

// Stop requests the stop transition.
func (f *FSM) Stop(ctx context.Context) (message.State, error) {
	return f.begin(ctx, "stop", func(ctx context.Context) error {
		return f.sat.Stop(ctx)
	})
}

// Interrupt is the internal event fired by the heartbeat manager (or any
// other internal watchdog) when a remote failure is observed while this
// satellite is in ORBIT or RUN. It has no associated user action: it drives
// the FSM straight to the interrupting transitional state and then to SAFE.
func (f *FSM) Interrupt(reason string) {
	f.mu.Lock()
	if !fromSet(f.state, []message.State{message.ORBIT, message.RUN}) {
		f.mu.Unlock()
		return
	}
	f.state = stateInterrupting
	f.diagnostic = reason
	f.mu.Unlock()

	f.log.Warnf("interrupted: %s", reason)
	f.mu.Lock()
	f.state = message.SAFE
	f.mu.Unlock()
}

// Fail drives the FSM to ERROR from any non-terminal state with the given
// diagnostic, modeling the internal failure event from spec §4.7.
func (f *FSM) Fail(diagnostic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == message.ERROR {
		return
	}
	f.state = message.ERROR
	f.diagnostic = diagnostic
}

// begin validates the transition against the current steady state, moves
// the FSM into the transitional state, and runs action on a dedicated
// worker goroutine with its own cancellation handle.
func (f *FSM) begin(ctx context.Context, command string, action func(ctx context.Context) error) (message.State, error) {
	spec, ok := transitions[command]
	if !ok {
		return f.State(), fmt.Errorf("unknown transition %q", command)
	}

	f.mu.Lock()
	current := f.state
	if !fromSet(current, spec.allowedFrom) {
		f.mu.Unlock()
		return current, &ErrInvalidTransition{Command: command, From: current}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	f.cancelFn = cancel
	f.state = spec.transient
	f.mu.Unlock()

	go func() {
		err := action(workerCtx)
		f.mu.Lock()
		defer f.mu.Unlock()
		if err != nil {
			f.state = message.ERROR
			f.diagnostic = err.Error()
			f.log.Errorf("transition %q failed: %v", command, err)
			return
		}
		f.state = spec.onSuccess
		f.diagnostic = ""
	}()

	return spec.transient, nil
}

// CancelTransition invokes the cancellation handle of the in-flight
// transition worker, if any. The worker's own action is responsible for
// observing context cancellation and returning promptly.
func (f *FSM) CancelTransition() {
	f.mu.Lock()
	cancel := f.cancelFn
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
