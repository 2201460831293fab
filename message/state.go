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

package message

import "fmt"

// State is a satellite's FSM state, encoded on the wire as a single byte. A
// state is steady iff its low nibble is zero; every other value is
// transitional and only ever observed in flight between two steady states.
type State uint8

const (
	NEW   State = 0x10
	INIT  State = 0x20
	ORBIT State = 0x30
	RUN   State = 0x40
	SAFE  State = 0xE0
	ERROR State = 0xF0

	// UNKNOWN is a reserved steady value for controller-side bookkeeping
	// (a satellite whose state has not been learned yet). The FSM never
	// produces it, and no code in this module assigns it.
	UNKNOWN State = 0x50
	// UNRESPONSIVE is a reserved steady value for controller-side
	// bookkeeping (a satellite that did not answer in time). The FSM never
	// produces it, and no code in this module assigns it.
	UNRESPONSIVE State = 0x60

	initializing  State = 0x12
	launching     State = 0x23
	landing       State = 0x32
	reconfiguring State = 0x33
	starting      State = 0x34
	stopping      State = 0x43
	interrupting  State = 0x0E
)

var stateNames = map[State]string{
	NEW:           "NEW",
	initializing:  "initializing",
	INIT:          "INIT",
	launching:     "launching",
	ORBIT:         "ORBIT",
	landing:       "landing",
	reconfiguring: "reconfiguring",
	starting:      "starting",
	RUN:           "RUN",
	stopping:      "stopping",
	interrupting:  "interrupting",
	SAFE:          "SAFE",
	ERROR:         "ERROR",
	UNKNOWN:       "UNKNOWN",
	UNRESPONSIVE:  "UNRESPONSIVE",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(0x%02X)", uint8(s))
}

// IsSteady reports whether s is a resting state (low nibble zero) rather than
// a transitional one observed only while a transition is in flight.
func (s State) IsSteady() bool {
	return uint8(s)&0x0F == 0
}

// IsShutdownAllowed reports whether a satellite in state s may be shut down
// and destroyed. Only NEW, INIT, SAFE and ERROR qualify.
func (s State) IsShutdownAllowed() bool {
	switch s {
	case NEW, INIT, SAFE, ERROR:
		return true
	default:
		return false
	}
}
