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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/constellation-daq/constellation/message"
)

type fakeSatellite struct {
	name             string
	supportsReconfig bool
	initializeErr    error
	startErr         error
	gotRunNumber     uint32
	// blockInitialize, if set, makes Initialize block until ctx is
	// canceled and return ctx.Err(), for exercising transition cancellation.
	blockInitialize bool
}

func (f *fakeSatellite) Name() string                 { return f.name }
func (f *fakeSatellite) SupportsReconfigure() bool     { return f.supportsReconfig }
func (f *fakeSatellite) Commands() map[string]Command  { return nil }
func (f *fakeSatellite) Initialize(ctx context.Context, config map[string]any) error {
	if f.blockInitialize {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.initializeErr
}
func (f *fakeSatellite) Launch(ctx context.Context) error { return nil }
func (f *fakeSatellite) Land(ctx context.Context) error   { return nil }
func (f *fakeSatellite) Reconfigure(ctx context.Context, config map[string]any) error {
	return nil
}
func (f *fakeSatellite) Start(ctx context.Context, runNumber uint32) error {
	f.gotRunNumber = runNumber
	return f.startErr
}
func (f *fakeSatellite) Stop(ctx context.Context) error { return nil }

func waitForState(t *testing.T, fsm *FSM, want message.State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if fsm.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, want, fsm.State())
}

func TestFSMFullLifecycle(t *testing.T) {
	sat := &fakeSatellite{name: "test.one"}
	fsm := NewFSM(sat)
	require.Equal(t, message.NEW, fsm.State())

	transient, err := fsm.Initialize(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, message.State(0x12), transient)
	waitForState(t, fsm, message.INIT)

	_, err = fsm.Launch(context.Background())
	require.NoError(t, err)
	waitForState(t, fsm, message.ORBIT)

	_, err = fsm.Start(context.Background(), 42)
	require.NoError(t, err)
	waitForState(t, fsm, message.RUN)
	require.Equal(t, uint32(42), sat.gotRunNumber)

	_, err = fsm.Stop(context.Background())
	require.NoError(t, err)
	waitForState(t, fsm, message.ORBIT)

	_, err = fsm.Land(context.Background())
	require.NoError(t, err)
	waitForState(t, fsm, message.INIT)
}

func TestFSMInvalidTransition(t *testing.T) {
	sat := &fakeSatellite{name: "test.one"}
	fsm := NewFSM(sat)

	_, err := fsm.Launch(context.Background())
	require.Error(t, err)
	var target *ErrInvalidTransition
	require.ErrorAs(t, err, &target)
}

func TestFSMReconfigureGated(t *testing.T) {
	sat := &fakeSatellite{name: "test.one", supportsReconfig: false}
	fsm := NewFSM(sat)
	fsm.state = message.ORBIT

	_, err := fsm.Reconfigure(context.Background(), nil)
	require.Error(t, err)
}

func TestFSMFailureTransitionsToError(t *testing.T) {
	sat := &fakeSatellite{name: "test.one", initializeErr: errors.New("boom")}
	fsm := NewFSM(sat)

	_, err := fsm.Initialize(context.Background(), nil)
	require.NoError(t, err)
	waitForState(t, fsm, message.ERROR)
	require.Equal(t, "boom", fsm.Status())
}

func TestFSMShutdownEligibility(t *testing.T) {
	sat := &fakeSatellite{name: "test.one"}
	fsm := NewFSM(sat)
	require.True(t, fsm.ShutdownAllowed())

	fsm.state = message.ORBIT
	require.False(t, fsm.ShutdownAllowed())

	fsm.state = message.SAFE
	require.True(t, fsm.ShutdownAllowed())
}

func TestFSMCancelTransition(t *testing.T) {
	sat := &fakeSatellite{name: "test.one", blockInitialize: true}
	fsm := NewFSM(sat)

	transient, err := fsm.Initialize(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, stateInitializing, transient)
	require.Equal(t, stateInitializing, fsm.State())

	fsm.CancelTransition()

	waitForState(t, fsm, message.ERROR)
	require.Equal(t, context.Canceled.Error(), fsm.Status())
}

func TestFSMInterruptFromOrbit(t *testing.T) {
	sat := &fakeSatellite{name: "test.one"}
	fsm := NewFSM(sat)
	fsm.state = message.ORBIT

	fsm.Interrupt("peer reports state ERROR")
	require.Equal(t, message.SAFE, fsm.State())
}
