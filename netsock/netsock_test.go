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

package netsock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPubSubPrefixMatch(t *testing.T) {
	pub, port, err := BindPub()
	require.NoError(t, err)
	defer pub.Close()

	sub, err := DialSub(fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer sub.Close()
	sub.Subscribe("LOG/")

	// Give the publisher's accept loop a moment to register the new conn.
	time.Sleep(50 * time.Millisecond)

	pub.Publish([][]byte{[]byte("STAT/CPU"), []byte("ignored")})
	pub.Publish([][]byte{[]byte("LOG/WARNING"), []byte("hello")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frames, err := sub.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "LOG/WARNING", string(frames[0]))
	require.Equal(t, "hello", string(frames[1]))
}

func TestPubSubEmptyPrefixMatchesAll(t *testing.T) {
	pub, port, err := BindPub()
	require.NoError(t, err)
	defer pub.Close()

	sub, err := DialSub(fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer sub.Close()
	sub.Subscribe("")

	time.Sleep(50 * time.Millisecond)
	pub.Publish([][]byte{[]byte("anything"), []byte("payload")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frames, err := sub.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "payload", string(frames[1]))
}

func TestReqRepRoundTrip(t *testing.T) {
	rep, port, err := BindRep(100 * time.Millisecond)
	require.NoError(t, err)
	defer rep.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep.Serve(ctx, func(frames [][]byte) ([][]byte, error) {
		return [][]byte{[]byte("reply to " + string(frames[0]))}, nil
	})

	req, err := DialReq(fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer req.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()
	reply, err := req.Request(reqCtx, [][]byte{[]byte("get_state")})
	require.NoError(t, err)
	require.Equal(t, "reply to get_state", string(reply[0]))
}
