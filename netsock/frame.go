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

// Package netsock hand-rolls the multi-frame pub/sub and req/rep sockets
// the fabric runs on, modeling a small subset of ZeroMQ's PUB/SUB and
// REQ/REP socket types over length-framed TCP connections. No pack example
// carries a maintained Go ZeroMQ binding, so this substrate is a deliberate
// stdlib-only layer rather than a fabricated dependency (see DESIGN.md).
package netsock

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single frame's length field against a corrupt or
// hostile peer claiming an enormous size.
const maxFrameBytes = 64 << 20

// writeFrames writes a multipart message as a frame-count header followed
// by length-prefixed frames, each length and the count itself encoded as a
// big-endian uint32.
func writeFrames(w io.Writer, frames [][]byte) error {
	bw := bufio.NewWriter(w)
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(frames)))
	if _, err := bw.Write(countBuf[:]); err != nil {
		return fmt.Errorf("netsock: write frame count: %w", err)
	}
	for _, f := range frames {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("netsock: write frame length: %w", err)
		}
		if _, err := bw.Write(f); err != nil {
			return fmt.Errorf("netsock: write frame body: %w", err)
		}
	}
	return bw.Flush()
}

// readFrames reads one multipart message written by writeFrames.
func readFrames(r io.Reader) ([][]byte, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	if count == 0 {
		return nil, fmt.Errorf("netsock: message has zero frames")
	}

	frames := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxFrameBytes {
			return nil, fmt.Errorf("netsock: frame of %d bytes exceeds limit", n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		frames = append(frames, buf)
	}
	return frames, nil
}
