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

import (
	"fmt"
	"strings"
)

// CMDPKind distinguishes the two CMDP topic families: log records and
// metric samples.
type CMDPKind uint8

const (
	CMDPLog CMDPKind = iota
	CMDPStat
)

// LogLevel mirrors the spdlog-style severities the original logger emits,
// used to build and parse "LOG/<LEVEL>[/<TOPIC>]" subscription topics.
type LogLevel uint8

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARNING
	STATUS
	CRITICAL
	OFF
)

var logLevelNames = map[LogLevel]string{
	TRACE:    "TRACE",
	DEBUG:    "DEBUG",
	INFO:     "INFO",
	WARNING:  "WARNING",
	STATUS:   "STATUS",
	CRITICAL: "CRITICAL",
	OFF:      "OFF",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LogLevel(%d)", uint8(l))
}

// CMDPMessage is a monitoring-channel record: a topic frame (the
// subscription key), the common header, and an opaque payload (the log line
// or the msgpack-encoded metric value).
type CMDPMessage struct {
	Topic   string
	Header  Header
	Payload []byte
}

// NewLogMessage builds a "LOG/<LEVEL>/<TOPIC>" record. topic may be empty,
// in which case the topic frame is just "LOG/<LEVEL>".
func NewLogMessage(sender string, level LogLevel, topic string, payload []byte) CMDPMessage {
	t := "LOG/" + level.String()
	if topic != "" {
		t += "/" + strings.ToUpper(topic)
	}
	return CMDPMessage{Topic: t, Header: NewHeader(CMDP1, sender), Payload: payload}
}

// NewStatMessage builds a "STAT/<METRIC>" record.
func NewStatMessage(sender string, metric string, payload []byte) CMDPMessage {
	return CMDPMessage{Topic: "STAT/" + strings.ToUpper(metric), Header: NewHeader(CMDP1, sender), Payload: payload}
}

// Kind classifies the message by its topic prefix.
func (m CMDPMessage) Kind() (CMDPKind, bool) {
	switch {
	case strings.HasPrefix(m.Topic, "LOG/"):
		return CMDPLog, true
	case strings.HasPrefix(m.Topic, "STAT/"):
		return CMDPStat, true
	default:
		return 0, false
	}
}

// Assemble frames the message as topic, header, payload.
func (m CMDPMessage) Assemble() ([]Frame, error) {
	headerFrame, err := m.Header.encode()
	if err != nil {
		return nil, err
	}
	return []Frame{[]byte(m.Topic), headerFrame, m.Payload}, nil
}

// DisassembleCMDP parses frames produced by Assemble.
func DisassembleCMDP(frames []Frame) (CMDPMessage, error) {
	if len(frames) != 3 {
		return CMDPMessage{}, &IncorrectFrameCountError{Got: len(frames), Want: 3}
	}

	header, err := decodeHeader(CMDP1, frames[1])
	if err != nil {
		return CMDPMessage{}, err
	}

	return CMDPMessage{Topic: string(frames[0]), Header: header, Payload: frames[2]}, nil
}
