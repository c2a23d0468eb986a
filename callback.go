// Copyright 2025 Pairly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package callkit

import "time"

// CallInfo is an immutable snapshot of the active call handed to
// callbacks.
type CallInfo struct {
	Room           string
	SessionID      int64
	Kind           CallKind
	Direction      Direction
	RemoteIdentity string
	RemoteName     string
	State          SessionState
	StartedAt      time.Time
	Duration       time.Duration
}

// CallCallback receives engine notifications. All fields are optional;
// NewCallCallback fills no-op defaults so partial handlers stay safe.
// Subscribe any number of them; each Subscribe returns its own
// unsubscribe handle.
type CallCallback struct {
	OnStateChanged   func(state SessionState, info *CallInfo)
	OnIncoming       func(info *CallInfo)
	OnEnded          func(reason EndReason, info *CallInfo)
	OnError          func(reason string, err error)
	OnLocalStream    func(stream LocalStream)
	OnRemoteTrack    func(track RemoteTrack)
	OnTransportState func(state TransportState)
}

func NewCallCallback() *CallCallback {
	return &CallCallback{
		OnStateChanged:   func(state SessionState, info *CallInfo) {},
		OnIncoming:       func(info *CallInfo) {},
		OnEnded:          func(reason EndReason, info *CallInfo) {},
		OnError:          func(reason string, err error) {},
		OnLocalStream:    func(stream LocalStream) {},
		OnRemoteTrack:    func(track RemoteTrack) {},
		OnTransportState: func(state TransportState) {},
	}
}

// fill replaces nil fields with no-ops so emit paths never nil-check.
func (c *CallCallback) fill() {
	d := NewCallCallback()
	if c.OnStateChanged == nil {
		c.OnStateChanged = d.OnStateChanged
	}
	if c.OnIncoming == nil {
		c.OnIncoming = d.OnIncoming
	}
	if c.OnEnded == nil {
		c.OnEnded = d.OnEnded
	}
	if c.OnError == nil {
		c.OnError = d.OnError
	}
	if c.OnLocalStream == nil {
		c.OnLocalStream = d.OnLocalStream
	}
	if c.OnRemoteTrack == nil {
		c.OnRemoteTrack = d.OnRemoteTrack
	}
	if c.OnTransportState == nil {
		c.OnTransportState = d.OnTransportState
	}
}
