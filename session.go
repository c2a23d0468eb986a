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

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/sync/semaphore"
)

// SessionState is the call lifecycle state exposed to the UI layer.
type SessionState string

const (
	StateIdle         SessionState = "idle"
	StateInitiating   SessionState = "initiating"
	StateRinging      SessionState = "ringing"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateReconnecting SessionState = "reconnecting"
	StateEnded        SessionState = "ended"
	StateFailed       SessionState = "failed"
)

// session timer slots; every path reaching a terminal or recovered state
// clears the slots it supersedes so a stale timer can never fire against a
// newer session
const (
	timerRinging           = "ringing"
	timerConnecting        = "connecting"
	timerReconnectGrace    = "reconnect-grace"
	timerReconnectDeadline = "reconnect-deadline"
	timerMaxDuration       = "max-duration"
)

// CallSession is one call attempt end-to-end. At most one exists per
// engine; it is created when the user initiates a call or an incoming
// offer is accepted for processing, and dropped after a grace delay once
// the machine reaches a terminal state.
type CallSession struct {
	Room           string
	SessionID      int64
	Kind           CallKind
	Direction      Direction
	RemoteIdentity string
	RemoteName     string

	machine   *fsm.FSM
	startedAt time.Time
	endReason EndReason

	// single-owner teardown guard: whoever wins the acquire runs the
	// one and only teardown; never released
	endGuard *semaphore.Weighted

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

func newCallSession(direction Direction, kind CallKind, remoteIdentity, remoteName string) *CallSession {
	initial := string(StateInitiating)
	if direction == DirectionIncoming {
		initial = string(StateRinging)
	}
	s := &CallSession{
		Kind:           kind,
		Direction:      direction,
		RemoteIdentity: remoteIdentity,
		RemoteName:     remoteName,
		endGuard:       semaphore.NewWeighted(1),
		timers:         make(map[string]*time.Timer),
	}
	s.machine = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: "admit", Src: []string{string(StateInitiating)}, Dst: string(StateRinging)},
			{Name: "negotiate", Src: []string{string(StateRinging)}, Dst: string(StateConnecting)},
			{Name: "establish", Src: []string{string(StateConnecting), string(StateReconnecting)}, Dst: string(StateConnected)},
			{Name: "interrupt", Src: []string{string(StateConnected)}, Dst: string(StateReconnecting)},
			{Name: "finish", Src: []string{
				string(StateInitiating), string(StateRinging), string(StateConnecting),
				string(StateConnected), string(StateReconnecting),
			}, Dst: string(StateEnded)},
			{Name: "abort", Src: []string{
				string(StateInitiating), string(StateRinging), string(StateConnecting),
				string(StateConnected), string(StateReconnecting),
			}, Dst: string(StateFailed)},
		},
		fsm.Callbacks{},
	)
	return s
}

func (s *CallSession) State() SessionState {
	return SessionState(s.machine.Current())
}

func (s *CallSession) Terminal() bool {
	st := s.State()
	return st == StateEnded || st == StateFailed
}

// Duration is the accumulated connected time; zero before negotiation
// completes.
func (s *CallSession) Duration() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

func (s *CallSession) Info() *CallInfo {
	return &CallInfo{
		Room:           s.Room,
		SessionID:      s.SessionID,
		Kind:           s.Kind,
		Direction:      s.Direction,
		RemoteIdentity: s.RemoteIdentity,
		RemoteName:     s.RemoteName,
		State:          s.State(),
		StartedAt:      s.startedAt,
		Duration:       s.Duration(),
	}
}

func (s *CallSession) transition(event string) error {
	return s.machine.Event(context.Background(), event)
}

// armTimer schedules fn under name, replacing any previous timer in that
// slot.
func (s *CallSession) armTimer(name string, d time.Duration, fn func()) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
	}
	s.timers[name] = time.AfterFunc(d, fn)
}

func (s *CallSession) stopTimer(name string) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
}

func (s *CallSession) stopAllTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
}
