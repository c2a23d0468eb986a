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
	"errors"
	"fmt"
	"strconv"
	"time"
)

// SignalType identifies one of the logical signaling messages exchanged
// between two peers over the message transport.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
	SignalHangup    SignalType = "hangup"
	SignalError     SignalType = "error"
)

// CallKind distinguishes voice-only from video calls.
type CallKind string

const (
	KindVoice CallKind = "voice"
	KindVideo CallKind = "video"
)

// Direction indicates whether the local client initiated the call.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// EndReason is the typed, user-presentable explanation for why a call
// session terminated. Expected operational outcomes are modeled as reasons,
// never as errors.
type EndReason string

const (
	ReasonHangup           EndReason = "hangup"
	ReasonRemoteEnded      EndReason = "remote-ended"
	ReasonDeclined         EndReason = "declined"
	ReasonBusy             EndReason = "busy"
	ReasonTimeout          EndReason = "timeout"
	ReasonCancelled        EndReason = "cancelled"
	ReasonConnectionFailed EndReason = "connection-failed"
	ReasonMediaFailed      EndReason = "media-failed"
	ReasonMaxDuration      EndReason = "max-duration"
)

// SessionDescription is the negotiated capability set exchanged between
// peers (offer/answer). The SDP body is opaque to the router; only the
// negotiation coordinator interprets it.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a single reachable network path proposed by one peer,
// exchanged incrementally during negotiation. A candidate missing both
// SDPMid and SDPMLineIndex cannot be associated with a media section and
// is structurally invalid.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// signature identifies a candidate for deduplication: payload plus media
// line index, matching how duplicates look when redelivered on two
// transport paths.
func (c *Candidate) signature() string {
	idx := "-"
	if c.SDPMLineIndex != nil {
		idx = strconv.Itoa(int(*c.SDPMLineIndex))
	}
	return c.Candidate + "|" + idx
}

// endOfGathering reports whether this candidate is a null/end-of-gathering
// marker rather than a usable path.
func (c *Candidate) endOfGathering() bool {
	return c == nil || c.Candidate == ""
}

// Signal is one signaling message. Signals are transient value objects:
// the router owns them for deduplication and queuing, then hands them by
// reference to the negotiation coordinator.
type Signal struct {
	Type       SignalType          `json:"type"`
	Room       string              `json:"room"`
	Sender     string              `json:"sender"`
	SenderName string              `json:"senderName,omitempty"`
	SessionID  int64               `json:"sessionId,omitempty"`
	Kind       CallKind            `json:"kind,omitempty"`
	SDP        *SessionDescription `json:"sdp,omitempty"`
	Candidate  *Candidate          `json:"candidate,omitempty"`
	Reason     EndReason           `json:"reason,omitempty"`
	Restart    bool                `json:"restart,omitempty"`
	Timestamp  int64               `json:"ts,omitempty"`
}

var (
	errSignalNoType        = errors.New("signal has no type")
	errSignalNoRoom        = errors.New("signal has no room")
	errSignalNoDescription = errors.New("offer/answer signal has no session description")
	errSignalBadCandidate  = errors.New("candidate signal has no identifying fields")
)

// Validate checks the structural invariants every signal must satisfy
// before it may be routed.
func (s *Signal) Validate() error {
	if s.Type == "" {
		return errSignalNoType
	}
	if s.Room == "" {
		return errSignalNoRoom
	}
	switch s.Type {
	case SignalOffer, SignalAnswer:
		if s.SDP == nil || s.SDP.Type == "" || s.SDP.SDP == "" {
			return errSignalNoDescription
		}
	case SignalCandidate:
		if s.Candidate == nil {
			return errSignalBadCandidate
		}
		if !s.Candidate.endOfGathering() &&
			s.Candidate.SDPMid == nil && s.Candidate.SDPMLineIndex == nil {
			return errSignalBadCandidate
		}
	}
	return nil
}

// dedupKey is the redelivery identity of a non-candidate signal. Two
// deliveries of the same logical event carry identical identifying fields
// even when they arrive via different transport paths.
func (s *Signal) dedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%d", s.Type, s.Room, s.Sender, s.Timestamp)
}

func (s *Signal) stamp() {
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().UnixMilli()
	}
}

// identityWins resolves a simultaneous-offer collision: the peer with the
// numerically lower identity keeps its own offer. Identities that do not
// parse as integers fall back to lexicographic order so the rule stays
// total.
func identityWins(local, remote string) bool {
	li, lerr := strconv.ParseInt(local, 10, 64)
	ri, rerr := strconv.ParseInt(remote, 10, 64)
	if lerr == nil && rerr == nil {
		return li < ri
	}
	return local < remote
}
