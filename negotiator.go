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
	"fmt"
	"sync"

	"github.com/gammazero/deque"
	"github.com/pion/sdp/v3"
)

const (
	defaultMaxRestartAttempts   = 5
	defaultCandidateBufferLimit = 64
)

// NegotiatorOptions bounds restart retries and the pre-remote-description
// candidate buffer.
type NegotiatorOptions struct {
	MaxRestartAttempts   int
	CandidateBufferLimit int
}

func (o *NegotiatorOptions) applyDefaults() {
	if o.MaxRestartAttempts <= 0 {
		o.MaxRestartAttempts = defaultMaxRestartAttempts
	}
	if o.CandidateBufferLimit <= 0 {
		o.CandidateBufferLimit = defaultCandidateBufferLimit
	}
}

// Negotiator drives the media transport's offer/answer/candidate exchange
// for one call attempt and recovers it after connectivity loss. All methods
// are safe for concurrent use; negotiation restarts are mutually exclusive
// through a single in-progress flag.
type Negotiator struct {
	peer PeerSession
	opts NegotiatorOptions

	localIdentity string
	room          string

	// send publishes an outbound signal to the remote peer
	send func(*Signal) error

	mu             sync.Mutex
	remoteIdentity string
	sessionID      int64
	closed         bool
	dead           bool // connection failed or closed; candidates are discarded

	localOfferPending bool
	remoteDescSet     bool
	remoteCredential  string

	buffered       deque.Deque[Candidate]
	seenCandidates map[string]struct{}

	restartInProgress bool
	restartAttempts   int

	onConnectionState func(ConnectionState)
}

// NewNegotiator wires a negotiator to peer. remoteIdentity may be empty
// when accepting an incoming call before the queued offer is drained.
func NewNegotiator(peer PeerSession, localIdentity, room, remoteIdentity string, send func(*Signal) error, opts NegotiatorOptions) *Negotiator {
	opts.applyDefaults()
	n := &Negotiator{
		peer:           peer,
		opts:           opts,
		localIdentity:  localIdentity,
		room:           room,
		remoteIdentity: remoteIdentity,
		send:           send,
		seenCandidates: make(map[string]struct{}),
	}

	peer.OnLocalCandidate(func(c *Candidate) {
		if c.endOfGathering() {
			return
		}
		sig := n.newSignal(SignalCandidate)
		sig.Candidate = c
		if err := n.send(sig); err != nil {
			logger.Warnw("could not send local candidate", "error", err, "room", n.room)
		}
	})

	peer.OnConnectionStateChange(func(state ConnectionState) {
		n.mu.Lock()
		switch state {
		case ConnectionConnected:
			n.restartInProgress = false
			n.restartAttempts = 0
		case ConnectionFailed:
			n.restartInProgress = false
			n.dead = true
		case ConnectionClosed:
			n.dead = true
		case ConnectionDisconnected:
			// transient; restart scheduling is the session's call
		}
		if state == ConnectionConnected {
			n.dead = false
		}
		fn := n.onConnectionState
		n.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})

	return n
}

// OnConnectionState registers the observer for media connectivity changes.
func (n *Negotiator) OnConnectionState(fn func(ConnectionState)) {
	n.mu.Lock()
	n.onConnectionState = fn
	n.mu.Unlock()
}

// SetSessionID records the backend-assigned session identifier so outbound
// signals carry it.
func (n *Negotiator) SetSessionID(id int64) {
	n.mu.Lock()
	n.sessionID = id
	n.mu.Unlock()
}

func (n *Negotiator) RemoteIdentity() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remoteIdentity
}

// SendOffer creates a local offer (optionally with an ICE restart), applies
// it and sends it to the remote peer.
func (n *Negotiator) SendOffer(iceRestart bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sendOfferLocked(iceRestart)
}

func (n *Negotiator) sendOfferLocked(iceRestart bool) error {
	if n.closed {
		return ErrNegotiationClosed
	}
	offer, err := n.peer.CreateOffer(iceRestart)
	if err != nil {
		return err
	}
	n.localOfferPending = true
	sig := n.newSignal(SignalOffer)
	sig.SDP = &offer
	sig.Restart = iceRestart
	return n.send(sig)
}

// HandleSignal dispatches one routed signal to the matching handler.
// Hangups never reach the negotiator; the session handles them.
func (n *Negotiator) HandleSignal(sig *Signal) {
	var err error
	switch sig.Type {
	case SignalOffer:
		err = n.HandleOffer(sig)
	case SignalAnswer:
		err = n.HandleAnswer(sig)
	case SignalCandidate:
		err = n.HandleCandidate(sig)
	}
	if err != nil {
		logger.Warnw("signal handling failed", "error", err, "type", sig.Type, "room", sig.Room)
	}
}

// HandleOffer applies a remote offer and replies with an answer. On a
// simultaneous-offer collision the peer with the numerically lower
// identity keeps its own offer and ignores the incoming one; the other
// peer rolls back and accepts. Restart offers bypass the tie-break.
func (n *Negotiator) HandleOffer(sig *Signal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNegotiationClosed
	}

	if n.remoteIdentity == "" {
		n.remoteIdentity = sig.Sender
	}
	if sig.SessionID != 0 {
		n.sessionID = sig.SessionID
	}

	isRestart := sig.Restart || n.isRestartOfferLocked(sig.SDP)

	if n.localOfferPending && !isRestart {
		if identityWins(n.localIdentity, sig.Sender) {
			logger.Infow("offer collision, keeping local offer",
				"room", n.room, "local", n.localIdentity, "remote", sig.Sender)
			return nil
		}
		logger.Infow("offer collision, accepting remote offer",
			"room", n.room, "local", n.localIdentity, "remote", sig.Sender)
	}

	if err := n.peer.SetRemoteDescription(*sig.SDP); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	n.afterRemoteDescriptionLocked(sig.SDP)
	n.localOfferPending = false

	answer, err := n.peer.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	out := n.newSignal(SignalAnswer)
	out.SDP = &answer
	return n.send(out)
}

// HandleAnswer applies a remote answer to the pending local offer and
// drains any candidates buffered while the remote description was absent.
func (n *Negotiator) HandleAnswer(sig *Signal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNegotiationClosed
	}
	if !n.localOfferPending {
		logger.Debugw("dropping answer with no local offer pending", "room", n.room)
		return nil
	}
	if err := n.peer.SetRemoteDescription(*sig.SDP); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.localOfferPending = false
	n.afterRemoteDescriptionLocked(sig.SDP)
	return nil
}

// HandleCandidate applies one remote connectivity candidate. Candidates
// arriving before the remote description are buffered and replayed in
// arrival order once it is set; end-of-gathering markers and candidates on
// a dead connection are discarded.
func (n *Negotiator) HandleCandidate(sig *Signal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.dead {
		logger.Debugw("discarding candidate on dead connection", "room", n.room)
		return nil
	}
	c := sig.Candidate
	if c.endOfGathering() {
		return nil
	}
	key := c.signature()
	if _, dup := n.seenCandidates[key]; dup {
		return nil
	}
	n.seenCandidates[key] = struct{}{}

	if !n.remoteDescSet {
		if n.buffered.Len() >= n.opts.CandidateBufferLimit {
			n.buffered.PopFront()
		}
		n.buffered.PushBack(*c)
		return nil
	}
	return n.peer.AddCandidate(*c)
}

// RestartNegotiation re-runs the offer/answer exchange on the established
// session. A restart already in progress makes this a no-op; attempts are
// capped, after which ErrRestartAttemptsExceeded tells the caller to
// declare the call failed.
func (n *Negotiator) RestartNegotiation() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNegotiationClosed
	}
	if n.restartInProgress {
		return nil
	}
	if n.restartAttempts >= n.opts.MaxRestartAttempts {
		return ErrRestartAttemptsExceeded
	}
	n.restartAttempts++
	n.restartInProgress = true
	logger.Infow("restarting negotiation", "room", n.room, "attempt", n.restartAttempts)
	if err := n.sendOfferLocked(true); err != nil {
		n.restartInProgress = false
		return err
	}
	return nil
}

// ReplaceVideoTrack swaps the outbound video track without renegotiation.
func (n *Negotiator) ReplaceVideoTrack(track LocalTrack) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNegotiationClosed
	}
	peer := n.peer
	n.mu.Unlock()
	return peer.ReplaceVideoTrack(track)
}

// RestartsRemaining reports whether another restart attempt is allowed.
func (n *Negotiator) RestartsRemaining() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.restartAttempts < n.opts.MaxRestartAttempts
}

// Close tears down the underlying media session. Idempotent.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.dead = true
	n.mu.Unlock()
	if err := n.peer.Close(); err != nil {
		logger.Warnw("could not close peer session", "error", err, "room", n.room)
	}
}

func (n *Negotiator) newSignal(t SignalType) *Signal {
	sig := &Signal{
		Type:      t,
		Room:      n.room,
		Sender:    n.localIdentity,
		SessionID: n.sessionID,
	}
	sig.stamp()
	return sig
}

func (n *Negotiator) afterRemoteDescriptionLocked(desc *SessionDescription) {
	n.remoteDescSet = true
	if cred, err := iceCredential(desc); err == nil {
		n.remoteCredential = cred
	}
	for n.buffered.Len() > 0 {
		c := n.buffered.PopFront()
		if err := n.peer.AddCandidate(c); err != nil {
			logger.Warnw("could not apply buffered candidate", "error", err, "room", n.room)
		}
	}
}

// isRestartOfferLocked detects a remote ICE restart that was not flagged
// explicitly: the offer's ICE credential differs from the one the current
// remote description carried.
func (n *Negotiator) isRestartOfferLocked(desc *SessionDescription) bool {
	if n.remoteCredential == "" {
		return false
	}
	cred, err := iceCredential(desc)
	if err != nil {
		return false
	}
	return cred != n.remoteCredential
}

// iceCredential extracts "ufrag:pwd" from a session description, checking
// session-level then media-level attributes.
func iceCredential(desc *SessionDescription) (string, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.UnmarshalString(desc.SDP); err != nil {
		return "", err
	}
	credentialFrom := func(attrs []sdp.Attribute) (string, bool) {
		var ufrag, pwd string
		for _, a := range attrs {
			switch a.Key {
			case "ice-ufrag":
				ufrag = a.Value
			case "ice-pwd":
				pwd = a.Value
			}
		}
		return fmt.Sprintf("%s:%s", ufrag, pwd), ufrag != "" && pwd != ""
	}
	if cred, ok := credentialFrom(parsed.Attributes); ok {
		return cred, nil
	}
	for _, m := range parsed.MediaDescriptions {
		if cred, ok := credentialFrom(m.Attributes); ok {
			return cred, nil
		}
	}
	return "", fmt.Errorf("no ICE credential in description")
}
