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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"go.uber.org/atomic"
)

const (
	signalDestPrefix    = "call-signals/"
	signalBroadcastDest = "call-signals/all"
	eventQueueSize      = 256
)

func signalDest(identity string) string {
	return signalDestPrefix + identity
}

// teardownMode controls which outbound notifications a teardown issues.
type teardownMode struct {
	sendHangup    bool
	notifyBackend bool
}

// CallEngine is the single authority for the call lifecycle. All session
// mutations, routed signals, timer firings and user actions are serialized
// through one mutex, so no two state transitions interleave.
type CallEngine struct {
	opts EngineOptions

	router    *SignalRouter
	transport *ReliableTransport
	backend   Backend
	media     *MediaController
	newPeer   PeerSessionFactory

	mu      sync.Mutex
	session *CallSession
	neg     *Negotiator

	// double-press guards: Initiate and AcceptIncoming each run their
	// suspending phase (backend, media) at most once at a time
	initiating atomic.Bool
	accepting  atomic.Bool

	// lock-free mirror of the active session for the router's stale
	// filter (avoids lock-order inversion between router and engine)
	activeRoom atomic.String
	activeID   atomic.Int64
	active     atomic.Bool

	cbMu      sync.Mutex
	callbacks map[int]*CallCallback
	nextCBID  int
	events    chan func()

	closed core.Fuse
}

// NewCallEngine constructs an engine. Call Start before placing calls.
func NewCallEngine(opts EngineOptions) (*CallEngine, error) {
	if opts.Identity == "" {
		return nil, errors.New("identity is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("signal transport is required")
	}
	if opts.MediaProvider == nil {
		return nil, errors.New("media provider is required")
	}
	opts.applyDefaults()

	e := &CallEngine{
		opts:      opts,
		router:    NewSignalRouter(opts.Router),
		transport: NewReliableTransport(opts.Transport, opts.Reliability),
		media:     NewMediaController(opts.MediaProvider, opts.Media),
		newPeer:   opts.PeerFactory,
		callbacks: make(map[int]*CallCallback),
		events:    make(chan func(), eventQueueSize),
	}
	if e.newPeer == nil {
		e.newPeer = NewPCTransportFactory(opts.ICEServers)
	}

	if opts.Backend != nil {
		e.backend = opts.Backend
	} else {
		backend, err := NewTransportBackend(e.transport, opts.Identity)
		if err != nil {
			return nil, err
		}
		e.backend = backend
	}

	e.router.SetActiveSessionFunc(func() (string, int64, bool) {
		return e.activeRoom.Load(), e.activeID.Load(), e.active.Load()
	})
	e.router.SetUnclaimedOfferHook(e.handleUnclaimedOffer)
	e.router.SetUnclaimedHangupHook(e.handleRemoteHangup)

	e.media.OnLocalStream(func(stream LocalStream) {
		e.emit(func(cb *CallCallback) { cb.OnLocalStream(stream) })
	})

	e.transport.OnState(func(state TransportState) {
		e.emit(func(cb *CallCallback) { cb.OnTransportState(state) })
	})

	go e.dispatchEvents()
	return e, nil
}

// Start connects the signaling transport and subscribes the signal
// destinations. The direct and broadcast channels may both carry the same
// logical event; the router's dedup makes that harmless.
func (e *CallEngine) Start(ctx context.Context) error {
	if err := e.transport.Start(ctx, e.opts.Identity); err != nil {
		return err
	}
	if err := e.transport.Subscribe(signalDest(e.opts.Identity), e.handleSignalPayload); err != nil {
		return err
	}
	return e.transport.Subscribe(signalBroadcastDest, e.handleSignalPayload)
}

// Close tears down the active call, the transport and the event
// dispatcher.
func (e *CallEngine) Close() {
	e.closed.Once(func() {
		e.mu.Lock()
		if s := e.session; s != nil {
			e.endSessionLocked(s, ReasonCancelled, teardownMode{sendHangup: true, notifyBackend: true})
			e.session = nil
			e.clearActiveMeta()
		}
		e.mu.Unlock()
		e.transport.Close()
	})
}

// Subscribe registers cb for engine notifications and returns the
// unsubscribe handle.
func (e *CallEngine) Subscribe(cb *CallCallback) func() {
	cb.fill()
	e.cbMu.Lock()
	id := e.nextCBID
	e.nextCBID++
	e.callbacks[id] = cb
	e.cbMu.Unlock()
	return func() {
		e.cbMu.Lock()
		delete(e.callbacks, id)
		e.cbMu.Unlock()
	}
}

// State reports the current session state; idle when no session exists.
func (e *CallEngine) State() SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return StateIdle
	}
	return e.session.State()
}

// CurrentCall snapshots the active call, nil when idle.
func (e *CallEngine) CurrentCall() *CallInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	return e.session.Info()
}

// Initiate places an outgoing call: backend admission, local media,
// offer, ringing timeout. A busy rejection is an expected outcome routed
// through OnEnded, not an error.
func (e *CallEngine) Initiate(ctx context.Context, remoteIdentity, remoteName string, kind CallKind) error {
	if e.closed.IsBroken() {
		return ErrEngineClosed
	}
	if remoteIdentity == e.opts.Identity {
		return ErrSelfCall
	}
	if !e.initiating.CompareAndSwap(false, true) {
		return ErrDuplicateInitiation
	}
	defer e.initiating.Store(false)

	e.mu.Lock()
	if e.session != nil {
		e.mu.Unlock()
		return ErrAlreadyInCall
	}
	s := newCallSession(DirectionOutgoing, kind, remoteIdentity, remoteName)
	e.session = s
	e.active.Store(true)
	e.mu.Unlock()
	e.emitState(s)

	res, err := e.backend.Admit(ctx, remoteIdentity, kind)

	e.mu.Lock()
	if e.session != s {
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		e.endSessionLocked(s, ReasonConnectionFailed, teardownMode{})
		e.mu.Unlock()
		e.emitError("call-admission", err)
		return fmt.Errorf("call admission: %w", err)
	}
	if res.Busy {
		e.endSessionLocked(s, ReasonBusy, teardownMode{})
		e.mu.Unlock()
		return nil
	}
	s.Room = res.Room
	s.SessionID = res.SessionID
	e.activeRoom.Store(s.Room)
	e.activeID.Store(s.SessionID)
	e.mu.Unlock()

	stream, err := e.media.Acquire(ctx, kind == KindVideo)
	if err != nil {
		e.mu.Lock()
		if e.session == s {
			e.endSessionLocked(s, ReasonMediaFailed, teardownMode{sendHangup: true, notifyBackend: true})
		}
		e.mu.Unlock()
		e.emitError("media-access", err)
		return err
	}

	e.mu.Lock()
	if e.session != s {
		e.mu.Unlock()
		e.media.Release()
		return nil
	}
	if err := e.attachNegotiatorLocked(s, stream); err != nil {
		e.endSessionLocked(s, ReasonConnectionFailed, teardownMode{notifyBackend: true})
		e.mu.Unlock()
		e.emitError("peer-setup", err)
		return err
	}
	neg := e.neg
	e.mu.Unlock()

	// consumer registration happens outside the engine lock: the flush
	// of queued signals re-enters the engine
	e.router.RegisterConsumer(e.handleRoutedSignal)

	e.mu.Lock()
	if e.session != s {
		e.mu.Unlock()
		return nil
	}
	if err := neg.SendOffer(false); err != nil {
		e.endSessionLocked(s, ReasonConnectionFailed, teardownMode{notifyBackend: true})
		e.mu.Unlock()
		e.emitError("send-offer", err)
		return err
	}
	if err := s.transition("admit"); err != nil {
		logger.Warnw("unexpected session transition", "error", err, "room", s.Room)
	}
	e.armRingingTimeoutLocked(s)
	e.mu.Unlock()
	e.emitState(s)
	return nil
}

// NotifyIncoming seeds an incoming session from a push notification
// before (or instead of) the offer arriving on the signaling channel.
// The native call-UI bridge uses this to show the platform call screen.
func (e *CallEngine) NotifyIncoming(room, callerIdentity, callerName string, kind CallKind, sessionID int64) error {
	if e.closed.IsBroken() {
		return ErrEngineClosed
	}
	e.mu.Lock()
	if s := e.session; s != nil {
		e.mu.Unlock()
		if s.Room != room {
			return ErrAlreadyInCall
		}
		return nil
	}
	e.beginIncomingLocked(room, callerIdentity, callerName, kind, sessionID)
	e.mu.Unlock()
	return nil
}

// AcceptIncoming answers the ringing incoming call: backend accept, local
// media, then the pending queue (offer, early candidates) drains into the
// handshake.
func (e *CallEngine) AcceptIncoming(ctx context.Context, room string) error {
	if e.closed.IsBroken() {
		return ErrEngineClosed
	}
	// the in-app UI and the native call screen can both answer the same
	// ring; the loser of this race is a no-op
	if !e.accepting.CompareAndSwap(false, true) {
		logger.Debugw("accept already in progress", "room", room)
		return nil
	}
	defer e.accepting.Store(false)

	e.mu.Lock()
	s := e.session
	if s == nil || s.Direction != DirectionIncoming || s.State() != StateRinging {
		e.mu.Unlock()
		return ErrNoIncomingCall
	}
	if s.Room != room {
		e.mu.Unlock()
		return ErrRoomMismatch
	}
	e.mu.Unlock()

	if err := e.backend.Accept(ctx, room); err != nil {
		e.mu.Lock()
		if e.session == s {
			e.endSessionLocked(s, ReasonConnectionFailed, teardownMode{sendHangup: true})
		}
		e.mu.Unlock()
		e.emitError("call-accept", err)
		return err
	}

	stream, err := e.media.Acquire(ctx, s.Kind == KindVideo)
	if err != nil {
		e.mu.Lock()
		if e.session == s {
			e.endSessionLocked(s, ReasonMediaFailed, teardownMode{sendHangup: true, notifyBackend: true})
		}
		e.mu.Unlock()
		e.emitError("media-access", err)
		return err
	}

	e.mu.Lock()
	if e.session != s || s.State() != StateRinging {
		e.mu.Unlock()
		e.media.Release()
		return nil
	}
	if err := e.attachNegotiatorLocked(s, stream); err != nil {
		e.endSessionLocked(s, ReasonConnectionFailed, teardownMode{sendHangup: true, notifyBackend: true})
		e.mu.Unlock()
		e.emitError("peer-setup", err)
		return err
	}
	s.stopTimer(timerRinging)
	if err := s.transition("negotiate"); err != nil {
		logger.Warnw("unexpected session transition", "error", err, "room", s.Room)
	}
	e.armConnectingTimeoutLocked(s)
	e.mu.Unlock()
	e.emitState(s)

	// flushes the queued offer into the negotiator, which answers it
	e.router.RegisterConsumer(e.handleRoutedSignal)
	return nil
}

// DeclineIncoming rejects the ringing incoming call.
func (e *CallEngine) DeclineIncoming(ctx context.Context) error {
	e.mu.Lock()
	s := e.session
	if s == nil || s.Direction != DirectionIncoming || s.State() != StateRinging {
		e.mu.Unlock()
		return ErrNoIncomingCall
	}
	room := s.Room
	e.endSessionLocked(s, ReasonDeclined, teardownMode{sendHangup: true})
	e.mu.Unlock()

	if err := e.backend.Decline(ctx, room); err != nil {
		logger.Warnw("could not notify backend of decline", "error", err, "room", room)
	}
	return nil
}

// EndCall hangs up the active call. Idempotent under concurrent
// invocation: the outbound hangup and backend notification are sent at
// most once.
func (e *CallEngine) EndCall() {
	e.mu.Lock()
	if s := e.session; s != nil {
		e.endSessionLocked(s, ReasonHangup, teardownMode{sendHangup: true, notifyBackend: true})
	}
	e.mu.Unlock()
}

// ToggleAudio flips the microphone; returns the new enabled state.
func (e *CallEngine) ToggleAudio() bool {
	return e.media.SetAudioEnabled(!e.media.AudioEnabled())
}

// ToggleVideo flips the camera; returns the new enabled state.
func (e *CallEngine) ToggleVideo() bool {
	return e.media.SetVideoEnabled(!e.media.VideoEnabled())
}

// ToggleSpeaker flips the audio output route.
func (e *CallEngine) ToggleSpeaker() (bool, error) {
	return e.media.ToggleSpeaker()
}

// SwitchCamera swaps the capture camera mid-call. Rapid repeat calls are
// no-ops; on failure the previous camera stays active.
func (e *CallEngine) SwitchCamera(ctx context.Context) error {
	e.mu.Lock()
	neg := e.neg
	e.mu.Unlock()
	if neg == nil {
		return ErrNoActiveCall
	}
	err := e.media.SwitchCamera(ctx, neg.ReplaceVideoTrack)
	if err != nil {
		e.emitError("camera-switch", err)
	}
	return err
}

func (e *CallEngine) Router() *SignalRouter { return e.router }

// ----- internal -----

// attachNegotiatorLocked creates the peer session and negotiator for s
// and wires their callbacks. Caller holds e.mu.
func (e *CallEngine) attachNegotiatorLocked(s *CallSession, stream LocalStream) error {
	peer, err := e.newPeer(s.Kind)
	if err != nil {
		return err
	}
	neg := NewNegotiator(peer, e.opts.Identity, s.Room, s.RemoteIdentity, e.signalSender(s), e.opts.Negotiator)
	neg.SetSessionID(s.SessionID)
	neg.OnConnectionState(func(state ConnectionState) {
		e.handleConnectionState(s, state)
	})
	peer.OnRemoteTrack(func(track RemoteTrack) {
		e.emit(func(cb *CallCallback) { cb.OnRemoteTrack(track) })
	})
	if err := peer.AddLocalStream(stream); err != nil {
		neg.Close()
		return err
	}
	e.neg = neg
	return nil
}

// signalSender publishes outbound signals for s to the remote party's
// direct destination.
func (e *CallEngine) signalSender(s *CallSession) func(*Signal) error {
	return func(sig *Signal) error {
		sig.SenderName = e.opts.DisplayName
		if sig.Type == SignalOffer {
			sig.Kind = s.Kind
		}
		if s.RemoteIdentity == "" {
			return fmt.Errorf("no remote identity for room %s", s.Room)
		}
		return e.transport.Publish(signalDest(s.RemoteIdentity), sig)
	}
}

func (e *CallEngine) handleSignalPayload(payload []byte) {
	sig := &Signal{}
	if err := json.Unmarshal(payload, sig); err != nil {
		logger.Debugw("dropping undecodable signal payload", "error", err)
		return
	}
	if sig.Sender == e.opts.Identity {
		// own broadcast echo
		return
	}
	e.router.Deliver(sig)
}

// handleUnclaimedOffer fires when a valid offer found no consumer: either
// a fresh incoming call, or a second call while one is active, which gets
// an explicit busy signal rather than silence.
func (e *CallEngine) handleUnclaimedOffer(sig *Signal) {
	if e.closed.IsBroken() {
		return
	}
	e.mu.Lock()
	if s := e.session; s != nil {
		sameRoom := s.Room == sig.Room
		e.mu.Unlock()
		if sameRoom {
			// our session's own offer raced consumer registration;
			// it stays queued until the consumer registers
			return
		}
		e.sendBusy(sig)
		return
	}
	kind := sig.Kind
	if kind == "" {
		kind = KindVoice
	}
	e.beginIncomingLocked(sig.Room, sig.Sender, sig.SenderName, kind, sig.SessionID)
	e.mu.Unlock()
}

// beginIncomingLocked creates the incoming ringing session. Caller holds
// e.mu; the lock is NOT released here, except that emission is queued.
func (e *CallEngine) beginIncomingLocked(room, callerIdentity, callerName string, kind CallKind, sessionID int64) {
	s := newCallSession(DirectionIncoming, kind, callerIdentity, callerName)
	s.Room = room
	s.SessionID = sessionID
	e.session = s
	e.active.Store(true)
	e.activeRoom.Store(room)
	e.activeID.Store(sessionID)
	e.armRingingTimeoutLocked(s)

	info := s.Info()
	e.emit(func(cb *CallCallback) { cb.OnIncoming(info) })
	e.emitState(s)
}

func (e *CallEngine) sendBusy(sig *Signal) {
	if !e.router.NoteHangupSent(sig.Room) {
		return
	}
	busy := &Signal{
		Type:      SignalHangup,
		Room:      sig.Room,
		Sender:    e.opts.Identity,
		SessionID: sig.SessionID,
		Reason:    ReasonBusy,
	}
	busy.stamp()
	if err := e.transport.Publish(signalDest(sig.Sender), busy); err != nil {
		logger.Warnw("could not send busy signal", "error", err, "room", sig.Room)
	}
}

// handleRoutedSignal is the router consumer for the active call.
func (e *CallEngine) handleRoutedSignal(sig *Signal) {
	switch sig.Type {
	case SignalHangup:
		e.handleRemoteHangup(sig)

	case SignalError:
		logger.Warnw("remote signaling error", "room", sig.Room, "reason", sig.Reason)
		e.emitError("remote-error", fmt.Errorf("remote error in room %s", sig.Room))

	case SignalAnswer:
		e.mu.Lock()
		s, neg := e.session, e.neg
		if s != nil && sig.Room == s.Room && s.State() == StateRinging {
			// the remote accepted: negotiation is now underway
			s.stopTimer(timerRinging)
			if err := s.transition("negotiate"); err != nil {
				logger.Warnw("unexpected session transition", "error", err, "room", s.Room)
			}
			e.armConnectingTimeoutLocked(s)
			e.mu.Unlock()
			e.emitState(s)
		} else {
			e.mu.Unlock()
		}
		if neg != nil && s != nil && sig.Room == s.Room {
			neg.HandleSignal(sig)
		}

	default:
		e.mu.Lock()
		s, neg := e.session, e.neg
		e.mu.Unlock()
		if sig.Type == SignalOffer && s != nil && sig.Room != s.Room {
			// second caller while engaged gets an explicit busy reply
			e.sendBusy(sig)
			return
		}
		if neg == nil || s == nil || sig.Room != s.Room {
			logger.Debugw("dropping signal with no negotiation", "type", sig.Type, "room", sig.Room)
			return
		}
		neg.HandleSignal(sig)
	}
}

func (e *CallEngine) handleRemoteHangup(sig *Signal) {
	reason := ReasonRemoteEnded
	switch sig.Reason {
	case ReasonBusy:
		reason = ReasonBusy
	case ReasonDeclined:
		reason = ReasonDeclined
	case ReasonTimeout:
		reason = ReasonTimeout
	case ReasonCancelled:
		reason = ReasonCancelled
	}
	e.mu.Lock()
	if s := e.session; s != nil && s.Room == sig.Room {
		e.endSessionLocked(s, reason, teardownMode{notifyBackend: true})
	}
	e.mu.Unlock()
}

// handleConnectionState observes media connectivity for s and drives the
// session transitions. Implementations invoke this from their own
// goroutines, never synchronously from negotiator calls.
func (e *CallEngine) handleConnectionState(s *CallSession, state ConnectionState) {
	e.mu.Lock()
	if e.session != s || e.neg == nil {
		e.mu.Unlock()
		return
	}
	neg := e.neg

	switch state {
	case ConnectionConnected:
		cur := s.State()
		if cur != StateConnecting && cur != StateReconnecting {
			e.mu.Unlock()
			return
		}
		s.stopTimer(timerConnecting)
		s.stopTimer(timerReconnectGrace)
		s.stopTimer(timerReconnectDeadline)
		if err := s.transition("establish"); err != nil {
			logger.Warnw("unexpected session transition", "error", err, "room", s.Room)
		}
		if s.startedAt.IsZero() {
			// duration starts once and survives reconnects
			s.startedAt = time.Now()
			e.armMaxDurationLocked(s)
		}
		e.mu.Unlock()
		e.emitState(s)

	case ConnectionDisconnected:
		if s.State() != StateConnected {
			e.mu.Unlock()
			return
		}
		if err := s.transition("interrupt"); err != nil {
			logger.Warnw("unexpected session transition", "error", err, "room", s.Room)
		}
		// brief blips recover on their own; restart only after a grace
		// period, and bound the whole reconnecting phase
		s.armTimer(timerReconnectGrace, e.opts.ReconnectGrace, func() {
			e.restartForSession(s)
		})
		s.armTimer(timerReconnectDeadline, e.opts.ReconnectTimeout, func() {
			e.timeoutSession(s, StateReconnecting, ReasonConnectionFailed)
		})
		e.mu.Unlock()
		e.emitState(s)

	case ConnectionFailed:
		if s.State() == StateConnected {
			if err := s.transition("interrupt"); err != nil {
				logger.Warnw("unexpected session transition", "error", err, "room", s.Room)
			}
			s.armTimer(timerReconnectDeadline, e.opts.ReconnectTimeout, func() {
				e.timeoutSession(s, StateReconnecting, ReasonConnectionFailed)
			})
			e.mu.Unlock()
			e.emitState(s)
		} else {
			e.mu.Unlock()
		}
		if err := neg.RestartNegotiation(); err != nil {
			e.mu.Lock()
			if e.session == s {
				e.endSessionLocked(s, ReasonConnectionFailed, teardownMode{sendHangup: true, notifyBackend: true})
			}
			e.mu.Unlock()
		}

	default:
		e.mu.Unlock()
	}
}

// restartForSession runs the delayed negotiation restart scheduled after
// a disconnect, provided s is still the active session.
func (e *CallEngine) restartForSession(s *CallSession) {
	e.mu.Lock()
	if e.session != s || e.neg == nil || s.State() != StateReconnecting {
		e.mu.Unlock()
		return
	}
	neg := e.neg
	e.mu.Unlock()

	if err := neg.RestartNegotiation(); err != nil {
		e.mu.Lock()
		if e.session == s {
			e.endSessionLocked(s, ReasonConnectionFailed, teardownMode{sendHangup: true, notifyBackend: true})
		}
		e.mu.Unlock()
	}
}

// timeoutSession ends s with reason if it is still the active session in
// the given state. Timer callbacks use this so a stale timer can never
// cancel a newer session.
func (e *CallEngine) timeoutSession(s *CallSession, expect SessionState, reason EndReason) {
	e.mu.Lock()
	if e.session != s || s.State() != expect {
		e.mu.Unlock()
		return
	}
	e.endSessionLocked(s, reason, teardownMode{sendHangup: true, notifyBackend: true})
	e.mu.Unlock()
}

func (e *CallEngine) armRingingTimeoutLocked(s *CallSession) {
	s.armTimer(timerRinging, e.opts.RingingTimeout, func() {
		e.timeoutSession(s, StateRinging, ReasonTimeout)
	})
}

func (e *CallEngine) armConnectingTimeoutLocked(s *CallSession) {
	s.armTimer(timerConnecting, e.opts.ConnectingTimeout, func() {
		e.timeoutSession(s, StateConnecting, ReasonConnectionFailed)
	})
}

func (e *CallEngine) armMaxDurationLocked(s *CallSession) {
	if e.opts.MaxCallDuration <= 0 {
		return
	}
	s.armTimer(timerMaxDuration, e.opts.MaxCallDuration, func() {
		e.mu.Lock()
		if e.session == s && !s.Terminal() {
			e.endSessionLocked(s, ReasonMaxDuration, teardownMode{sendHangup: true, notifyBackend: true})
		}
		e.mu.Unlock()
	})
}

// endSessionLocked is the single teardown routine. The session's end
// guard makes it a no-op while a teardown is already underway, which is
// what keeps EndCall idempotent against a racing remote hangup. Caller
// holds e.mu.
func (e *CallEngine) endSessionLocked(s *CallSession, reason EndReason, mode teardownMode) {
	if !s.endGuard.TryAcquire(1) {
		return
	}
	s.stopAllTimers()
	s.endReason = reason

	neg := e.neg
	e.neg = nil

	event := "finish"
	if reason == ReasonConnectionFailed || reason == ReasonMediaFailed {
		event = "abort"
	}
	if err := s.transition(event); err != nil {
		logger.Warnw("unexpected terminal transition", "error", err, "room", s.Room)
	}

	sendHangup := mode.sendHangup && s.Room != "" && e.router.NoteHangupSent(s.Room)
	notifyBackend := mode.notifyBackend && s.Room != ""
	room, sessionID, remote := s.Room, s.SessionID, s.RemoteIdentity

	go func() {
		if sendHangup && remote != "" {
			sig := &Signal{
				Type:      SignalHangup,
				Room:      room,
				Sender:    e.opts.Identity,
				SessionID: sessionID,
				Reason:    reason,
			}
			sig.stamp()
			if err := e.transport.Publish(signalDest(remote), sig); err != nil {
				logger.Debugw("could not send hangup", "error", err, "room", room)
			}
		}
		if notifyBackend {
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.BackendTimeout)
			defer cancel()
			if err := e.backend.End(ctx, room, reason); err != nil {
				logger.Warnw("could not notify backend of call end", "error", err, "room", room)
			}
		}
		if neg != nil {
			neg.Close()
		}
	}()

	e.media.Release()
	e.router.UnregisterConsumer()

	info := s.Info()
	e.emit(func(cb *CallCallback) { cb.OnEnded(reason, info) })
	e.emitState(s)

	// grace delay before resetting to idle, so a call started right
	// after this one never races in-flight cleanup
	time.AfterFunc(e.opts.ResetDelay, func() {
		e.mu.Lock()
		cleared := false
		if e.session == s {
			e.session = nil
			e.clearActiveMeta()
			cleared = true
		}
		e.mu.Unlock()
		if cleared {
			e.emit(func(cb *CallCallback) { cb.OnStateChanged(StateIdle, nil) })
		}
	})
}

func (e *CallEngine) clearActiveMeta() {
	e.active.Store(false)
	e.activeRoom.Store("")
	e.activeID.Store(0)
}

func (e *CallEngine) emitState(s *CallSession) {
	info := s.Info()
	e.emit(func(cb *CallCallback) { cb.OnStateChanged(info.State, info) })
}

func (e *CallEngine) emitError(reason string, err error) {
	e.emit(func(cb *CallCallback) { cb.OnError(reason, err) })
}

// emit queues one notification for ordered delivery on the dispatcher
// goroutine.
func (e *CallEngine) emit(fn func(*CallCallback)) {
	e.cbMu.Lock()
	cbs := make([]*CallCallback, 0, len(e.callbacks))
	for _, cb := range e.callbacks {
		cbs = append(cbs, cb)
	}
	e.cbMu.Unlock()
	if len(cbs) == 0 {
		return
	}
	task := func() {
		for _, cb := range cbs {
			fn(cb)
		}
	}
	select {
	case e.events <- task:
	default:
		logger.Warnw("event queue full, dropping notification")
	}
}

func (e *CallEngine) dispatchEvents() {
	for {
		select {
		case <-e.closed.Watch():
			return
		case fn := <-e.events:
			fn()
		}
	}
}
