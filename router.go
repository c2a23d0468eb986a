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
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultPendingLimit = 32
	defaultPendingTTL   = 30 * time.Second
	defaultDedupSize    = 256
	defaultDedupWindow  = 30 * time.Second
	defaultHangupWindow = 15 * time.Second
)

// RouterOptions bounds the router's ledgers and pending queue. The zero
// value selects production defaults; tests shrink the windows.
type RouterOptions struct {
	PendingLimit int
	PendingTTL   time.Duration
	DedupSize    int
	DedupWindow  time.Duration
	HangupWindow time.Duration
}

func (o *RouterOptions) applyDefaults() {
	if o.PendingLimit <= 0 {
		o.PendingLimit = defaultPendingLimit
	}
	if o.PendingTTL <= 0 {
		o.PendingTTL = defaultPendingTTL
	}
	if o.DedupSize <= 0 {
		o.DedupSize = defaultDedupSize
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = defaultDedupWindow
	}
	if o.HangupWindow <= 0 {
		o.HangupWindow = defaultHangupWindow
	}
}

type pendingSignal struct {
	sig *Signal
	at  time.Time
}

// SignalRouter receives named signaling events from the transport,
// validates and deduplicates them, and either delivers them to the
// registered consumer or holds them in a bounded, time-expiring queue
// until one registers. The transport offers no ordering guarantee across
// its delivery paths, so dedup here is what makes effective processing
// idempotent.
type SignalRouter struct {
	opts RouterOptions

	mu       sync.Mutex
	consumer func(*Signal)
	pending  deque.Deque[pendingSignal]

	// dedup ledgers, each bounded and time-windowed
	seen       *expirable.LRU[string, struct{}]
	candidates *expirable.LRU[string, struct{}]
	hangups    *expirable.LRU[string, struct{}]

	// rooms whose hangup arrived before any session existed; a later
	// offer for such a room is the caller-cancelled-early ordering and
	// must be discarded
	cancelled *expirable.LRU[string, struct{}]

	// supplied by the engine: the active session's room and identifier,
	// used to reject stale signals from a superseded session
	activeSession func() (room string, sessionID int64, ok bool)

	// invoked for a valid offer that found no consumer; this is how a
	// fresh incoming call surfaces before the user has accepted
	onUnclaimedOffer func(*Signal)

	// invoked for a hangup of the active room that found no consumer
	// (incoming call cancelled while still ringing)
	onUnclaimedHangup func(*Signal)
}

// NewSignalRouter constructs a router. SetActiveSessionFunc and
// SetUnclaimedOfferHook must be wired before signals are delivered.
func NewSignalRouter(opts RouterOptions) *SignalRouter {
	opts.applyDefaults()
	return &SignalRouter{
		opts:       opts,
		seen:       expirable.NewLRU[string, struct{}](opts.DedupSize, nil, opts.DedupWindow),
		candidates: expirable.NewLRU[string, struct{}](opts.DedupSize, nil, opts.DedupWindow),
		hangups:    expirable.NewLRU[string, struct{}](opts.DedupSize, nil, opts.HangupWindow),
		cancelled:  expirable.NewLRU[string, struct{}](opts.DedupSize, nil, opts.HangupWindow),
	}
}

func (r *SignalRouter) SetActiveSessionFunc(fn func() (string, int64, bool)) {
	r.mu.Lock()
	r.activeSession = fn
	r.mu.Unlock()
}

func (r *SignalRouter) SetUnclaimedOfferHook(fn func(*Signal)) {
	r.mu.Lock()
	r.onUnclaimedOffer = fn
	r.mu.Unlock()
}

func (r *SignalRouter) SetUnclaimedHangupHook(fn func(*Signal)) {
	r.mu.Lock()
	r.onUnclaimedHangup = fn
	r.mu.Unlock()
}

// Deliver classifies one signal. Structurally invalid, duplicate, stale
// and cancelled-room signals are dropped with diagnostic logging only;
// the remote peer or transport may legitimately redeliver, so drops are
// never surfaced as errors.
func (r *SignalRouter) Deliver(sig *Signal) {
	if err := sig.Validate(); err != nil {
		logger.Debugw("dropping invalid signal", "error", err, "type", sig.Type, "room", sig.Room)
		return
	}

	r.mu.Lock()

	if r.isDuplicateLocked(sig) {
		r.mu.Unlock()
		logger.Debugw("dropping duplicate signal", "type", sig.Type, "room", sig.Room)
		return
	}

	room, sessionID, active := "", int64(0), false
	if r.activeSession != nil {
		room, sessionID, active = r.activeSession()
	}

	if sig.Type == SignalOffer && r.cancelled.Contains(sig.Room) {
		r.mu.Unlock()
		logger.Debugw("dropping offer for cancelled room", "room", sig.Room)
		return
	}

	// a hangup for a room nobody is in: remember the room so an
	// out-of-order offer arriving later is silently discarded
	if sig.Type == SignalHangup && (!active || room != sig.Room) {
		r.cancelled.Add(sig.Room, struct{}{})
		r.mu.Unlock()
		logger.Debugw("hangup for inactive room recorded", "room", sig.Room)
		return
	}

	// stale-session filter; offers are exempt because they establish a
	// session before any identifier is known locally
	if sig.Type != SignalOffer && sig.SessionID != 0 && active && sig.SessionID != sessionID {
		r.mu.Unlock()
		logger.Debugw("dropping signal from superseded session",
			"type", sig.Type, "room", sig.Room, "sessionID", sig.SessionID)
		return
	}

	consumer := r.consumer
	if consumer == nil {
		if sig.Type == SignalHangup {
			// hangup for the active room while nothing consumes yet:
			// the ringing session must still be cancelled
			hook := r.onUnclaimedHangup
			r.mu.Unlock()
			if hook != nil {
				hook(sig)
			}
			return
		}
		r.enqueueLocked(sig)
		hook := r.onUnclaimedOffer
		r.mu.Unlock()
		if sig.Type == SignalOffer && hook != nil {
			hook(sig)
		}
		return
	}
	r.mu.Unlock()

	consumer(sig)
}

// RegisterConsumer installs fn as the sole consumer, replacing any
// previous registration (re-subscribing never creates duplicate
// delivery), and flushes the pending queue to it in arrival order.
func (r *SignalRouter) RegisterConsumer(fn func(*Signal)) {
	r.mu.Lock()
	r.consumer = fn
	var flush []*Signal
	now := time.Now()
	for r.pending.Len() > 0 {
		p := r.pending.PopFront()
		if now.Sub(p.at) > r.opts.PendingTTL {
			continue
		}
		flush = append(flush, p.sig)
	}
	r.mu.Unlock()

	for _, sig := range flush {
		fn(sig)
	}
}

// UnregisterConsumer removes the consumer. The router buffers signals
// again until a new consumer registers.
func (r *SignalRouter) UnregisterConsumer() {
	r.mu.Lock()
	r.consumer = nil
	r.mu.Unlock()
}

// NoteHangupSent records an outbound hangup for room and reports whether
// this is the first within the ledger window. Callers must skip sending
// when it returns false.
func (r *SignalRouter) NoteHangupSent(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hangups.Contains(room) {
		return false
	}
	r.hangups.Add(room, struct{}{})
	return true
}

func (r *SignalRouter) isDuplicateLocked(sig *Signal) bool {
	if sig.Type == SignalCandidate {
		key := sig.Candidate.signature()
		if r.candidates.Contains(key) {
			return true
		}
		r.candidates.Add(key, struct{}{})
		return false
	}
	key := sig.dedupKey()
	if r.seen.Contains(key) {
		return true
	}
	r.seen.Add(key, struct{}{})
	return false
}

func (r *SignalRouter) enqueueLocked(sig *Signal) {
	now := time.Now()
	for r.pending.Len() > 0 && now.Sub(r.pending.Front().at) > r.opts.PendingTTL {
		r.pending.PopFront()
	}
	if r.pending.Len() >= r.opts.PendingLimit {
		r.pending.PopFront()
	}
	r.pending.PushBack(pendingSignal{sig: sig, at: now})
}

func (r *SignalRouter) pendingLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Len()
}
