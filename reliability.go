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
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"go.uber.org/atomic"
)

// TransportState is the connection state surfaced to the UI layer.
type TransportState string

const (
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportReconnecting TransportState = "reconnecting"
	TransportClosed       TransportState = "closed"
)

const (
	defaultBackoffBase       = 300 * time.Millisecond
	defaultBackoffMax        = 30 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultWatchdogTimeout   = 30 * time.Second
	defaultStateDebounce     = 500 * time.Millisecond
	defaultHeartbeatDest     = "heartbeat"
)

// SignalTransport is the raw message-transport client: connect and
// publish/subscribe over named destinations. Implementations report a
// dropped connection through the disconnect callback; reconnection policy
// lives in ReliableTransport, not here.
type SignalTransport interface {
	Connect(ctx context.Context, identity string) error
	Subscribe(destination string, handler func(payload []byte)) error
	Publish(destination string, payload []byte) error
	OnDisconnect(fn func(err error))
	Close() error
}

// ReliabilityOptions tunes reconnection backoff, the application-level
// heartbeat and the silent-disconnect watchdog.
type ReliabilityOptions struct {
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	HeartbeatInterval time.Duration
	WatchdogTimeout   time.Duration
	StateDebounce     time.Duration
	HeartbeatDest     string
}

func (o *ReliabilityOptions) applyDefaults() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = defaultBackoffMax
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.WatchdogTimeout <= 0 {
		o.WatchdogTimeout = defaultWatchdogTimeout
	}
	if o.StateDebounce <= 0 {
		o.StateDebounce = defaultStateDebounce
	}
	if o.HeartbeatDest == "" {
		o.HeartbeatDest = defaultHeartbeatDest
	}
}

type heartbeat struct {
	From string `json:"from"`
	TS   int64  `json:"ts"`
}

// ReliableTransport wraps a raw SignalTransport with exponential-backoff
// reconnection, an application-level heartbeat and a watchdog that forces
// a reconnect when inbound traffic goes silent (half-open connections).
// Subscriptions survive reconnects.
type ReliableTransport struct {
	raw  SignalTransport
	opts ReliabilityOptions

	identity string

	mu   sync.Mutex
	subs map[string]func([]byte)

	connected   atomic.Bool
	lastTraffic atomic.Int64 // unix nanos of last inbound payload or connect
	closed      core.Fuse

	reconnectCh chan struct{}

	stateMu   sync.Mutex
	onState   func(TransportState)
	stateGen  atomic.Uint64
	debounced func(func())
}

func NewReliableTransport(raw SignalTransport, opts ReliabilityOptions) *ReliableTransport {
	opts.applyDefaults()
	t := &ReliableTransport{
		raw:         raw,
		opts:        opts,
		subs:        make(map[string]func([]byte)),
		reconnectCh: make(chan struct{}, 1),
		debounced:   debounce.New(opts.StateDebounce),
	}
	raw.OnDisconnect(func(err error) {
		if err != nil {
			logger.Warnw("signal transport dropped", "error", err)
		}
		t.connected.Store(false)
		t.requestReconnect()
	})
	return t
}

// OnState registers the connection-state observer. Transitions into
// connected are delivered immediately; all other states are debounced to
// avoid flicker during retry storms.
func (t *ReliableTransport) OnState(fn func(TransportState)) {
	t.stateMu.Lock()
	t.onState = fn
	t.stateMu.Unlock()
}

// Start connects and launches the keepalive loop. The initial connect is
// synchronous so callers know signaling is live before placing calls.
func (t *ReliableTransport) Start(ctx context.Context, identity string) error {
	t.identity = identity
	t.emitState(TransportConnecting)
	if err := t.connectOnce(ctx); err != nil {
		t.emitState(TransportClosed)
		return err
	}
	go t.run()
	return nil
}

// Publish JSON-encodes v and sends it to destination.
func (t *ReliableTransport) Publish(destination string, v any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.raw.Publish(destination, payload)
}

// Subscribe registers handler for destination. The subscription is
// replayed after every reconnect, and inbound payloads feed the watchdog.
func (t *ReliableTransport) Subscribe(destination string, handler func(payload []byte)) error {
	wrapped := func(payload []byte) {
		t.lastTraffic.Store(time.Now().UnixNano())
		handler(payload)
	}
	t.mu.Lock()
	t.subs[destination] = wrapped
	connected := t.connected.Load()
	t.mu.Unlock()
	if !connected {
		return nil
	}
	return t.raw.Subscribe(destination, wrapped)
}

func (t *ReliableTransport) IsConnected() bool {
	return t.connected.Load()
}

// ForceReconnect drops the current connection and reconnects with backoff.
func (t *ReliableTransport) ForceReconnect() {
	_ = t.raw.Close()
	t.connected.Store(false)
	t.requestReconnect()
}

func (t *ReliableTransport) Close() {
	t.closed.Once(func() {
		t.connected.Store(false)
		_ = t.raw.Close()
		t.emitState(TransportClosed)
	})
}

func (t *ReliableTransport) requestReconnect() {
	select {
	case t.reconnectCh <- struct{}{}:
	default:
	}
}

func (t *ReliableTransport) connectOnce(ctx context.Context) error {
	if err := t.raw.Connect(ctx, t.identity); err != nil {
		return err
	}
	t.mu.Lock()
	subs := make(map[string]func([]byte), len(t.subs))
	for dest, h := range t.subs {
		subs[dest] = h
	}
	t.mu.Unlock()
	for dest, h := range subs {
		if err := t.raw.Subscribe(dest, h); err != nil {
			_ = t.raw.Close()
			return err
		}
	}
	t.lastTraffic.Store(time.Now().UnixNano())
	t.connected.Store(true)
	t.emitState(TransportConnected)
	return nil
}

func (t *ReliableTransport) run() {
	heartbeatTicker := time.NewTicker(t.opts.HeartbeatInterval)
	defer heartbeatTicker.Stop()
	watchdogTicker := time.NewTicker(t.opts.WatchdogTimeout / 2)
	defer watchdogTicker.Stop()

	for {
		select {
		case <-t.closed.Watch():
			return

		case <-t.reconnectCh:
			t.reconnectWithBackoff()

		case <-heartbeatTicker.C:
			if !t.connected.Load() {
				continue
			}
			hb := heartbeat{From: t.identity, TS: time.Now().UnixMilli()}
			if err := t.Publish(t.opts.HeartbeatDest, hb); err != nil {
				logger.Debugw("heartbeat publish failed", "error", err)
			}

		case <-watchdogTicker.C:
			if !t.connected.Load() {
				continue
			}
			idle := time.Since(time.Unix(0, t.lastTraffic.Load()))
			if idle > t.opts.WatchdogTimeout {
				// the transport has not noticed the drop itself;
				// force the issue instead of waiting
				logger.Warnw("watchdog detected silent disconnect", "idle", idle)
				t.ForceReconnect()
			}
		}
	}
}

// reconnectWithBackoff retries until connected or closed. Delay doubles
// from the base up to the ceiling and resets on success.
func (t *ReliableTransport) reconnectWithBackoff() {
	t.emitState(TransportReconnecting)
	delay := t.opts.BackoffBase
	for attempt := 0; ; attempt++ {
		if t.closed.IsBroken() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.BackoffMax)
		err := t.connectOnce(ctx)
		cancel()
		if err == nil {
			logger.Infow("signal transport reconnected", "attempts", attempt+1)
			return
		}
		logger.Debugw("reconnect attempt failed", "error", err, "attempt", attempt, "delay", delay)
		select {
		case <-t.closed.Watch():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > t.opts.BackoffMax {
			delay = t.opts.BackoffMax
		}
	}
}

// emitState delivers a connection-state notification. A stale debounced
// state is suppressed when a newer one has been emitted since.
func (t *ReliableTransport) emitState(state TransportState) {
	gen := t.stateGen.Inc()
	deliver := func() {
		t.stateMu.Lock()
		fn := t.onState
		t.stateMu.Unlock()
		if fn != nil {
			fn(state)
		}
	}
	if state == TransportConnected {
		deliver()
		return
	}
	t.debounced(func() {
		if t.stateGen.Load() == gen {
			deliver()
		}
	})
}
