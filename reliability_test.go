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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastReliabilityOptions() ReliabilityOptions {
	return ReliabilityOptions{
		BackoffBase:       5 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		WatchdogTimeout:   60 * time.Millisecond,
		StateDebounce:     5 * time.Millisecond,
	}
}

func TestReliableTransportConnect(t *testing.T) {
	t.Run("start connects and replays subscriptions", func(t *testing.T) {
		raw := newFakeTransport()
		rt := NewReliableTransport(raw, fastReliabilityOptions())
		defer rt.Close()

		require.NoError(t, rt.Subscribe("call-signals/1001", func([]byte) {}))
		require.NoError(t, rt.Start(context.Background(), "1001"))
		require.True(t, rt.IsConnected())
		require.Equal(t, 1, raw.subscriptionCount())
	})

	t.Run("publish before connect is refused", func(t *testing.T) {
		raw := newFakeTransport()
		rt := NewReliableTransport(raw, fastReliabilityOptions())
		defer rt.Close()

		require.ErrorIs(t, rt.Publish("dest", "hello"), ErrNotConnected)
	})

	t.Run("initial connect failure is returned", func(t *testing.T) {
		raw := newFakeTransport()
		raw.failConnects = 1
		rt := NewReliableTransport(raw, fastReliabilityOptions())
		defer rt.Close()

		require.Error(t, rt.Start(context.Background(), "1001"))
	})
}

func TestReliableTransportReconnect(t *testing.T) {
	t.Run("dropped connection reconnects with backoff", func(t *testing.T) {
		raw := newFakeTransport()
		rt := NewReliableTransport(raw, fastReliabilityOptions())
		defer rt.Close()

		var delivered [][]byte
		var mu sync.Mutex
		require.NoError(t, rt.Subscribe("dest", func(p []byte) {
			mu.Lock()
			delivered = append(delivered, p)
			mu.Unlock()
		}))
		require.NoError(t, rt.Start(context.Background(), "1001"))

		raw.failConnects = 2
		raw.dropConnection(nil)

		require.Eventually(t, rt.IsConnected, time.Second, 5*time.Millisecond)
		// initial + 2 failed + 1 successful
		require.Equal(t, 4, raw.connectCount())

		// the subscription survived the reconnect
		raw.deliver("dest", []byte(`"after"`))
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, delivered, 1)
	})

	t.Run("watchdog forces reconnect on silent connection", func(t *testing.T) {
		raw := newFakeTransport()
		rt := NewReliableTransport(raw, fastReliabilityOptions())
		defer rt.Close()

		require.NoError(t, rt.Subscribe("dest", func([]byte) {}))
		require.NoError(t, rt.Start(context.Background(), "1001"))
		require.Equal(t, 1, raw.connectCount())

		// no inbound traffic at all: the watchdog reconnects on its own
		require.Eventually(t, func() bool {
			return raw.connectCount() > 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("inbound traffic keeps the watchdog quiet", func(t *testing.T) {
		raw := newFakeTransport()
		rt := NewReliableTransport(raw, fastReliabilityOptions())
		defer rt.Close()

		require.NoError(t, rt.Subscribe("dest", func([]byte) {}))
		require.NoError(t, rt.Start(context.Background(), "1001"))

		for i := 0; i < 10; i++ {
			raw.deliver("dest", []byte(`"tick"`))
			time.Sleep(20 * time.Millisecond)
		}
		require.Equal(t, 1, raw.connectCount())
	})
}

func TestReliableTransportStateNotifications(t *testing.T) {
	t.Run("connected is delivered immediately", func(t *testing.T) {
		raw := newFakeTransport()
		rt := NewReliableTransport(raw, fastReliabilityOptions())
		defer rt.Close()

		var mu sync.Mutex
		var states []TransportState
		rt.OnState(func(s TransportState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		})

		require.NoError(t, rt.Start(context.Background(), "1001"))
		mu.Lock()
		require.Contains(t, states, TransportConnected)
		mu.Unlock()
	})

	t.Run("reconnecting flicker is debounced away", func(t *testing.T) {
		raw := newFakeTransport()
		rt := NewReliableTransport(raw, fastReliabilityOptions())
		defer rt.Close()

		var mu sync.Mutex
		var states []TransportState
		rt.OnState(func(s TransportState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		})
		require.NoError(t, rt.Start(context.Background(), "1001"))

		// instant drop and recovery: the reconnecting state is stale by
		// the time its debounce fires and never reaches the observer
		raw.dropConnection(nil)
		require.Eventually(t, rt.IsConnected, time.Second, time.Millisecond)
		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		require.NotContains(t, states, TransportReconnecting)
	})

	t.Run("heartbeats flow while connected", func(t *testing.T) {
		raw := newFakeTransport()
		rt := NewReliableTransport(raw, fastReliabilityOptions())
		defer rt.Close()

		require.NoError(t, rt.Start(context.Background(), "1001"))
		require.Eventually(t, func() bool {
			return len(raw.publishedTo("heartbeat")) >= 2
		}, time.Second, 5*time.Millisecond)
	})
}
