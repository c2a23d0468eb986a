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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMediaAcquire(t *testing.T) {
	t.Run("acquires audio and video for a video call", func(t *testing.T) {
		provider := newFakeMediaProvider("front", "back")
		m := NewMediaController(provider, MediaOptions{})

		stream, err := m.Acquire(context.Background(), true)
		require.NoError(t, err)
		require.NotNil(t, stream.Track(TrackAudio))
		require.NotNil(t, stream.Track(TrackVideo))
		require.True(t, m.AudioEnabled())
		require.True(t, m.VideoEnabled())
	})

	t.Run("voice call acquires no video", func(t *testing.T) {
		provider := newFakeMediaProvider()
		m := NewMediaController(provider, MediaOptions{})

		stream, err := m.Acquire(context.Background(), false)
		require.NoError(t, err)
		require.Nil(t, stream.Track(TrackVideo))
		require.False(t, m.VideoEnabled())
	})

	t.Run("real hardware failure is media access denied", func(t *testing.T) {
		provider := newFakeMediaProvider()
		provider.failAcquire = true
		m := NewMediaController(provider, MediaOptions{})

		_, err := m.Acquire(context.Background(), true)
		require.ErrorIs(t, err, ErrMediaAccessDenied)
	})

	t.Run("virtual hardware failure degrades to an empty stream", func(t *testing.T) {
		provider := newFakeMediaProvider()
		provider.failAcquire = true
		provider.virtual = true
		m := NewMediaController(provider, MediaOptions{})

		stream, err := m.Acquire(context.Background(), true)
		require.NoError(t, err)
		require.Empty(t, stream.Tracks())
	})

	t.Run("re-acquire closes the superseded stream", func(t *testing.T) {
		provider := newFakeMediaProvider()
		m := NewMediaController(provider, MediaOptions{})

		_, err := m.Acquire(context.Background(), true)
		require.NoError(t, err)
		_, err = m.Acquire(context.Background(), true)
		require.NoError(t, err)

		streams := provider.acquiredStreams()
		require.Len(t, streams, 2)
		require.True(t, streams[0].isClosed())
		require.False(t, streams[1].isClosed())
	})
}

func TestMediaToggles(t *testing.T) {
	provider := newFakeMediaProvider()
	m := NewMediaController(provider, MediaOptions{})
	_, err := m.Acquire(context.Background(), true)
	require.NoError(t, err)

	require.False(t, m.SetAudioEnabled(false))
	require.False(t, m.AudioEnabled())
	require.True(t, m.SetAudioEnabled(true))

	require.False(t, m.SetVideoEnabled(false))
	require.True(t, m.SetVideoEnabled(true))

	on, err := m.ToggleSpeaker()
	require.NoError(t, err)
	require.True(t, on)
	on, err = m.ToggleSpeaker()
	require.NoError(t, err)
	require.False(t, on)
}

func TestMediaTrackEnded(t *testing.T) {
	provider := newFakeMediaProvider()
	m := NewMediaController(provider, MediaOptions{})

	var emitted []LocalStream
	m.OnLocalStream(func(s LocalStream) { emitted = append(emitted, s) })

	stream, err := m.Acquire(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, emitted, 1)

	// camera unplugged mid-call: flag flips, stream re-emitted, no failure
	stream.(*fakeStream).endTrack(TrackVideo)
	require.False(t, m.VideoEnabled())
	require.True(t, m.AudioEnabled())
	require.Len(t, emitted, 2)
}

func TestMediaSwitchCamera(t *testing.T) {
	newController := func(devices ...string) (*MediaController, *fakeMediaProvider) {
		provider := newFakeMediaProvider(devices...)
		m := NewMediaController(provider, MediaOptions{SwitchMinInterval: 50 * time.Millisecond})
		_, err := m.Acquire(context.Background(), true)
		require.NoError(t, err)
		return m, provider
	}

	t.Run("switch replaces the published track", func(t *testing.T) {
		m, provider := newController("front", "back")

		var replaced []LocalTrack
		err := m.SwitchCamera(context.Background(), func(t LocalTrack) error {
			replaced = append(replaced, t)
			return nil
		})
		require.NoError(t, err)
		require.Len(t, replaced, 1)
		require.Equal(t, "back", replaced[0].ID())
		require.Len(t, provider.cameraTracks, 1)
	})

	t.Run("rapid second switch is a no-op", func(t *testing.T) {
		m, _ := newController("front", "back")

		calls := 0
		replace := func(LocalTrack) error { calls++; return nil }
		require.NoError(t, m.SwitchCamera(context.Background(), replace))
		require.NoError(t, m.SwitchCamera(context.Background(), replace))
		require.Equal(t, 1, calls)
	})

	t.Run("switch allowed again after the debounce window", func(t *testing.T) {
		m, _ := newController("front", "back")

		calls := 0
		replace := func(LocalTrack) error { calls++; return nil }
		require.NoError(t, m.SwitchCamera(context.Background(), replace))
		time.Sleep(80 * time.Millisecond)
		require.NoError(t, m.SwitchCamera(context.Background(), replace))
		require.Equal(t, 2, calls)
	})

	t.Run("single camera cannot switch", func(t *testing.T) {
		m, _ := newController("front")

		err := m.SwitchCamera(context.Background(), func(LocalTrack) error { return nil })
		require.ErrorIs(t, err, ErrNoAlternateCamera)
	})

	t.Run("replace failure keeps the previous camera", func(t *testing.T) {
		m, provider := newController("front", "back")

		err := m.SwitchCamera(context.Background(), func(LocalTrack) error {
			return ErrUnsupportedTrack
		})
		require.ErrorIs(t, err, ErrCameraSwitchFailed)
		// the freshly acquired track was closed, the old one kept
		require.Len(t, provider.cameraTracks, 1)
		require.True(t, provider.cameraTracks[0].isClosed())
		require.True(t, m.VideoEnabled())
	})

	t.Run("acquire failure keeps the previous camera", func(t *testing.T) {
		m, provider := newController("front", "back")
		provider.failCamera = true

		err := m.SwitchCamera(context.Background(), func(LocalTrack) error { return nil })
		require.ErrorIs(t, err, ErrCameraSwitchFailed)
		require.True(t, m.VideoEnabled())
	})

	t.Run("voice call has no camera to switch", func(t *testing.T) {
		provider := newFakeMediaProvider("front", "back")
		m := NewMediaController(provider, MediaOptions{})
		_, err := m.Acquire(context.Background(), false)
		require.NoError(t, err)

		err = m.SwitchCamera(context.Background(), func(LocalTrack) error { return nil })
		require.ErrorIs(t, err, ErrNoAlternateCamera)
	})
}

func TestMediaRelease(t *testing.T) {
	provider := newFakeMediaProvider()
	m := NewMediaController(provider, MediaOptions{})

	stream, err := m.Acquire(context.Background(), true)
	require.NoError(t, err)
	m.Release()

	require.True(t, stream.(*fakeStream).closed)
	require.False(t, m.AudioEnabled())
	require.False(t, m.VideoEnabled())
}
