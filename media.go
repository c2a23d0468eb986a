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
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	defaultAcquireTimeout        = 10 * time.Second
	defaultVirtualAcquireTimeout = 2 * time.Second
	defaultSwitchMinInterval     = 1 * time.Second
)

// MediaOptions bounds device acquisition and camera switching.
type MediaOptions struct {
	AcquireTimeout        time.Duration
	VirtualAcquireTimeout time.Duration
	SwitchMinInterval     time.Duration
}

func (o *MediaOptions) applyDefaults() {
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = defaultAcquireTimeout
	}
	if o.VirtualAcquireTimeout <= 0 {
		o.VirtualAcquireTimeout = defaultVirtualAcquireTimeout
	}
	if o.SwitchMinInterval <= 0 {
		o.SwitchMinInterval = defaultSwitchMinInterval
	}
}

// MediaController acquires and releases the local capture stream, toggles
// mute/camera/speaker, swaps camera devices, and absorbs device-level
// track terminations without failing the session.
type MediaController struct {
	provider MediaProvider
	opts     MediaOptions

	mu           sync.Mutex
	stream       LocalStream
	videoTrack   LocalTrack
	audioEnabled bool
	videoEnabled bool
	speakerOn    bool
	cameraIndex  int
	lastSwitch   time.Time

	// single-owner guard: a switch already in progress makes a second
	// call a structural no-op
	switchGuard *semaphore.Weighted

	// re-emits the local stream to the UI layer after a device change
	onLocalStream func(LocalStream)
}

func NewMediaController(provider MediaProvider, opts MediaOptions) *MediaController {
	opts.applyDefaults()
	return &MediaController{
		provider:    provider,
		opts:        opts,
		switchGuard: semaphore.NewWeighted(1),
	}
}

// OnLocalStream registers the observer notified when the local stream is
// first acquired or re-emitted after a device change.
func (m *MediaController) OnLocalStream(fn func(LocalStream)) {
	m.mu.Lock()
	m.onLocalStream = fn
	m.mu.Unlock()
}

// Acquire requests capture devices with a bounded timeout. On virtual
// hardware the timeout is shorter and failure degrades to an empty stream
// so the call flow can still be exercised; on real hardware failure is
// ErrMediaAccessDenied.
func (m *MediaController) Acquire(ctx context.Context, video bool) (LocalStream, error) {
	timeout := m.opts.AcquireTimeout
	virtual := m.provider.VirtualHardware()
	if virtual {
		timeout = m.opts.VirtualAcquireTimeout
	}
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := m.provider.GetUserMedia(acquireCtx, video)
	if err != nil {
		if virtual {
			logger.Warnw("capture failed on virtual hardware, degrading to empty stream", "error", err)
			stream = newEmptyStream()
		} else {
			return nil, fmt.Errorf("%w: %s", ErrMediaAccessDenied, err)
		}
	}

	m.mu.Lock()
	if prev := m.stream; prev != nil && prev != stream {
		// a stream acquired earlier in this call's setup would otherwise
		// leak its capture devices
		prev.Close()
	}
	m.stream = stream
	m.videoTrack = stream.Track(TrackVideo)
	m.audioEnabled = stream.Track(TrackAudio) != nil
	m.videoEnabled = m.videoTrack != nil
	emit := m.onLocalStream
	m.mu.Unlock()

	stream.OnEnded(m.handleTrackEnded)

	if emit != nil {
		emit(stream)
	}
	return stream, nil
}

// handleTrackEnded reacts to a device-level track termination (hardware
// unplugged): the corresponding enabled flag flips and the local stream is
// re-emitted; the session stays alive.
func (m *MediaController) handleTrackEnded(kind TrackKind) {
	m.mu.Lock()
	switch kind {
	case TrackAudio:
		m.audioEnabled = false
	case TrackVideo:
		m.videoEnabled = false
	}
	stream, emit := m.stream, m.onLocalStream
	m.mu.Unlock()

	logger.Warnw("local track ended by device", "kind", kind)
	if emit != nil && stream != nil {
		emit(stream)
	}
}

// SetAudioEnabled toggles the microphone track. Returns the new enabled
// state.
func (m *MediaController) SetAudioEnabled(enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return false
	}
	if t := m.stream.Track(TrackAudio); t != nil {
		t.SetEnabled(enabled)
		m.audioEnabled = enabled
	}
	return m.audioEnabled
}

// SetVideoEnabled toggles the camera track. Returns the new enabled state.
func (m *MediaController) SetVideoEnabled(enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.videoTrack == nil {
		return false
	}
	m.videoTrack.SetEnabled(enabled)
	m.videoEnabled = enabled
	return m.videoEnabled
}

// ToggleSpeaker flips the audio output route. Returns the new speaker
// state.
func (m *MediaController) ToggleSpeaker() (bool, error) {
	m.mu.Lock()
	next := !m.speakerOn
	m.mu.Unlock()
	if err := m.provider.SetSpeakerphone(next); err != nil {
		return m.SpeakerOn(), err
	}
	m.mu.Lock()
	m.speakerOn = next
	m.mu.Unlock()
	return next, nil
}

func (m *MediaController) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

func (m *MediaController) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoEnabled
}

func (m *MediaController) SpeakerOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speakerOn
}

// SwitchCamera swaps to the next camera device. A switch already in
// progress or one inside the debounce window is a no-op. The new camera is
// acquired before the old one is torn down, and the swap commits only if
// replace succeeds; on failure the previous camera stays active.
func (m *MediaController) SwitchCamera(ctx context.Context, replace func(LocalTrack) error) error {
	if !m.switchGuard.TryAcquire(1) {
		return nil
	}
	defer m.switchGuard.Release(1)

	m.mu.Lock()
	if time.Since(m.lastSwitch) < m.opts.SwitchMinInterval {
		m.mu.Unlock()
		return nil
	}
	m.lastSwitch = time.Now()
	old := m.videoTrack
	index := m.cameraIndex
	m.mu.Unlock()

	if old == nil {
		return ErrNoAlternateCamera
	}
	devices := m.provider.CameraDevices()
	if len(devices) < 2 {
		return ErrNoAlternateCamera
	}
	next := (index + 1) % len(devices)

	acquireCtx, cancel := context.WithTimeout(ctx, m.opts.AcquireTimeout)
	defer cancel()
	fresh, err := m.provider.GetCameraTrack(acquireCtx, devices[next])
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCameraSwitchFailed, err)
	}

	if err := replace(fresh); err != nil {
		_ = fresh.Close()
		return fmt.Errorf("%w: %s", ErrCameraSwitchFailed, err)
	}

	m.mu.Lock()
	m.videoTrack = fresh
	m.cameraIndex = next
	fresh.SetEnabled(m.videoEnabled)
	stream, emit := m.stream, m.onLocalStream
	m.mu.Unlock()

	_ = old.Close()
	if emit != nil && stream != nil {
		emit(stream)
	}
	return nil
}

// Release closes the capture stream. Only the session's teardown routine
// calls this.
func (m *MediaController) Release() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.videoTrack = nil
	m.audioEnabled = false
	m.videoEnabled = false
	m.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

// emptyStream is the degraded no-device stream used on virtual hardware.
type emptyStream struct {
	mu      sync.Mutex
	onEnded func(TrackKind)
}

func newEmptyStream() *emptyStream { return &emptyStream{} }

func (s *emptyStream) Tracks() []LocalTrack            { return nil }
func (s *emptyStream) Track(kind TrackKind) LocalTrack { return nil }
func (s *emptyStream) Close()                          {}

func (s *emptyStream) OnEnded(fn func(TrackKind)) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}
