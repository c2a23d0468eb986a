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
	"os"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// deviceTrack adapts a mediadevices track to LocalTrack. Enabled is an
// application-level mute flag; the capture pipeline keeps running so
// unmute is instant.
type deviceTrack struct {
	track mediadevices.Track
	kind  TrackKind

	mu      sync.Mutex
	enabled bool
}

func newDeviceTrack(track mediadevices.Track) *deviceTrack {
	kind := TrackAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = TrackVideo
	}
	return &deviceTrack{track: track, kind: kind, enabled: true}
}

func (t *deviceTrack) ID() string      { return t.track.ID() }
func (t *deviceTrack) Kind() TrackKind { return t.kind }

func (t *deviceTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *deviceTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *deviceTrack) Close() error { return t.track.Close() }

func (t *deviceTrack) WebRTCTrack() webrtc.TrackLocal { return t.track }

// deviceStream groups the captured tracks of one call.
type deviceStream struct {
	mu      sync.Mutex
	tracks  []*deviceTrack
	onEnded func(TrackKind)
}

func newDeviceStream(tracks []mediadevices.Track) *deviceStream {
	s := &deviceStream{}
	for _, t := range tracks {
		dt := newDeviceTrack(t)
		s.tracks = append(s.tracks, dt)
		t.OnEnded(func(err error) {
			if err != nil {
				logger.Warnw("capture track ended", "error", err, "kind", dt.kind)
			}
			s.mu.Lock()
			fn := s.onEnded
			s.mu.Unlock()
			if fn != nil {
				fn(dt.kind)
			}
		})
	}
	return s
}

func (s *deviceStream) Tracks() []LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *deviceStream) Track(kind TrackKind) LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

func (s *deviceStream) OnEnded(fn func(TrackKind)) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}

func (s *deviceStream) Close() {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			logger.Debugw("error closing capture track", "error", err)
		}
	}
}

// detectVirtualHardware reports emulated capture hardware, where device
// acquisition may hang and degraded operation is preferable. Overridable
// for test rigs via CALLKIT_VIRTUAL_HARDWARE.
func detectVirtualHardware() bool {
	switch os.Getenv("CALLKIT_VIRTUAL_HARDWARE") {
	case "1", "true":
		return true
	case "0", "false":
		return false
	}
	product, err := os.ReadFile("/sys/class/dmi/id/product_name")
	if err != nil {
		return false
	}
	name := strings.ToLower(string(product))
	for _, marker := range []string{"qemu", "kvm", "virtualbox", "vmware", "virtual machine"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
