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

import "context"

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// ConnectionState mirrors the underlying media transport's connectivity
// state as observed by the negotiation coordinator.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// PeerSession abstracts one peer-to-peer media session of the underlying
// real-time media library. CreateOffer and CreateAnswer also apply the
// local description. SetRemoteDescription must roll back a pending local
// offer when the implementation's signaling state requires it.
type PeerSession interface {
	CreateOffer(iceRestart bool) (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetRemoteDescription(sd SessionDescription) error
	AddCandidate(c Candidate) error

	AddLocalStream(stream LocalStream) error
	ReplaceVideoTrack(t LocalTrack) error

	// OnLocalCandidate fires for each locally gathered candidate; nil
	// marks end of gathering.
	OnLocalCandidate(fn func(*Candidate))
	OnConnectionStateChange(fn func(ConnectionState))
	OnRemoteTrack(fn func(RemoteTrack))

	Close() error
}

// PeerSessionFactory creates the media session for one call attempt.
type PeerSessionFactory func(kind CallKind) (PeerSession, error)

// LocalTrack is one locally captured track.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Close() error
}

// LocalStream is the set of locally captured tracks for one call. OnEnded
// fires when a device-level termination (hardware unplugged) stops a
// track.
type LocalStream interface {
	Tracks() []LocalTrack
	Track(kind TrackKind) LocalTrack
	OnEnded(fn func(kind TrackKind))
	Close()
}

// RemoteTrack is a track received from the remote peer; rendering is the
// UI layer's concern.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
}

// MediaProvider abstracts platform capture devices and audio routing.
type MediaProvider interface {
	// GetUserMedia acquires microphone (and camera when video is set)
	// capture, bounded by ctx.
	GetUserMedia(ctx context.Context, video bool) (LocalStream, error)
	// GetCameraTrack acquires a single camera without touching the
	// current stream; used to prepare a camera switch.
	GetCameraTrack(ctx context.Context, deviceID string) (LocalTrack, error)
	CameraDevices() []string
	SetSpeakerphone(on bool) error
	// VirtualHardware reports emulated capture hardware, where device
	// acquisition may hang indefinitely and a degraded empty stream is
	// preferable to failing the call flow.
	VirtualHardware() bool
}
