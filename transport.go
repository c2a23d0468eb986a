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

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// WebRTCTrackProvider is implemented by local tracks backed by a pion
// track; PCTransport needs the underlying track to publish it.
type WebRTCTrackProvider interface {
	WebRTCTrack() webrtc.TrackLocal
}

// PCTransport is the pion-backed PeerSession: a wrapper around
// PeerConnection with the offer/answer bookkeeping the negotiator needs.
type PCTransport struct {
	pc *webrtc.PeerConnection

	lock        sync.Mutex
	videoSender *webrtc.RTPSender

	onLocalCandidate func(*Candidate)
	onState          func(ConnectionState)
	onRemoteTrack    func(RemoteTrack)
}

// NewPCTransportFactory returns the default PeerSessionFactory. Each URL
// in iceServers becomes one server entry; credentials belong in the URL
// for TURN.
func NewPCTransportFactory(iceServers []string) PeerSessionFactory {
	return func(kind CallKind) (PeerSession, error) {
		return NewPCTransport(iceServers)
	}
}

func NewPCTransport(iceServers []string) (*PCTransport, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))

	var servers []webrtc.ICEServer
	for _, url := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	t := &PCTransport{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		t.lock.Lock()
		fn := t.onLocalCandidate
		t.lock.Unlock()
		if fn == nil {
			return
		}
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.lock.Lock()
		fn := t.onState
		t.lock.Unlock()
		if fn != nil {
			fn(connectionStateFrom(state))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.lock.Lock()
		fn := t.onRemoteTrack
		t.lock.Unlock()
		if fn != nil {
			fn(&pionRemoteTrack{track: track})
		}
	})

	return t, nil
}

func (t *PCTransport) CreateOffer(iceRestart bool) (SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := t.pc.CreateOffer(opts)
	if err != nil {
		return SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *PCTransport) CreateAnswer() (SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription applies sd, first rolling back a pending local
// offer when a remote offer arrives mid-handshake (the accepting side of
// an offer collision).
func (t *PCTransport) SetRemoteDescription(sd SessionDescription) error {
	desc := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	}
	if desc.Type == webrtc.SDPTypeOffer &&
		t.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := t.pc.SetLocalDescription(rollback); err != nil {
			return fmt.Errorf("rollback local offer: %w", err)
		}
	}
	return t.pc.SetRemoteDescription(desc)
}

func (t *PCTransport) AddCandidate(c Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// AddLocalStream publishes every track of stream on the connection. A
// degraded empty stream publishes nothing; the session proceeds
// receive-only.
func (t *PCTransport) AddLocalStream(stream LocalStream) error {
	for _, track := range stream.Tracks() {
		provider, ok := track.(WebRTCTrackProvider)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedTrack, track.ID())
		}
		sender, err := t.pc.AddTrack(provider.WebRTCTrack())
		if err != nil {
			return err
		}
		if track.Kind() == TrackVideo {
			t.lock.Lock()
			t.videoSender = sender
			t.lock.Unlock()
		}
	}
	return nil
}

// ReplaceVideoTrack swaps the published camera track in place; no
// renegotiation is required.
func (t *PCTransport) ReplaceVideoTrack(track LocalTrack) error {
	provider, ok := track.(WebRTCTrackProvider)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedTrack, track.ID())
	}
	t.lock.Lock()
	sender := t.videoSender
	t.lock.Unlock()
	if sender == nil {
		return fmt.Errorf("no video sender on connection")
	}
	return sender.ReplaceTrack(provider.WebRTCTrack())
}

func (t *PCTransport) OnLocalCandidate(fn func(*Candidate)) {
	t.lock.Lock()
	t.onLocalCandidate = fn
	t.lock.Unlock()
}

func (t *PCTransport) OnConnectionStateChange(fn func(ConnectionState)) {
	t.lock.Lock()
	t.onState = fn
	t.lock.Unlock()
}

func (t *PCTransport) OnRemoteTrack(fn func(RemoteTrack)) {
	t.lock.Lock()
	t.onRemoteTrack = fn
	t.lock.Unlock()
}

func (t *PCTransport) PeerConnection() *webrtc.PeerConnection {
	return t.pc
}

func (t *PCTransport) Close() error {
	return t.pc.Close()
}

func connectionStateFrom(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnectionNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionFailed
	default:
		return ConnectionClosed
	}
}

type pionRemoteTrack struct {
	track *webrtc.TrackRemote
}

func (r *pionRemoteTrack) ID() string { return r.track.ID() }

func (r *pionRemoteTrack) Kind() TrackKind {
	if r.track.Kind() == webrtc.RTPCodecTypeVideo {
		return TrackVideo
	}
	return TrackAudio
}

func (r *pionRemoteTrack) Track() *webrtc.TrackRemote { return r.track }
