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
)

// ----- signal transport fake -----

type publishedMessage struct {
	dest    string
	payload []byte
}

type fakeTransport struct {
	mu           sync.Mutex
	connects     int
	failConnects int
	closed       bool
	handlers     map[string]func([]byte)
	published    []publishedMessage
	onDisconnect func(error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func([]byte))}
}

func (f *fakeTransport) Connect(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failConnects > 0 {
		f.failConnects--
		return fmt.Errorf("connect refused")
	}
	f.closed = false
	return nil
}

func (f *fakeTransport) Subscribe(dest string, handler func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[dest] = handler
	return nil
}

func (f *fakeTransport) Publish(dest string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("transport closed")
	}
	f.published = append(f.published, publishedMessage{dest: dest, payload: payload})
	return nil
}

func (f *fakeTransport) OnDisconnect(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) deliver(dest string, payload []byte) {
	f.mu.Lock()
	handler := f.handlers[dest]
	f.mu.Unlock()
	if handler != nil {
		handler(payload)
	}
}

func (f *fakeTransport) dropConnection(err error) {
	f.mu.Lock()
	f.closed = true
	fn := f.onDisconnect
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (f *fakeTransport) publishedTo(dest string) []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedMessage
	for _, m := range f.published {
		if m.dest == dest {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) subscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// ----- peer session fake -----

// fakePeer records negotiation calls. Connection-state changes are fired
// by tests through fireConnectionState, matching the contract that state
// callbacks never run synchronously inside a PeerSession method.
type fakePeer struct {
	mu sync.Mutex

	offers          int
	answers         int
	remoteDescs     []SessionDescription
	added           []Candidate
	replacedVideo   []LocalTrack
	streams         []LocalStream
	closed          bool
	offerCred       int
	failCreateOffer bool
	failReplace     bool

	onLocalCandidate func(*Candidate)
	onState          func(ConnectionState)
	onRemoteTrack    func(RemoteTrack)
}

func newFakePeer() *fakePeer { return &fakePeer{} }

func fakeSDP(cred int) string {
	return fmt.Sprintf("v=0\r\no=- 46117 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"+
		"a=ice-ufrag:frag%04d\r\na=ice-pwd:pwd%04d\r\n", cred, cred)
}

func (p *fakePeer) CreateOffer(iceRestart bool) (SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreateOffer {
		return SessionDescription{}, fmt.Errorf("create offer refused")
	}
	p.offers++
	if iceRestart {
		p.offerCred++
	}
	return SessionDescription{Type: "offer", SDP: fakeSDP(p.offerCred)}, nil
}

func (p *fakePeer) CreateAnswer() (SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return SessionDescription{Type: "answer", SDP: fakeSDP(p.offerCred)}, nil
}

func (p *fakePeer) SetRemoteDescription(sd SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDescs = append(p.remoteDescs, sd)
	return nil
}

func (p *fakePeer) AddCandidate(c Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, c)
	return nil
}

func (p *fakePeer) AddLocalStream(stream LocalStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, stream)
	return nil
}

func (p *fakePeer) ReplaceVideoTrack(t LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failReplace {
		return fmt.Errorf("replace refused")
	}
	p.replacedVideo = append(p.replacedVideo, t)
	return nil
}

func (p *fakePeer) OnLocalCandidate(fn func(*Candidate)) {
	p.mu.Lock()
	p.onLocalCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnRemoteTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onRemoteTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) fireConnectionState(state ConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (p *fakePeer) fireLocalCandidate(c *Candidate) {
	p.mu.Lock()
	fn := p.onLocalCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) offerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

func (p *fakePeer) addedCandidates() []Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Candidate(nil), p.added...)
}

func (p *fakePeer) remoteDescriptions() []SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SessionDescription(nil), p.remoteDescs...)
}

// ----- media fakes -----

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    TrackKind
	enabled bool
	closed  bool
}

func newFakeTrack(id string, kind TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeStream struct {
	mu      sync.Mutex
	tracks  []LocalTrack
	onEnded func(TrackKind)
	closed  bool
}

func newFakeStream(tracks ...LocalTrack) *fakeStream {
	return &fakeStream{tracks: tracks}
}

func (s *fakeStream) Tracks() []LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LocalTrack(nil), s.tracks...)
}

func (s *fakeStream) Track(kind TrackKind) LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (s *fakeStream) OnEnded(fn func(TrackKind)) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) endTrack(kind TrackKind) {
	s.mu.Lock()
	fn := s.onEnded
	s.mu.Unlock()
	if fn != nil {
		fn(kind)
	}
}

type fakeMediaProvider struct {
	mu           sync.Mutex
	virtual      bool
	failAcquire  bool
	failCamera   bool
	devices      []string
	speakerOn    bool
	acquired     []*fakeStream
	cameraTracks []*fakeTrack
}

func newFakeMediaProvider(devices ...string) *fakeMediaProvider {
	return &fakeMediaProvider{devices: devices}
}

func (m *fakeMediaProvider) GetUserMedia(ctx context.Context, video bool) (LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAcquire {
		return nil, fmt.Errorf("device busy")
	}
	tracks := []LocalTrack{newFakeTrack("mic", TrackAudio)}
	if video {
		tracks = append(tracks, newFakeTrack("cam0", TrackVideo))
	}
	stream := newFakeStream(tracks...)
	m.acquired = append(m.acquired, stream)
	return stream, nil
}

func (m *fakeMediaProvider) GetCameraTrack(ctx context.Context, deviceID string) (LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCamera {
		return nil, fmt.Errorf("camera busy")
	}
	track := newFakeTrack(deviceID, TrackVideo)
	m.cameraTracks = append(m.cameraTracks, track)
	return track, nil
}

func (m *fakeMediaProvider) acquiredStreams() []*fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeStream(nil), m.acquired...)
}

func (m *fakeMediaProvider) CameraDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.devices...)
}

func (m *fakeMediaProvider) SetSpeakerphone(on bool) error {
	m.mu.Lock()
	m.speakerOn = on
	m.mu.Unlock()
	return nil
}

func (m *fakeMediaProvider) VirtualHardware() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.virtual
}

// ----- backend fake -----

type fakeBackend struct {
	mu          sync.Mutex
	busy        bool
	failNext    bool
	acceptDelay time.Duration
	room        string
	session     int64
	accepts     []string
	declines    []string
	ends        []EndReason
}

func newFakeBackend(room string, session int64) *fakeBackend {
	return &fakeBackend{room: room, session: session}
}

func (b *fakeBackend) Admit(ctx context.Context, callee string, kind CallKind) (*AdmitResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return nil, fmt.Errorf("admission refused")
	}
	return &AdmitResult{Room: b.room, SessionID: b.session, Busy: b.busy}, nil
}

func (b *fakeBackend) Accept(ctx context.Context, room string) error {
	b.mu.Lock()
	delay := b.acceptDelay
	b.accepts = append(b.accepts, room)
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

func (b *fakeBackend) acceptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.accepts)
}

func (b *fakeBackend) Decline(ctx context.Context, room string) error {
	b.mu.Lock()
	b.declines = append(b.declines, room)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) End(ctx context.Context, room string, reason EndReason) error {
	b.mu.Lock()
	b.ends = append(b.ends, reason)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) endReasons() []EndReason {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]EndReason(nil), b.ends...)
}

// ----- signal builders -----

func offerSignal(room, sender string, ts int64) *Signal {
	return &Signal{
		Type:      SignalOffer,
		Room:      room,
		Sender:    sender,
		Kind:      KindVoice,
		SDP:       &SessionDescription{Type: "offer", SDP: fakeSDP(0)},
		Timestamp: ts,
	}
}

func answerSignal(room, sender string, ts int64) *Signal {
	return &Signal{
		Type:      SignalAnswer,
		Room:      room,
		Sender:    sender,
		SDP:       &SessionDescription{Type: "answer", SDP: fakeSDP(0)},
		Timestamp: ts,
	}
}

func candidateSignal(room, sender, payload string, mline uint16, ts int64) *Signal {
	mid := "0"
	return &Signal{
		Type:   SignalCandidate,
		Room:   room,
		Sender: sender,
		Candidate: &Candidate{
			Candidate:     payload,
			SDPMid:        &mid,
			SDPMLineIndex: &mline,
		},
		Timestamp: ts,
	}
}

func hangupSignal(room, sender string, reason EndReason, ts int64) *Signal {
	return &Signal{
		Type:      SignalHangup,
		Room:      room,
		Sender:    sender,
		Reason:    reason,
		Timestamp: ts,
	}
}
