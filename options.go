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

import "time"

const (
	defaultRingingTimeout    = 45 * time.Second
	defaultConnectingTimeout = 15 * time.Second
	defaultReconnectGrace    = 2 * time.Second
	defaultReconnectTimeout  = 20 * time.Second
	defaultMaxCallDuration   = 4 * time.Hour
	defaultResetDelay        = 2 * time.Second
	defaultBackendTimeout    = 10 * time.Second
)

// EngineOptions configures a CallEngine. Identity, Transport and
// MediaProvider are required; everything else has defaults.
type EngineOptions struct {
	// Identity is the local party identifier assigned by the backend.
	Identity string
	// DisplayName is attached to outbound offers for the callee's UI.
	DisplayName string

	Transport     SignalTransport
	MediaProvider MediaProvider

	// Backend defaults to request/reply over Transport.
	Backend Backend
	// PeerFactory defaults to the pion-backed PCTransport.
	PeerFactory PeerSessionFactory
	// ICEServers feed the default PeerFactory.
	ICEServers []string

	// RingingTimeout bounds the ringing phase, outgoing and incoming.
	RingingTimeout time.Duration
	// ConnectingTimeout bounds negotiation; it is deliberately shorter
	// than ringing because a hung handshake must fail fast.
	ConnectingTimeout time.Duration
	// ReconnectGrace is the pause before restarting negotiation after a
	// transient disconnect, tolerating brief blips.
	ReconnectGrace time.Duration
	// ReconnectTimeout bounds the whole reconnecting phase.
	ReconnectTimeout time.Duration
	// MaxCallDuration bounds a connected call; zero selects the
	// default, negative disables the cap.
	MaxCallDuration time.Duration
	// ResetDelay is the grace period between a terminal state and the
	// session resetting to idle.
	ResetDelay time.Duration
	// BackendTimeout bounds fire-and-forget backend notifications
	// issued during teardown.
	BackendTimeout time.Duration

	Router      RouterOptions
	Negotiator  NegotiatorOptions
	Media       MediaOptions
	Reliability ReliabilityOptions
}

func (o *EngineOptions) applyDefaults() {
	if o.RingingTimeout <= 0 {
		o.RingingTimeout = defaultRingingTimeout
	}
	if o.ConnectingTimeout <= 0 {
		o.ConnectingTimeout = defaultConnectingTimeout
	}
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = defaultReconnectGrace
	}
	if o.ReconnectTimeout <= 0 {
		o.ReconnectTimeout = defaultReconnectTimeout
	}
	if o.MaxCallDuration == 0 {
		o.MaxCallDuration = defaultMaxCallDuration
	} else if o.MaxCallDuration < 0 {
		o.MaxCallDuration = 0
	}
	if o.ResetDelay <= 0 {
		o.ResetDelay = defaultResetDelay
	}
	if o.BackendTimeout <= 0 {
		o.BackendTimeout = defaultBackendTimeout
	}
}
