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

import "errors"

var (
	ErrAlreadyInCall           = errors.New("a call session is already active")
	ErrSelfCall                = errors.New("cannot call own identity")
	ErrDuplicateInitiation     = errors.New("call initiation already in progress")
	ErrNoIncomingCall          = errors.New("no incoming call to act on")
	ErrNoActiveCall            = errors.New("no active call")
	ErrRoomMismatch            = errors.New("room does not match the active session")
	ErrMediaAccessDenied       = errors.New("could not access capture devices")
	ErrCameraSwitchFailed      = errors.New("camera switch failed, previous camera kept")
	ErrNoAlternateCamera       = errors.New("no alternate camera device available")
	ErrRestartAttemptsExceeded = errors.New("negotiation restart attempts exhausted")
	ErrNegotiationClosed       = errors.New("negotiation is closed")
	ErrConnectionTimeout       = errors.New("could not connect after timeout")
	ErrNotConnected            = errors.New("signal transport is not connected")
	ErrEngineClosed            = errors.New("engine is closed")
	ErrUnsupportedTrack        = errors.New("local track is not backed by a webrtc track")
)
