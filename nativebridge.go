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

// NativeCallBridge funnels platform call-UI actions (CallKit,
// ConnectionService) into the engine. The platform layer reports what the
// user did on the system call screen; the engine remains the single
// authority, so a stale platform action on an already-ended call is a
// harmless no-op.
type NativeCallBridge struct {
	engine *CallEngine
}

func NewNativeCallBridge(engine *CallEngine) *NativeCallBridge {
	return &NativeCallBridge{engine: engine}
}

// ReportIncoming seeds the ringing session from a push notification so
// the platform call screen can show before signaling delivers the offer.
func (b *NativeCallBridge) ReportIncoming(room, callerIdentity, callerName string, video bool, sessionID int64) error {
	kind := KindVoice
	if video {
		kind = KindVideo
	}
	err := b.engine.NotifyIncoming(room, callerIdentity, callerName, kind, sessionID)
	if err != nil && err != ErrAlreadyInCall {
		logger.Warnw("could not report incoming call", "error", err, "room", room)
	}
	return err
}

// PerformAccept handles the accept action from the platform call screen.
func (b *NativeCallBridge) PerformAccept(ctx context.Context, room string) error {
	err := b.engine.AcceptIncoming(ctx, room)
	if err == ErrNoIncomingCall || err == ErrRoomMismatch {
		logger.Debugw("stale accept from platform call screen", "room", room)
		return nil
	}
	return err
}

// PerformDecline handles the decline action from the platform call screen.
func (b *NativeCallBridge) PerformDecline(ctx context.Context) {
	if err := b.engine.DeclineIncoming(ctx); err != nil && err != ErrNoIncomingCall {
		logger.Warnw("could not decline call", "error", err)
	}
}

// PerformEnd handles the hang-up action from the platform call screen.
func (b *NativeCallBridge) PerformEnd() {
	b.engine.EndCall()
}

// PerformSetMuted handles the mute toggle from the platform call screen.
// Returns the resulting microphone-enabled state.
func (b *NativeCallBridge) PerformSetMuted(muted bool) bool {
	return b.engine.media.SetAudioEnabled(!muted)
}
