//go:build !linux || !cgo

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

// DeviceProvider on non-Linux platforms performs no hardware capture;
// calls proceed receive-only. Capture drivers (V4L2, malgo) are
// Linux-only in this build.
type DeviceProvider struct{}

func NewDeviceProvider() (*DeviceProvider, error) {
	return &DeviceProvider{}, nil
}

func (p *DeviceProvider) VirtualHardware() bool { return true }

func (p *DeviceProvider) GetUserMedia(ctx context.Context, video bool) (LocalStream, error) {
	logger.Infow("no capture drivers on this platform, proceeding without local media")
	return newEmptyStream(), nil
}

func (p *DeviceProvider) GetCameraTrack(ctx context.Context, deviceID string) (LocalTrack, error) {
	return nil, ErrNoAlternateCamera
}

func (p *DeviceProvider) CameraDevices() []string { return nil }

func (p *DeviceProvider) SetSpeakerphone(on bool) error { return nil }
