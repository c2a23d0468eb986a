//go:build linux && cgo

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

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceProvider captures camera and microphone through V4L2 and malgo.
type DeviceProvider struct {
	selector *mediadevices.CodecSelector
	virtual  bool
}

func NewDeviceProvider() (*DeviceProvider, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceProvider{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		virtual: detectVirtualHardware(),
	}, nil
}

func (p *DeviceProvider) VirtualHardware() bool { return p.virtual }

// GetUserMedia captures microphone, and camera when video is set. Device
// drivers have no cancellation hook, so the capture runs on its own
// goroutine and ctx abandons it; an abandoned capture closes itself when
// it eventually completes.
func (p *DeviceProvider) GetUserMedia(ctx context.Context, video bool) (LocalStream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		constraints := mediadevices.MediaStreamConstraints{Codec: p.selector}
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		if video {
			constraints.Video = videoConstraints(nil)
		}
		stream, err := mediadevices.GetUserMedia(constraints)
		ch <- result{stream: stream, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.stream != nil {
				for _, t := range res.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return newDeviceStream(res.stream.GetTracks()), nil
	}
}

// GetCameraTrack captures one camera by device identifier, leaving the
// current stream untouched.
func (p *DeviceProvider) GetCameraTrack(ctx context.Context, deviceID string) (LocalTrack, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Codec: p.selector,
			Video: videoConstraints(&deviceID),
		})
		ch <- result{stream: stream, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.stream != nil {
				for _, t := range res.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		for _, t := range res.stream.GetTracks() {
			if t.Kind() == webrtc.RTPCodecTypeVideo {
				return newDeviceTrack(t), nil
			}
		}
		return nil, fmt.Errorf("no video track captured for device %s", deviceID)
	}
}

func (p *DeviceProvider) CameraDevices() []string {
	var ids []string
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			ids = append(ids, d.DeviceID)
		}
	}
	return ids
}

// SetSpeakerphone is a no-op on Linux: output routing belongs to the
// platform audio layer, not the capture pipeline.
func (p *DeviceProvider) SetSpeakerphone(on bool) error {
	logger.Debugw("speakerphone toggle ignored on this platform", "on", on)
	return nil
}

// videoConstraints excludes MJPEG capture formats: some cameras expose an
// MJPEG node producing malformed frames that poison the VP8 encoder.
func videoConstraints(deviceID *string) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != nil {
			c.DeviceID = prop.StringExact(*deviceID)
		}
		c.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		c.Width = prop.IntRanged{Max: 640}
		c.Height = prop.IntRanged{Max: 480}
	}
}
