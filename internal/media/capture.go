package media

import (
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/config"
)

// deviceCapture implements CaptureDevice on pion/mediadevices with VP8 video
// and Opus audio.
type deviceCapture struct {
	cfg      config.Media
	selector *mediadevices.CodecSelector
}

// NewDevice builds the mediadevices-backed capture device.
func NewDevice(cfg config.Media) (CaptureDevice, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = cfg.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &deviceCapture{cfg: cfg, selector: selector}, nil
}

func (d *deviceCapture) Populate(me *webrtc.MediaEngine) {
	d.selector.Populate(me)
}

func (d *deviceCapture) Capture(video, audio bool) ([]Track, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only — some cameras expose an MJPEG node that
			// produces malformed frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: d.cfg.MaxWidth}
			c.Height = prop.IntRanged{Max: d.cfg.MaxHeight}
			c.FrameRate = prop.FloatRanged{Max: float32(d.cfg.MaxFrameRate)}
		}
	}
	if audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	var out []Track
	for _, t := range stream.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local track ended: %v", err)
			}
		})
		out = append(out, &deviceTrack{t: t, enabled: true})
	}
	return out, nil
}

// deviceTrack wraps a mediadevices track with an enabled flag. mediadevices
// has no native mute, so disabled state is tracked here and reflected in the
// room snapshot; capture keeps running either way.
type deviceTrack struct {
	t mediadevices.Track

	mu      sync.Mutex
	enabled bool
}

func (d *deviceTrack) ID() string                { return d.t.ID() }
func (d *deviceTrack) Kind() webrtc.RTPCodecType { return d.t.Kind() }
func (d *deviceTrack) Local() webrtc.TrackLocal  { return d.t }
func (d *deviceTrack) Close() error              { return d.t.Close() }

func (d *deviceTrack) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *deviceTrack) SetEnabled(on bool) {
	d.mu.Lock()
	d.enabled = on
	d.mu.Unlock()
}
