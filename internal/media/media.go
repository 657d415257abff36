// Package media owns local capture exclusively. No other component touches
// camera or microphone hardware; peers get tracks from the Controller and
// toggling mutes in place without re-opening devices.
package media

import (
	"errors"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Track is one locally captured track. Toggling flips the enabled flag only;
// the underlying capture keeps running so no renegotiation is needed.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(bool)
	// Local exposes the track for PeerConnection.AddTrack.
	Local() webrtc.TrackLocal
	Close() error
}

// CaptureDevice abstracts hardware acquisition behind the Controller. The
// mediadevices implementation lives in capture.go; tests substitute a fake.
type CaptureDevice interface {
	// Capture opens tracks of the requested kinds. At least one of
	// video/audio must be true.
	Capture(video, audio bool) ([]Track, error)
	// Populate registers the device's codecs on a WebRTC media engine so
	// PeerConnections negotiate what the capture pipeline encodes.
	Populate(*webrtc.MediaEngine)
}

// State is a snapshot of what is currently captured and enabled.
type State struct {
	AudioEnabled bool
	VideoEnabled bool
	HasAudio     bool
	HasVideo     bool
}

// Controller is the single owner of local capture for one call.
type Controller struct {
	dev CaptureDevice

	mu     sync.Mutex
	audio  Track
	video  Track
	closed bool
}

func NewController(dev CaptureDevice) *Controller {
	return &Controller{dev: dev}
}

// Acquire opens local devices for the requested kinds. On failure it degrades
// one step at a time (video+audio → video-only → audio-only) so a busy
// microphone does not take the camera down with it. If every attempt fails
// the first error is returned, classified; the Controller stays usable with
// zero tracks so a media-less join can proceed.
func (c *Controller) Acquire(video, audio bool) error {
	if !video && !audio {
		return nil
	}

	type attempt struct {
		video, audio bool
		label        string
	}
	var attempts []attempt
	if video && audio {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	} else if video {
		attempts = []attempt{{true, false, "video-only"}}
	} else {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	var firstErr error
	for _, a := range attempts {
		tracks, err := c.dev.Capture(a.video, a.audio)
		if err != nil {
			log.Printf("MEDIA: capture (%s) failed: %v", a.label, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.adopt(tracks)
		log.Printf("MEDIA: local capture ready (%s) — %d tracks", a.label, len(tracks))
		return nil
	}
	return Classify(firstErr)
}

func (c *Controller) adopt(tracks []Track) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tracks {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			c.audio = t
		case webrtc.RTPCodecTypeVideo:
			c.video = t
		}
	}
}

// AddVideo captures a video track when none exists yet. The caller must
// publish the returned track on every existing connection and renegotiate.
func (c *Controller) AddVideo() (Track, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("media controller closed")
	}
	if c.video != nil {
		c.mu.Unlock()
		return nil, errors.New("video track already exists")
	}
	c.mu.Unlock()

	tracks, err := c.dev.Capture(true, false)
	if err != nil {
		return nil, Classify(err)
	}
	c.adopt(tracks)

	c.mu.Lock()
	t := c.video
	c.mu.Unlock()
	if t == nil {
		return nil, &CaptureError{Kind: KindDeviceNotFound, Err: errors.New("capture returned no video track")}
	}
	return t, nil
}

// SetAudioEnabled mutes/unmutes the audio track in place. Returns false when
// no audio track exists.
func (c *Controller) SetAudioEnabled(on bool) bool {
	c.mu.Lock()
	t := c.audio
	c.mu.Unlock()
	if t == nil {
		return false
	}
	t.SetEnabled(on)
	log.Printf("MEDIA: audio enabled=%v", on)
	return true
}

// SetVideoEnabled disables/enables the video track in place. Returns false
// when no video track exists (turning video on for the first time goes
// through AddVideo instead).
func (c *Controller) SetVideoEnabled(on bool) bool {
	c.mu.Lock()
	t := c.video
	c.mu.Unlock()
	if t == nil {
		return false
	}
	t.SetEnabled(on)
	log.Printf("MEDIA: video enabled=%v", on)
	return true
}

// Tracks returns the currently captured tracks.
func (c *Controller) Tracks() []Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Track
	if c.audio != nil {
		out = append(out, c.audio)
	}
	if c.video != nil {
		out = append(out, c.video)
	}
	return out
}

// Populate registers the capture codecs on a media engine.
func (c *Controller) Populate(me *webrtc.MediaEngine) {
	c.dev.Populate(me)
}

// State reports the current capture snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{}
	if c.audio != nil {
		s.HasAudio = true
		s.AudioEnabled = c.audio.Enabled()
	}
	if c.video != nil {
		s.HasVideo = true
		s.VideoEnabled = c.video.Enabled()
	}
	return s
}

// Close stops every hardware track. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	audio, video := c.audio, c.video
	c.audio, c.video = nil, nil
	c.mu.Unlock()

	if audio != nil {
		if err := audio.Close(); err != nil {
			log.Printf("MEDIA: close audio track: %v", err)
		}
	}
	if video != nil {
		if err := video.Close(); err != nil {
			log.Printf("MEDIA: close video track: %v", err)
		}
	}
}
