//go:build linux

package call

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

var (
	mediaOnce     sync.Once
	mediaAPI      *webrtc.API
	mediaSelector *mediadevices.CodecSelector
	mediaInitErr  error
)

// mediaStack builds the shared VP8+Opus codec selector and the WebRTC API
// once. Capture and peer connections must share the selector: a PC created
// from a different media engine cannot carry the captured tracks.
func mediaStack() (*webrtc.API, *mediadevices.CodecSelector, error) {
	mediaOnce.Do(func() {
		vpxParams, err := vpx.NewVP8Params()
		if err != nil {
			mediaInitErr = err
			return
		}
		vpxParams.BitRate = 1_500_000 // 1.5 Mbps

		opusParams, err := opus.NewParams()
		if err != nil {
			mediaInitErr = err
			return
		}

		mediaSelector = mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		)

		mediaEngine := &webrtc.MediaEngine{}
		mediaSelector.Populate(mediaEngine)

		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			mediaInitErr = err
			return
		}

		// Generous ICE timeouts so a brief relay/NAT hiccup does not
		// immediately terminate the call. The default disconnected
		// timeout of 5s is far too short for relay paths.
		se := webrtc.SettingEngine{}
		se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

		mediaAPI = webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		)
	})
	return mediaAPI, mediaSelector, mediaInitErr
}

func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	api, _, err := mediaStack()
	if err != nil {
		return nil, err
	}
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
}

// Devices captures camera and microphone through pion/mediadevices
// (V4L2 + malgo on this platform).
type Devices struct{}

// GetUserMedia acquires local capture with graceful fallback. GetUserMedia
// fails as a unit if either requested track cannot be opened, so a busy
// microphone must not prevent the camera from working and vice versa: try
// the full request first, then each side alone.
func (Devices) GetUserMedia(audio, video bool) (Stream, error) {
	_, selector, err := mediaStack()
	if err != nil {
		return nil, err
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	switch {
	case audio && video:
		attempts = []attempt{{true, true, "video+audio"}, {true, false, "video-only"}, {false, true, "audio-only"}}
	case video:
		attempts = []attempt{{true, false, "video-only"}}
	case audio:
		attempts = []attempt{{false, true, "audio-only"}}
	default:
		return nil, errors.New("no media requested")
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2
				// node producing malformed frames that poison the
				// VP8 encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640x480; higher resolutions push VP8
				// encoding latency past what a call tolerates.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL: GetUserMedia (%s): %v", a.label, err)
			lastErr = err
			continue
		}

		ds := &deviceStream{}
		for _, track := range stream.GetTracks() {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local track ended: %v", err)
				}
			})
			kind := "audio"
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				kind = "video"
			}
			ds.tracks = append(ds.tracks, &deviceTrack{md: track, kind: kind, enabled: true})
		}
		log.Printf("CALL: local media captured (%s), %d tracks", a.label, len(ds.tracks))
		return ds, nil
	}
	return nil, lastErr
}

// deviceStream groups captured local tracks.
type deviceStream struct {
	tracks []Track
}

func (s *deviceStream) Tracks() []Track { return append([]Track{}, s.tracks...) }

func (s *deviceStream) Close() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// deviceTrack wraps a mediadevices track. Enable/disable is implemented by
// swapping the sender's track: ReplaceTrack(nil) keeps the m-line alive
// while sending nothing, matching how browsers mute.
type deviceTrack struct {
	md   mediadevices.Track
	kind string

	mu      sync.Mutex
	sender  *webrtc.RTPSender
	enabled bool
}

func (t *deviceTrack) ID() string   { return t.md.ID() }
func (t *deviceTrack) Kind() string { return t.kind }

func (t *deviceTrack) webrtcTrack() webrtc.TrackLocal { return t.md }

func (t *deviceTrack) bind(s *webrtc.RTPSender) {
	t.mu.Lock()
	t.sender = s
	enabled := t.enabled
	t.mu.Unlock()
	if !enabled {
		_ = s.ReplaceTrack(nil)
	}
}

func (t *deviceTrack) SetEnabled(on bool) error {
	t.mu.Lock()
	t.enabled = on
	sender := t.sender
	t.mu.Unlock()
	if sender == nil {
		return nil
	}
	if on {
		return sender.ReplaceTrack(t.md)
	}
	return sender.ReplaceTrack(nil)
}

func (t *deviceTrack) Stop() {
	if err := t.md.Close(); err != nil {
		log.Printf("CALL: close %s track: %v", t.kind, err)
	}
}
