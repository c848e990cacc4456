//go:build !linux

package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
}

// Devices has no capture path on this platform; camera/mic drivers
// (V4L2 + malgo) are Linux-only. Calls proceed receive-only.
type Devices struct{}

func (Devices) GetUserMedia(audio, video bool) (Stream, error) {
	log.Printf("CALL: no local media capture on this platform, receive-only")
	return nil, nil
}
