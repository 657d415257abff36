package call

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/config"
)

// RTCConn is the slice of *webrtc.PeerConnection the coordinator drives.
// Tests substitute a fake; production uses NewPionFactory.
type RTCConn interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	Close() error
}

// ConnFactory creates one connection per remote peer.
type ConnFactory func() (RTCConn, error)

// NewPionFactory builds the production factory: a shared webrtc.API with the
// capture pipeline's codecs, default interceptors, and generous ICE timeouts
// so a brief relay/NAT hiccup does not immediately terminate the call.
// populate registers codecs on the media engine (the media controller's
// Populate method); nil means pion's defaults.
func NewPionFactory(cfg config.Config, populate func(*webrtc.MediaEngine)) (ConnFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if populate != nil {
		populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(
		time.Duration(cfg.ICE.DisconnectedTimeoutSec)*time.Second,
		time.Duration(cfg.ICE.FailedTimeoutSec)*time.Second,
		time.Duration(cfg.ICE.KeepaliveIntervalSec)*time.Second,
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	for _, s := range cfg.ICE.Servers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	conf := webrtc.Configuration{ICEServers: servers}

	return func() (RTCConn, error) {
		return api.NewPeerConnection(conf)
	}, nil
}
