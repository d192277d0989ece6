package transport

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ringline/internal/util"
)

// Default STUN servers for ICE candidate gathering.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// pion's own keepalive interval; zero would disable keepalives.
const defaultKeepAlive = 2 * time.Second

// Config controls how peer connections are built.
type Config struct {
	// ICEServers are STUN/TURN URLs. Empty means the Google STUN servers.
	ICEServers []string

	// ICE agent timeouts. Zero keeps pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// newAPI builds a pion API with the default codecs and interceptors, ICE
// timeouts from cfg, and pion's logging routed into ours.
func newAPI(cfg Config) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = util.PionLoggerFactory{}
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 {
		keepAlive := cfg.KeepAliveInterval
		if keepAlive <= 0 {
			keepAlive = defaultKeepAlive
		}
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, keepAlive)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// newPeerConnection creates a PeerConnection configured with cfg's ICE servers.
func newPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}

	urls := cfg.ICEServers
	if len(urls) == 0 {
		urls = defaultSTUNServers
	}

	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: urls},
		},
	})
}
