package webrtc

import (
	"meshroom/pkg/errors"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// newAPI builds a pion API with the default codecs and interceptors.
// Every session gets its own API so media engine state never leaks
// between peers.
func newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "register codecs")
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "register interceptors")
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

// iceConfiguration maps STUN/TURN URLs into a pion configuration.
func iceConfiguration(servers []string) webrtc.Configuration {
	if len(servers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	}
}
