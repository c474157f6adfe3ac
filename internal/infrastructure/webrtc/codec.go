package webrtc

import (
	"strings"

	"meshroom/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// OrderCodecs reorders the parameter list so codecs matching the
// preferred mime type come first. Order is otherwise preserved, so the
// remaining codecs stay available as negotiation fallbacks.
func OrderCodecs(codecs []webrtc.RTPCodecParameters, pref domain.CodecPreference) []webrtc.RTPCodecParameters {
	want := strings.ToLower(pref.MimeType())
	preferred := make([]webrtc.RTPCodecParameters, 0, len(codecs))
	rest := make([]webrtc.RTPCodecParameters, 0, len(codecs))
	for _, c := range codecs {
		if strings.ToLower(c.MimeType) == want {
			preferred = append(preferred, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(preferred, rest...)
}

// applyCodecPreference pushes the preferred codec to the front of every
// video transceiver. Audio transceivers are untouched; voice is always
// Opus.
func applyCodecPreference(pc *webrtc.PeerConnection, pref domain.CodecPreference) error {
	for _, tr := range pc.GetTransceivers() {
		if tr.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		receiver := tr.Receiver()
		if receiver == nil {
			continue
		}
		params := receiver.GetParameters()
		if len(params.Codecs) == 0 {
			continue
		}
		if err := tr.SetCodecPreferences(OrderCodecs(params.Codecs, pref)); err != nil {
			return err
		}
	}
	return nil
}
