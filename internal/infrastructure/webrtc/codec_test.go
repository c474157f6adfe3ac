package webrtc

import (
	"testing"

	"meshroom/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codec(mime string, payloadType uint8) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mime},
		PayloadType:        webrtc.PayloadType(payloadType),
	}
}

func TestOrderCodecsPutsPreferredFirst(t *testing.T) {
	codecs := []webrtc.RTPCodecParameters{
		codec(webrtc.MimeTypeVP8, 96),
		codec(webrtc.MimeTypeH264, 102),
		codec(webrtc.MimeTypeAV1, 45),
		codec(webrtc.MimeTypeVP9, 98),
	}

	ordered := OrderCodecs(codecs, domain.CodecAV1)
	require.Len(t, ordered, 4)
	assert.Equal(t, webrtc.MimeTypeAV1, ordered[0].MimeType)
	// The rest keep their relative order as negotiation fallbacks.
	assert.Equal(t, webrtc.MimeTypeVP8, ordered[1].MimeType)
	assert.Equal(t, webrtc.MimeTypeH264, ordered[2].MimeType)
	assert.Equal(t, webrtc.MimeTypeVP9, ordered[3].MimeType)
}

func TestOrderCodecsAutoResolvesToAV1(t *testing.T) {
	codecs := []webrtc.RTPCodecParameters{
		codec(webrtc.MimeTypeVP8, 96),
		codec(webrtc.MimeTypeAV1, 45),
	}

	ordered := OrderCodecs(codecs, domain.CodecAuto)
	assert.Equal(t, webrtc.MimeTypeAV1, ordered[0].MimeType)
}

func TestOrderCodecsKeepsDuplicatePayloadTypes(t *testing.T) {
	codecs := []webrtc.RTPCodecParameters{
		codec(webrtc.MimeTypeVP9, 98),
		codec(webrtc.MimeTypeVP9, 100),
		codec(webrtc.MimeTypeVP8, 96),
	}

	ordered := OrderCodecs(codecs, domain.CodecVP9)
	require.Len(t, ordered, 3)
	assert.Equal(t, webrtc.PayloadType(98), ordered[0].PayloadType)
	assert.Equal(t, webrtc.PayloadType(100), ordered[1].PayloadType)
	assert.Equal(t, webrtc.MimeTypeVP8, ordered[2].MimeType)
}

func TestOrderCodecsUnknownPreferenceKeepsOrder(t *testing.T) {
	codecs := []webrtc.RTPCodecParameters{
		codec(webrtc.MimeTypeVP8, 96),
		codec(webrtc.MimeTypeH264, 102),
	}

	ordered := OrderCodecs(codecs, domain.CodecVP9)
	assert.Equal(t, codecs, ordered)
}
