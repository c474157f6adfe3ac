package domain

// Resolution caps the captured video size.
type Resolution string

const (
	ResolutionNative Resolution = "native"
	Resolution1080p  Resolution = "1080p"
	Resolution720p   Resolution = "720p"
)

// Dimensions returns the ideal cap for the resolution. ok is false for
// native, which applies no downscale constraint.
func (r Resolution) Dimensions() (width, height int, ok bool) {
	switch r {
	case Resolution1080p:
		return 1920, 1080, true
	case Resolution720p:
		return 1280, 720, true
	}
	return 0, 0, false
}

// CodecPreference selects the first-choice video codec. Auto resolves to
// AV1.
type CodecPreference string

const (
	CodecAuto CodecPreference = "auto"
	CodecAV1  CodecPreference = "av1"
	CodecVP9  CodecPreference = "vp9"
	CodecH264 CodecPreference = "h264"
	CodecVP8  CodecPreference = "vp8"
)

// Resolve maps auto to the concrete default.
func (c CodecPreference) Resolve() CodecPreference {
	if c == CodecAuto || c == "" {
		return CodecAV1
	}
	return c
}

// MimeType returns the RTP mime type for the preference.
func (c CodecPreference) MimeType() string {
	switch c.Resolve() {
	case CodecAV1:
		return "video/AV1"
	case CodecVP9:
		return "video/VP9"
	case CodecH264:
		return "video/H264"
	case CodecVP8:
		return "video/VP8"
	}
	return "video/AV1"
}

// BitrateAuto leaves the send bitrate to the adaptive controller.
const BitrateAuto = 0

// QualityProfile configures a screen-share track.
type QualityProfile struct {
	Resolution  Resolution
	FrameRate   int // one of 15, 30, 60, 120
	Bitrate     int // bits per second; BitrateAuto delegates to the controller
	Codec       CodecPreference
	ContentHint ContentHint
}

// DefaultQualityProfile is used when the caller supplies nothing.
func DefaultQualityProfile() QualityProfile {
	return QualityProfile{
		Resolution:  ResolutionNative,
		FrameRate:   30,
		Bitrate:     BitrateAuto,
		Codec:       CodecAuto,
		ContentHint: HintMotion,
	}
}

// Valid reports whether the profile's enumerated fields are recognised.
func (p QualityProfile) Valid() bool {
	switch p.Resolution {
	case ResolutionNative, Resolution1080p, Resolution720p:
	default:
		return false
	}
	switch p.FrameRate {
	case 15, 30, 60, 120:
	default:
		return false
	}
	switch p.Codec {
	case CodecAuto, CodecAV1, CodecVP9, CodecH264, CodecVP8:
	default:
		return false
	}
	switch p.ContentHint {
	case HintNone, HintMotion, HintDetail, HintText:
	default:
		return false
	}
	return p.Bitrate >= 0
}
