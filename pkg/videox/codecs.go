package videox

import (
	"fmt"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
)

type Codec int

const (
	CodecUnknown Codec = iota
	CodecH264
	CodecH265
)

// AbstractNALUType is the subset of NALU types that the producer cares about,
// independent of codec.
type AbstractNALUType int

const (
	AbstractNALUTypeOther         AbstractNALUType = iota // Any other NALU type
	AbstractNALUTypeEssentialMeta                         // SPS, PPS, VPS. Required before a frame can be decoded.
	AbstractNALUTypeIDR                                   // Keyframe (Instantaneous Decoder Refresh)
	AbstractNALUTypeNonIDR                                // Visual frame, but not a keyframe
)

func ParseCodec(codec string) (Codec, error) {
	switch codec {
	case "h264", "H264":
		return CodecH264, nil
	case "h265", "H265", "hevc":
		return CodecH265, nil
	default:
		return CodecUnknown, fmt.Errorf("Unknown codec: %v", codec)
	}
}

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	default:
		return "unknown"
	}
}

func ReadNaluTypeH264(firstByte byte) h264.NALUType {
	return h264.NALUType(firstByte & 31)
}

func ReadNaluTypeH265(firstByte byte) h265.NALUType {
	return h265.NALUType((firstByte >> 1) & 63)
}

func H264ToAbstractType(firstByte byte) AbstractNALUType {
	switch ReadNaluTypeH264(firstByte) {
	case h264.NALUTypeNonIDR:
		return AbstractNALUTypeNonIDR
	case h264.NALUTypeIDR:
		return AbstractNALUTypeIDR
	case h264.NALUTypeSPS, h264.NALUTypePPS:
		return AbstractNALUTypeEssentialMeta
	default:
		return AbstractNALUTypeOther
	}
}

func H265ToAbstractType(firstByte byte) AbstractNALUType {
	t := ReadNaluTypeH265(firstByte)
	if t <= 9 || (t >= 16 && t <= 18) || t == 21 {
		// IDR types are 19 and 20, so everything in here is a non-keyframe slice
		return AbstractNALUTypeNonIDR
	}

	switch t {
	case h265.NALUType_IDR_W_RADL, h265.NALUType_IDR_N_LP:
		return AbstractNALUTypeIDR
	case h265.NALUType_VPS_NUT, h265.NALUType_SPS_NUT, h265.NALUType_PPS_NUT:
		return AbstractNALUTypeEssentialMeta
	default:
		return AbstractNALUTypeOther
	}
}

func (t AbstractNALUType) IsVisual() bool {
	return t == AbstractNALUTypeNonIDR || t == AbstractNALUTypeIDR
}
