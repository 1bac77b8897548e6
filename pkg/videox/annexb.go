package videox

import (
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// Flags that control how EncodeAnnexB works
type AnnexBEncodeFlags int

const (
	AnnexBEncodeFlagNone                        AnnexBEncodeFlags = 0 // Only add the start code
	AnnexBEncodeFlagAddEmulationPreventionBytes AnnexBEncodeFlags = 1 // Add emulation prevention bytes (0x03) where necessary
)

func NALUStartCode(length int) []byte {
	switch length {
	case 0:
		return nil
	case 3:
		return []byte{0, 0, 1}
	case 4:
		return []byte{0, 0, 0, 1}
	default:
		panic("Invalid NALU start code length")
	}
}

// Encode an RBSP (Raw Byte Sequence Payload) into Annex-B format, optionally adding
// a 3 or 4 byte start code to the beginning of the encoded byte stream.
// If startCodeLen is zero, then we do not add a start code.
func EncodeAnnexB(raw []byte, startCodeLen int, flags AnnexBEncodeFlags) []byte {
	dst := make([]byte, 0, AnnexBWorstSize(startCodeLen, len(raw)))
	dst = append(dst, NALUStartCode(startCodeLen)...)
	if flags&AnnexBEncodeFlagAddEmulationPreventionBytes == 0 {
		return append(dst, raw...)
	}
	zeros := 0
	for _, b := range raw {
		if zeros == 2 && b <= 3 {
			dst = append(dst, 3)
			zeros = 0
		}
		dst = append(dst, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return dst
}

// Decode an Annex-B encoded NALU into a Raw Byte Sequence Payload (RBSP).
// The start code must already have been stripped.
func DecodeAnnexB(encoded []byte) []byte {
	decoded := make([]byte, 0, len(encoded))
	zeros := 0
	for _, b := range encoded {
		if zeros == 2 && b == 3 {
			zeros = 0
			continue
		}
		decoded = append(decoded, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return decoded
}

// Return the worst case size of an Annex-B encoded NALU, given the size of the raw payload
func AnnexBWorstSize(startCodeLen, rawLen int) int {
	return startCodeLen + rawLen*3/2 + 1
}

// SplitAnnexB splits an Annex-B byte stream into its NALUs.
// The returned NALUs have no start codes, but are still escaped.
func SplitAnnexB(stream []byte) ([]NALU, error) {
	raw, err := h264.AnnexBUnmarshal(stream)
	if err != nil {
		return nil, err
	}
	nalus := make([]NALU, 0, len(raw))
	for _, r := range raw {
		nalus = append(nalus, NALU{PayloadIsAnnexB: true, Payload: r})
	}
	return nalus, nil
}
