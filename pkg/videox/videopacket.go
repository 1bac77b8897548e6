package videox

import (
	"fmt"
	"strings"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// VideoPacket is one or more NALUs that were captured together, typically one
// access unit. A keyframe packet will usually contain SPS, PPS and IDR NALUs.
// For H265, it may also contain a VPS.
type VideoPacket struct {
	Codec   Codec         // h264 or h265
	NALUs   []NALU        // NALUs in the packet
	PTS     time.Duration // Presentation time, relative to the start of the stream
	WallPTS time.Time     // Wall time at which the packet was captured
}

// Deep clone of packet buffer
func (p *VideoPacket) Clone() *VideoPacket {
	c := &VideoPacket{
		Codec:   p.Codec,
		PTS:     p.PTS,
		WallPTS: p.WallPTS,
	}
	c.NALUs = make([]NALU, len(p.NALUs))
	for i, n := range p.NALUs {
		c.NALUs[i] = n.DeepClone()
	}
	return c
}

// Return true if this packet has a NALU of type t inside
func (p *VideoPacket) HasAbstractType(t AbstractNALUType) bool {
	for _, n := range p.NALUs {
		if n.AbstractType(p.Codec) == t {
			return true
		}
	}
	return false
}

// Returns true if this packet has a keyframe
func (p *VideoPacket) HasIDR() bool {
	return p.HasAbstractType(AbstractNALUTypeIDR)
}

// Returns the number of bytes of NALU data.
// If the NALUs have start codes, then these are included in the size.
func (p *VideoPacket) PayloadBytes() int {
	size := 0
	for _, n := range p.NALUs {
		size += len(n.Payload)
	}
	return size
}

// Summary describes the NALUs in the packet, for logging
func (p *VideoPacket) Summary() string {
	parts := []string{}
	for _, n := range p.NALUs {
		parts = append(parts, fmt.Sprintf("%v (%v bytes)", n.AbstractType(p.Codec), len(n.Payload)))
	}
	return fmt.Sprintf("%v NALUs: ", len(p.NALUs)) + strings.Join(parts, ", ")
}

// AnnexB encodes all NALUs in the packet into a single Annex-B byte stream,
// with 4 byte start codes, and emulation prevention bytes.
func (p *VideoPacket) AnnexB() ([]byte, error) {
	escaped := make([][]byte, 0, len(p.NALUs))
	for i := range p.NALUs {
		escaped = append(escaped, p.NALUs[i].EscapedPayload())
	}
	return h264.AnnexBMarshal(escaped)
}

func (t AbstractNALUType) String() string {
	switch t {
	case AbstractNALUTypeEssentialMeta:
		return "meta"
	case AbstractNALUTypeIDR:
		return "idr"
	case AbstractNALUTypeNonIDR:
		return "frame"
	default:
		return "other"
	}
}
