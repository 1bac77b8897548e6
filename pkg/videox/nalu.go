package videox

import (
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
)

// A NALU may or may not have a start code, and independently of that, its payload
// may or may not be escaped with emulation prevention bytes. Some cameras send
// escaped payloads without start codes, so we track the two separately.

// Codec NALU
type NALU struct {
	PayloadIsAnnexB  bool // True if the payload is escaped with "emulation prevention bytes"
	PayloadNoEscapes bool // True if PayloadIsAnnexB, but we know that there are no emulation prevention bytes
	Payload          []byte
}

// Wrap a raw buffer in a NALU object. Do not clone memory, or add prefix bytes.
func WrapRawNALU(raw []byte) NALU {
	return NALU{
		Payload: raw,
	}
}

// Returns only the payload, without any start code
func (n *NALU) PayloadOnly() []byte {
	return n.Payload[n.StartCodeLen():]
}

// Returns length of start code
// 0: No start code
// 3: 00 00 01
// 4: 00 00 00 01
func (n *NALU) StartCodeLen() int {
	if len(n.Payload) < 3 {
		return 0
	}
	if n.Payload[0] == 0 && n.Payload[1] == 0 && n.Payload[2] == 1 {
		return 3
	}
	if len(n.Payload) < 4 {
		return 0
	}
	if n.Payload[0] == 0 && n.Payload[1] == 0 && n.Payload[2] == 0 && n.Payload[3] == 1 {
		return 4
	}
	return 0
}

func (n *NALU) DeepClone() NALU {
	return NALU{
		Payload:          append([]byte{}, n.Payload...),
		PayloadIsAnnexB:  n.PayloadIsAnnexB,
		PayloadNoEscapes: n.PayloadNoEscapes,
	}
}

// Return the escaped payload, without a start code
func (n *NALU) EscapedPayload() []byte {
	if n.PayloadIsAnnexB {
		return n.PayloadOnly()
	}
	return EncodeAnnexB(n.PayloadOnly(), 0, AnnexBEncodeFlagAddEmulationPreventionBytes)
}

// Return payload data in RBSP format, with no start code
func (n *NALU) AsRBSP() NALU {
	if !n.PayloadIsAnnexB || n.PayloadNoEscapes {
		return NALU{
			Payload: n.PayloadOnly(),
		}
	}
	return NALU{
		Payload: DecodeAnnexB(n.PayloadOnly()),
	}
}

func (n *NALU) AbstractType(codec Codec) AbstractNALUType {
	p := n.PayloadOnly()
	if len(p) == 0 {
		return AbstractNALUTypeOther
	}
	switch codec {
	case CodecH264:
		return H264ToAbstractType(p[0])
	case CodecH265:
		return H265ToAbstractType(p[0])
	}
	panic("Codec not specified")
}

// Return the NALU type
func (n *NALU) Type264() h264.NALUType {
	i := n.StartCodeLen()
	if i >= len(n.Payload) {
		return h264.NALUType(0)
	}
	return ReadNaluTypeH264(n.Payload[i])
}

// Return the NALU type
func (n *NALU) Type265() h265.NALUType {
	i := n.StartCodeLen()
	if i >= len(n.Payload) {
		return h265.NALUType(255)
	}
	return ReadNaluTypeH265(n.Payload[i])
}
