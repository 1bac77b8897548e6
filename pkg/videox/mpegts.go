package videox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
)

var ErrUnsupportedCodec = errors.New("Unsupported codec")

// PID of our one and only elementary stream
const mpegtsVideoPID = 256

// MPEGTSEncoder writes access units into an MPEG-TS byte stream.
// Frames must be fed in decode order, and we assume that decode order is
// presentation order (ie no B-frames), so we only emit a PTS.
type MPEGTSEncoder struct {
	codec            Codec
	b                *bufio.Writer
	mux              *astits.Muxer
	meta             [][]byte // Most recent SPS/PPS (and VPS), escaped
	firstIDRReceived bool
	frames           int
}

func NewMPEGTSEncoder(output io.Writer, codec Codec) (*MPEGTSEncoder, error) {
	var streamType astits.StreamType
	switch codec {
	case CodecH264:
		streamType = astits.StreamTypeH264Video
	case CodecH265:
		streamType = astits.StreamTypeH265Video
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCodec, codec)
	}

	b := bufio.NewWriter(output)
	mux := astits.NewMuxer(context.Background(), b)
	if err := mux.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: mpegtsVideoPID,
		StreamType:    streamType,
	}); err != nil {
		return nil, err
	}
	mux.SetPCRPID(mpegtsVideoPID)

	return &MPEGTSEncoder{
		codec: codec,
		b:     b,
		mux:   mux,
	}, nil
}

// Close flushes buffered output. It does not close the underlying writer.
func (e *MPEGTSEncoder) Close() error {
	return e.b.Flush()
}

// Number of access units written so far
func (e *MPEGTSEncoder) Frames() int {
	return e.frames
}

// EncodeAnnexB splits an Annex-B access unit into NALUs, and encodes them
func (e *MPEGTSEncoder) EncodeAnnexB(au []byte, pts time.Duration) error {
	nalus, err := SplitAnnexB(au)
	if err != nil {
		return err
	}
	return e.Encode(nalus, pts)
}

// Encode writes one access unit. Access units before the first keyframe are
// silently skipped, because nothing can decode them.
func (e *MPEGTSEncoder) Encode(nalus []NALU, pts time.Duration) error {
	filtered := [][]byte{e.accessUnitDelimiter()}
	meta := [][]byte{}
	idrPresent := false
	visualPresent := false

	for i := range nalus {
		n := &nalus[i]
		payload := n.EscapedPayload()
		if len(payload) == 0 || e.isAccessUnitDelimiter(n) {
			continue
		}
		switch n.AbstractType(e.codec) {
		case AbstractNALUTypeEssentialMeta:
			meta = append(meta, payload)
		case AbstractNALUTypeIDR:
			idrPresent = true
			visualPresent = true
			// Players need the parameter sets in front of every keyframe
			if len(meta) == 0 {
				filtered = append(filtered, e.meta...)
			}
		case AbstractNALUTypeNonIDR:
			visualPresent = true
		}
		filtered = append(filtered, payload)
	}
	if len(meta) != 0 {
		e.meta = meta
	}

	if !visualPresent {
		return nil
	}
	if !e.firstIDRReceived {
		if !idrPresent {
			return nil
		}
		e.firstIDRReceived = true
	}
	if pts < 0 {
		pts = 0
	}

	annexb, err := h264.AnnexBMarshal(filtered)
	if err != nil {
		return err
	}

	_, err = e.mux.WriteData(&astits.MuxerData{
		PID: mpegtsVideoPID,
		AdaptationField: &astits.PacketAdaptationField{
			RandomAccessIndicator: idrPresent,
		},
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             &astits.ClockReference{Base: DurationToMPEGTS(pts)},
				},
				StreamID: 224, // video
			},
			Data: annexb,
		},
	})
	if err != nil {
		return err
	}
	e.frames++
	return nil
}

func (e *MPEGTSEncoder) accessUnitDelimiter() []byte {
	if e.codec == CodecH265 {
		return []byte{byte(h265.NALUType_AUD_NUT) << 1, 1, 0x50}
	}
	return []byte{byte(h264.NALUTypeAccessUnitDelimiter), 0xf0}
}

func (e *MPEGTSEncoder) isAccessUnitDelimiter(n *NALU) bool {
	if e.codec == CodecH265 {
		return n.Type265() == h265.NALUType_AUD_NUT
	}
	return n.Type264() == h264.NALUTypeAccessUnitDelimiter
}

// Convert a duration to the 90khz MPEG-TS clock.
// Split into whole seconds first, so that wall clock timestamps don't overflow.
func DurationToMPEGTS(d time.Duration) int64 {
	sec := int64(d / time.Second)
	frac := int64(d % time.Second)
	return sec*90000 + frac*90000/int64(time.Second)
}
