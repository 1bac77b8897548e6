package videox

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/asticode/go-astits"
	"github.com/stretchr/testify/require"
)

// Returns every PES packet in a transport stream
func demuxPES(t *testing.T, ts []byte) []*astits.PESData {
	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(ts))
	all := []*astits.PESData{}
	for {
		d, err := dmx.NextData()
		if errors.Is(err, astits.ErrNoMorePackets) {
			break
		}
		require.NoError(t, err)
		if d.PES != nil {
			all = append(all, d.PES)
		}
	}
	return all
}

func encodeTestPackets(t *testing.T, codec Codec, packets []*VideoPacket) ([]byte, int) {
	buf := bytes.Buffer{}
	enc, err := NewMPEGTSEncoder(&buf, codec)
	require.NoError(t, err)
	for _, p := range packets {
		au, err := p.AnnexB()
		require.NoError(t, err)
		require.NoError(t, enc.EncodeAnnexB(au, p.PTS))
	}
	require.NoError(t, enc.Close())
	return buf.Bytes(), enc.Frames()
}

func TestMPEGTSEncoder(t *testing.T) {
	aud := map[Codec][]byte{
		CodecH264: {0, 0, 0, 1, 0x09, 0xf0},
		CodecH265: {0, 0, 0, 1, 35 << 1, 1, 0x50},
	}
	for _, codec := range []Codec{CodecH264, CodecH265} {
		packets := CreateTestPackets(codec, 0, 12, 30, 5, 300)
		ts, frames := encodeTestPackets(t, codec, packets)
		require.Equal(t, 12, frames)
		require.Equal(t, 0, len(ts)%188)

		pes := demuxPES(t, ts)
		require.Equal(t, 12, len(pes))
		for i, p := range pes {
			require.Equal(t, DurationToMPEGTS(packets[i].PTS), p.Header.OptionalHeader.PTS.Base)
			require.Equal(t, aud[codec], p.Data[:len(aud[codec])])
		}
	}
}

func TestMPEGTSSkipsUntilKeyframe(t *testing.T) {
	// Packets 1..9, with the first keyframe at 5
	packets := CreateTestPackets(CodecH264, 1, 9, 30, 5, 100)
	ts, frames := encodeTestPackets(t, CodecH264, packets)
	require.Equal(t, 5, frames)
	pes := demuxPES(t, ts)
	require.Equal(t, 5, len(pes))
	require.Equal(t, DurationToMPEGTS(packets[4].PTS), pes[0].Header.OptionalHeader.PTS.Base)
}

func TestMPEGTSRepeatsParameterSets(t *testing.T) {
	sps := WrapRawNALU([]byte{0x67, 0x42, 0x00, 0x1f})
	pps := WrapRawNALU([]byte{0x68, 0xce, 0x3c})
	idr := WrapRawNALU([]byte{0x65, 0x88, 0x80})
	p := WrapRawNALU([]byte{0x41, 0x9a, 0x02})

	buf := bytes.Buffer{}
	enc, err := NewMPEGTSEncoder(&buf, CodecH264)
	require.NoError(t, err)
	require.NoError(t, enc.Encode([]NALU{sps, pps, idr}, 0))
	require.NoError(t, enc.Encode([]NALU{p}, 40*time.Millisecond))
	// This keyframe arrives without its parameter sets
	require.NoError(t, enc.Encode([]NALU{idr}, 80*time.Millisecond))
	// Parameter sets on their own are not a frame
	require.NoError(t, enc.Encode([]NALU{sps, pps}, 90*time.Millisecond))
	require.NoError(t, enc.Close())
	require.Equal(t, 3, enc.Frames())

	pes := demuxPES(t, buf.Bytes())
	require.Equal(t, 3, len(pes))
	expect, err := (&VideoPacket{NALUs: []NALU{
		WrapRawNALU([]byte{0x09, 0xf0}), sps, pps, idr,
	}}).AnnexB()
	require.NoError(t, err)
	require.Equal(t, expect, pes[0].Data)
	require.Equal(t, expect, pes[2].Data)
	require.Equal(t, int64(7200), pes[2].Header.OptionalHeader.PTS.Base)
}

func TestMPEGTSUnsupportedCodec(t *testing.T) {
	_, err := NewMPEGTSEncoder(&bytes.Buffer{}, CodecUnknown)
	require.ErrorIs(t, err, ErrUnsupportedCodec)
}
