package videox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateTestPackets(t *testing.T) {
	for _, codec := range []Codec{CodecH264, CodecH265} {
		packets := CreateTestPackets(codec, 0, 25, 10, 10, 100)
		require.Len(t, packets, 25)
		for i, p := range packets {
			require.Equal(t, codec, p.Codec)
			require.Equal(t, time.Duration(i)*100*time.Millisecond, p.PTS)
			require.Equal(t, i%10 == 0, p.HasIDR(), "packet %v", i)
			require.True(t, p.HasAbstractType(AbstractNALUTypeIDR) || p.HasAbstractType(AbstractNALUTypeNonIDR))
		}
		require.True(t, packets[0].HasAbstractType(AbstractNALUTypeEssentialMeta))
		require.False(t, packets[1].HasAbstractType(AbstractNALUTypeEssentialMeta))

		// Deterministic
		again := CreateTestPackets(codec, 5, 1, 10, 10, 100)
		require.Equal(t, packets[5].NALUs[0].Payload, again[0].NALUs[0].Payload)
		require.Equal(t, packets[5].PTS, again[0].PTS)
	}
}

func TestAnnexB(t *testing.T) {
	p := &VideoPacket{
		Codec: CodecH264,
		NALUs: []NALU{
			WrapRawNALU([]byte{0x67, 1, 2}),
			WrapRawNALU([]byte{0x65, 0, 0, 1, 9}),
		},
	}
	require.Equal(t, 8, p.PayloadBytes())
	require.True(t, p.HasIDR())

	b, err := p.AnnexB()
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 1, 0x67, 1, 2, 0, 0, 0, 1, 0x65, 0, 0, 3, 1, 9}, b)

	nalus, err := SplitAnnexB(b)
	require.NoError(t, err)
	require.Len(t, nalus, 2)
	rbsp := nalus[1].AsRBSP()
	require.Equal(t, p.NALUs[1].Payload, rbsp.Payload)

	c := p.Clone()
	c.NALUs[0].Payload[1] = 99
	require.Equal(t, byte(1), p.NALUs[0].Payload[1])
	require.Equal(t, CodecH264, c.Codec)
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("hevc")
	require.NoError(t, err)
	require.Equal(t, CodecH265, c)
	require.Equal(t, "h265", c.String())
	_, err = ParseCodec("vp9")
	require.Error(t, err)
}

func TestSummary(t *testing.T) {
	p := &VideoPacket{
		Codec: CodecH264,
		NALUs: []NALU{
			WrapRawNALU([]byte{0x67, 1, 2}),
			WrapRawNALU([]byte{0x65, 7}),
		},
	}
	require.Equal(t, "2 NALUs: meta (3 bytes), idr (2 bytes)", p.Summary())
}
