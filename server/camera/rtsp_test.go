package camera

import (
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/producer/pkg/contentview"
	"github.com/cyclopcam/producer/pkg/videox"
	"github.com/cyclopcam/producer/server/stream"
	"github.com/stretchr/testify/require"
)

type received struct {
	packet   *videox.VideoPacket
	duration time.Duration
}

func TestAccessUnits(t *testing.T) {
	got := []received{}
	s := NewSource(logs.NewTestingLog(t), func(p *videox.VideoPacket, d time.Duration) {
		got = append(got, received{p, d})
	})
	s.codec = videox.CodecH264
	now := time.Now()

	sps := []byte{0x67, 0x42, 0x00, 0x1f}
	pps := []byte{0x68, 0xce, 0x3c}
	idr := []byte{0x65, 0x88, 0x00, 0x03, 0x01}
	p := []byte{0x41, 0x9a}

	s.onAccessUnit(0, [][]byte{sps, pps, idr}, now)
	s.onAccessUnit(40*time.Millisecond, [][]byte{p}, now)
	// Out of order
	s.onAccessUnit(20*time.Millisecond, [][]byte{p}, now)
	s.onAccessUnit(80*time.Millisecond, [][]byte{p}, now)

	require.Len(t, got, 3)
	require.True(t, got[0].packet.HasIDR())
	require.Equal(t, videox.CodecH264, got[0].packet.Codec)
	require.Len(t, got[0].packet.NALUs, 3)
	require.Equal(t, time.Duration(0), got[0].duration)
	require.Equal(t, 40*time.Millisecond, got[1].duration)
	require.Equal(t, 80*time.Millisecond, got[2].packet.PTS)
	require.Equal(t, 40*time.Millisecond, got[2].duration)
	require.False(t, got[2].packet.HasIDR())

	// The payload is already escaped, so it must not be escaped again
	au, err := got[0].packet.AnnexB()
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 1, 0x65, 0x88, 0x00, 0x03, 0x01}, au[len(au)-9:])

	// The depacketizer may reuse its buffers
	idr[1] = 0
	require.Equal(t, byte(0x88), got[0].packet.NALUs[2].Payload[1])

	packets, rejected := s.Counts()
	require.Equal(t, int64(3), packets)
	require.Equal(t, int64(1), rejected)
}

func TestSourceFeedsStream(t *testing.T) {
	log := logs.NewTestingLog(t)
	st, err := stream.New(log, stream.Settings{
		Name:           "cam",
		BufferItems:    10,
		BufferDuration: time.Hour,
		StorageBytes:   1024,
		Policy:         contentview.DropUntilFragmentStart,
	}, stream.Callbacks{})
	require.NoError(t, err)
	s := NewSource(log, func(p *videox.VideoPacket, d time.Duration) {
		_, err := st.PutPacket(p, d)
		require.NoError(t, err)
	})
	s.codec = videox.CodecH264
	for i, pkt := range videox.CreateTestPackets(videox.CodecH264, 0, 6, 25, 3, 10) {
		au := [][]byte{}
		for _, n := range pkt.NALUs {
			au = append(au, n.EscapedPayload())
		}
		s.onAccessUnit(time.Duration(i)*40*time.Millisecond, au, time.Now())
	}
	stats := st.Stats()
	require.Equal(t, int64(6), stats.FramesPut)
	// The last frame is assumed to last as long as the gap before it
	require.Equal(t, 240*time.Millisecond, stats.View.WindowDuration)
}
