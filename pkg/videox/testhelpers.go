package videox

import (
	"math/rand"
	"time"
)

// CreateTestPackets generates n synthetic packets, starting at packet number 'start'.
// Every keyframeInterval packets is a keyframe packet (SPS + PPS + IDR, or VPS + SPS + PPS + IDR
// for h265). The rest carry a single non-IDR slice. Each slice NALU has 'size' payload bytes
// after its header byte. The content is deterministic for a given packet number.
func CreateTestPackets(codec Codec, start, n, fps, keyframeInterval, size int) []*VideoPacket {
	if fps <= 0 || keyframeInterval <= 0 {
		panic("fps and keyframeInterval must be positive")
	}
	packets := make([]*VideoPacket, 0, n)
	wallBase := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := start; i < start+n; i++ {
		rng := rand.New(rand.NewSource(int64(i+1) * 7919))
		pts := time.Duration(i) * time.Second / time.Duration(fps)
		p := &VideoPacket{
			Codec:   codec,
			PTS:     pts,
			WallPTS: wallBase.Add(pts),
		}
		keyframe := i%keyframeInterval == 0
		if keyframe {
			for _, h := range testMetaHeaders(codec) {
				p.NALUs = append(p.NALUs, WrapRawNALU([]byte{h[0], h[1], 0x42, 0x00, 0x1f}))
			}
		}
		headerLen := 1
		if codec == CodecH265 {
			headerLen = 2
		}
		h := testSliceHeader(codec, keyframe)
		slice := make([]byte, headerLen+size)
		copy(slice, h[:headerLen])
		rng.Read(slice[headerLen:])
		p.NALUs = append(p.NALUs, WrapRawNALU(slice))
		packets = append(packets, p)
	}
	return packets
}

func testMetaHeaders(codec Codec) [][2]byte {
	if codec == CodecH265 {
		// VPS, SPS, PPS
		return [][2]byte{{32 << 1, 1}, {33 << 1, 1}, {34 << 1, 1}}
	}
	// SPS, PPS
	return [][2]byte{{0x67, 0x42}, {0x68, 0xce}}
}

func testSliceHeader(codec Codec, keyframe bool) [2]byte {
	if codec == CodecH265 {
		if keyframe {
			return [2]byte{19 << 1, 1}
		}
		return [2]byte{1 << 1, 1}
	}
	if keyframe {
		return [2]byte{0x65, 0}
	}
	return [2]byte{0x41, 0}
}
