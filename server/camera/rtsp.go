// Package camera captures encoded video from an RTSP camera, and hands it to a stream
package camera

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph265"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/producer/pkg/videox"
	"github.com/pion/rtp"
)

var ErrNoVideoTrack = errors.New("No H264 or H265 track found")

// PacketFunc receives one access unit. duration is the gap since the previous
// access unit, which is our best guess at how long this one lasts.
// It is called from the RTSP client's goroutine.
type PacketFunc func(packet *videox.VideoPacket, duration time.Duration)

// Both rtph264.Decoder and rtph265.Decoder
type rtpDecoder interface {
	Decode(pkt *rtp.Packet) ([][]byte, error)
}

type Source struct {
	Log   logs.Log
	Ident string // Identity of stream, with username:password stripped out

	onPacket PacketFunc
	client   gortsplib.Client

	lock     sync.Mutex
	codec    videox.Codec
	havePrev bool
	prevPTS  time.Duration
	packets  int64
	rejected int64 // Access units that went backwards in time
}

func NewSource(log logs.Log, onPacket PacketFunc) *Source {
	return &Source{
		Log:      log,
		onPacket: onPacket,
	}
}

// Start connects to the camera and starts playing. Packets arrive on a background goroutine.
func (s *Source) Start(address string) error {
	u, err := base.ParseURL(address)
	if err != nil {
		return fmt.Errorf("Invalid stream URL: %w", err)
	}
	s.Ident = u.Host + u.Path

	s.Log.Infof("Connecting to %v", s.Ident)
	if err := s.client.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("Failed to start stream: %w", err)
	}

	desc, _, err := s.client.Describe(u)
	if err != nil {
		s.client.Close()
		return fmt.Errorf("Failed to describe stream: %w", err)
	}

	media, forma, decoder, codec, err := findVideo(desc)
	if err != nil {
		s.client.Close()
		return err
	}
	s.codec = codec

	if _, err := s.client.Setup(desc.BaseURL, media, 0, 0); err != nil {
		s.client.Close()
		return fmt.Errorf("Stream setup failed: %w", err)
	}

	s.client.OnPacketRTP(media, forma, func(pkt *rtp.Packet) {
		pts, ok := s.client.PacketPTS(media, pkt)
		if !ok {
			return
		}
		au, err := decoder.Decode(pkt)
		if err != nil {
			if !isIncompleteAccessUnit(err) {
				s.Log.Warnf("Failed to decode RTP packet from %v: %v", s.Ident, err)
			}
			return
		}
		s.onAccessUnit(pts, au, time.Now())
	})

	if _, err := s.client.Play(nil); err != nil {
		s.client.Close()
		return fmt.Errorf("Stream play failed: %w", err)
	}
	s.Log.Infof("Connected to %v (%v)", s.Ident, codec)
	return nil
}

// Wait blocks until the connection fails, or Close is called
func (s *Source) Wait() error {
	return s.client.Wait()
}

func (s *Source) Close() {
	s.Log.Infof("Closing stream %v", s.Ident)
	s.client.Close()
}

// Number of access units delivered, and the number rejected because their timestamps went backwards
func (s *Source) Counts() (packets, rejected int64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.packets, s.rejected
}

// Find the first H264 or H265 track
func findVideo(desc *description.Session) (*description.Media, format.Format, rtpDecoder, videox.Codec, error) {
	var f264 *format.H264
	if media := desc.FindFormat(&f264); media != nil {
		dec, err := f264.CreateDecoder()
		if err != nil {
			return nil, nil, nil, videox.CodecUnknown, err
		}
		return media, f264, dec, videox.CodecH264, nil
	}
	var f265 *format.H265
	if media := desc.FindFormat(&f265); media != nil {
		dec, err := f265.CreateDecoder()
		if err != nil {
			return nil, nil, nil, videox.CodecUnknown, err
		}
		return media, f265, dec, videox.CodecH265, nil
	}
	return nil, nil, nil, videox.CodecUnknown, ErrNoVideoTrack
}

// The RTP depacketizers return these while an access unit is still being assembled
func isIncompleteAccessUnit(err error) bool {
	return errors.Is(err, rtph264.ErrMorePacketsNeeded) ||
		errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious) ||
		errors.Is(err, rtph265.ErrMorePacketsNeeded) ||
		errors.Is(err, rtph265.ErrNonStartingPacketAndNoPrevious)
}

// Wrap a depacketized access unit, and pass it on.
// The NALUs from the depacketizer are escaped, and have no start codes.
func (s *Source) onAccessUnit(pts time.Duration, au [][]byte, now time.Time) {
	s.lock.Lock()
	if s.havePrev && pts < s.prevPTS {
		// B-frames, or a camera clock glitch. Our buffer only accepts increasing timestamps.
		s.rejected++
		s.lock.Unlock()
		return
	}
	duration := time.Duration(0)
	if s.havePrev {
		duration = pts - s.prevPTS
	}
	first := !s.havePrev
	s.havePrev = true
	s.prevPTS = pts
	s.packets++
	codec := s.codec
	s.lock.Unlock()

	packet := &videox.VideoPacket{
		Codec:   codec,
		PTS:     pts,
		WallPTS: now,
	}
	for _, n := range au {
		packet.NALUs = append(packet.NALUs, videox.NALU{
			PayloadIsAnnexB: true,
			Payload:         append([]byte{}, n...),
		})
	}
	if first {
		s.Log.Infof("First access unit from %v: %v", s.Ident, packet.Summary())
	}
	s.onPacket(packet, duration)
}
