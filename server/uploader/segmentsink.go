package uploader

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/producer/pkg/videox"
	"github.com/cyclopcam/producer/server/blobstore"
	"github.com/cyclopcam/producer/server/stream"
)

// SegmentSink packages every fragment into an MPEG-TS segment, and writes it to blob storage.
// A fragment is written when the first frame of the next fragment arrives, or on Flush.
// A fragment that cannot be packaged is rejected with a skip ack, so that it is never sent again.
type SegmentSink struct {
	Log     logs.Log
	Storage blobstore.Storage
	Prefix  string // Object names are Prefix/<ack timestamp in milliseconds>.ts
	Codec   videox.Codec

	lock       sync.Mutex
	frames     []stream.Frame
	fragmentTS time.Duration
	segments   []string
	bytes      int64
}

func NewSegmentSink(log logs.Log, storage blobstore.Storage, prefix string, codec videox.Codec) *SegmentSink {
	return &SegmentSink{
		Log:     log,
		Storage: storage,
		Prefix:  prefix,
		Codec:   codec,
	}
}

// SegmentName returns the object name of the fragment whose first frame has the given ack timestamp
func (s *SegmentSink) SegmentName(fragmentTS time.Duration) string {
	return fmt.Sprintf("%v/%012d.ts", s.Prefix, fragmentTS.Milliseconds())
}

func (s *SegmentSink) Send(ctx context.Context, frame stream.Frame) ([]stream.Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	var acks []stream.Ack
	if frame.KeyFrame {
		if len(s.frames) != 0 {
			done, err := s.writeSegment(ctx)
			if err != nil {
				return nil, err
			}
			if done[0].Kind == stream.AckError {
				// The stream rewinds after an error ack, so this frame will come again
				return done, nil
			}
			acks = append(acks, done...)
		}
		s.fragmentTS = frame.AckTimestamp
		acks = append(acks, stream.Ack{Kind: stream.AckBuffering, Timestamp: frame.AckTimestamp})
	} else if len(s.frames) == 0 {
		// We joined mid-fragment. Without its keyframe, this fragment is useless.
		return nil, nil
	}
	s.frames = append(s.frames, frame)
	return acks, nil
}

// Flush writes the fragment in progress, if any
func (s *SegmentSink) Flush(ctx context.Context) ([]stream.Ack, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.frames) == 0 {
		return nil, nil
	}
	return s.writeSegment(ctx)
}

// Encode the pending fragment and write it out.
// If storage fails, the fragment is forgotten, because the uploader will replay it.
func (s *SegmentSink) writeSegment(ctx context.Context) ([]stream.Ack, error) {
	frames := s.frames
	fragmentTS := s.fragmentTS
	s.frames = nil

	buf := bytes.Buffer{}
	enc, err := videox.NewMPEGTSEncoder(&buf, s.Codec)
	if err == nil {
		for _, f := range frames {
			if err = enc.EncodeAnnexB(f.Data, f.Timestamp); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = enc.Close()
	}
	if err != nil {
		s.Log.Warnf("Rejecting fragment at %v (%v frames): %v", fragmentTS, len(frames), err)
		return []stream.Ack{{Kind: stream.AckError, Timestamp: fragmentTS, SkipFragment: true}}, nil
	}

	name := s.SegmentName(fragmentTS)
	size := int64(buf.Len())
	if err := blobstore.WriteFile(ctx, s.Storage, name, &buf); err != nil {
		return nil, fmt.Errorf("%w: writing %v: %v", ErrSendFailed, name, err)
	}
	s.segments = append(s.segments, name)
	s.bytes += size
	s.Log.Debugf("Wrote segment %v with %v frames (%v bytes)", name, enc.Frames(), size)
	return []stream.Ack{
		{Kind: stream.AckReceived, Timestamp: fragmentTS},
		{Kind: stream.AckPersisted, Timestamp: fragmentTS},
	}, nil
}

// Names of the segments written so far, oldest first
func (s *SegmentSink) Segments() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string{}, s.segments...)
}

// Total number of segment bytes written
func (s *SegmentSink) Bytes() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.bytes
}
