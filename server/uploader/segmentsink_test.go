package uploader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/asticode/go-astits"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/producer/pkg/contentview"
	"github.com/cyclopcam/producer/pkg/videox"
	"github.com/cyclopcam/producer/server/blobstore"
	"github.com/cyclopcam/producer/server/stream"
	"github.com/stretchr/testify/require"
)

func testFrames(t *testing.T, n, gop int) []stream.Frame {
	frames := []stream.Frame{}
	for i, p := range videox.CreateTestPackets(videox.CodecH264, 0, n, 30, gop, 200) {
		data, err := p.AnnexB()
		require.NoError(t, err)
		frames = append(frames, stream.Frame{
			Index:        uint64(i),
			Timestamp:    p.PTS,
			AckTimestamp: p.PTS,
			KeyFrame:     p.HasIDR(),
			Data:         data,
		})
	}
	return frames
}

func countPES(t *testing.T, ts []byte) int {
	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(ts))
	n := 0
	for {
		d, err := dmx.NextData()
		if errors.Is(err, astits.ErrNoMorePackets) {
			return n
		}
		require.NoError(t, err)
		if d.PES != nil {
			n++
		}
	}
}

func newTestStorage(t *testing.T) *blobstore.StorageFS {
	s, err := blobstore.NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSegmentSink(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)
	sink := NewSegmentSink(logs.NewTestingLog(t), storage, "front", videox.CodecH264)
	frames := testFrames(t, 12, 5)
	ts5 := frames[5].AckTimestamp
	ts10 := frames[10].AckTimestamp

	allAcks := [][]stream.Ack{}
	for _, f := range frames {
		acks, err := sink.Send(ctx, f)
		require.NoError(t, err)
		allAcks = append(allAcks, acks)
	}
	require.Equal(t, []stream.Ack{{Kind: stream.AckBuffering, Timestamp: 0}}, allAcks[0])
	require.Empty(t, allAcks[4])
	require.Equal(t, []stream.Ack{
		{Kind: stream.AckReceived, Timestamp: 0},
		{Kind: stream.AckPersisted, Timestamp: 0},
		{Kind: stream.AckBuffering, Timestamp: ts5},
	}, allAcks[5])
	require.Equal(t, []stream.Ack{
		{Kind: stream.AckReceived, Timestamp: ts5},
		{Kind: stream.AckPersisted, Timestamp: ts5},
		{Kind: stream.AckBuffering, Timestamp: ts10},
	}, allAcks[10])

	acks, err := sink.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, []stream.Ack{
		{Kind: stream.AckReceived, Timestamp: ts10},
		{Kind: stream.AckPersisted, Timestamp: ts10},
	}, acks)

	// Nothing left
	acks, err = sink.Flush(ctx)
	require.NoError(t, err)
	require.Empty(t, acks)

	require.Equal(t, []string{"front/000000000000.ts", "front/000000000166.ts", "front/000000000333.ts"}, sink.Segments())
	total := int64(0)
	for i, expect := range []int{5, 5, 2} {
		ts, err := blobstore.ReadFile(ctx, storage, sink.Segments()[i])
		require.NoError(t, err)
		require.Equal(t, expect, countPES(t, ts))
		total += int64(len(ts))
	}
	require.Equal(t, total, sink.Bytes())
}

func TestSegmentSinkJoinsMidFragment(t *testing.T) {
	ctx := context.Background()
	sink := NewSegmentSink(logs.NewTestingLog(t), newTestStorage(t), "x", videox.CodecH264)
	frames := testFrames(t, 7, 5)
	for _, f := range frames[2:5] {
		acks, err := sink.Send(ctx, f)
		require.NoError(t, err)
		require.Empty(t, acks)
	}
	acks, err := sink.Flush(ctx)
	require.NoError(t, err)
	require.Empty(t, acks)

	acks, err = sink.Send(ctx, frames[5])
	require.NoError(t, err)
	require.Equal(t, []stream.Ack{{Kind: stream.AckBuffering, Timestamp: frames[5].AckTimestamp}}, acks)
	require.Empty(t, sink.Segments())
}

func TestSegmentSinkRejectsCorruptFragment(t *testing.T) {
	ctx := context.Background()
	sink := NewSegmentSink(logs.NewTestingLog(t), newTestStorage(t), "x", videox.CodecH264)
	frames := testFrames(t, 6, 5)
	// Not Annex-B
	frames[1].Data = []byte{1, 2, 3}
	for _, f := range frames[:5] {
		_, err := sink.Send(ctx, f)
		require.NoError(t, err)
	}
	acks, err := sink.Send(ctx, frames[5])
	require.NoError(t, err)
	require.Equal(t, []stream.Ack{{Kind: stream.AckError, Timestamp: 0, SkipFragment: true}}, acks)
	require.Empty(t, sink.Segments())

	// After the stream rewinds, the next fragment starts cleanly
	acks, err = sink.Send(ctx, frames[5])
	require.NoError(t, err)
	require.Equal(t, []stream.Ack{{Kind: stream.AckBuffering, Timestamp: frames[5].AckTimestamp}}, acks)
}

type failingStorage struct {
	blobstore.Storage
	fail bool
}

func (f *failingStorage) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	if f.fail {
		return nil, errors.New("disk on fire")
	}
	return f.Storage.WriteFile(ctx, name)
}

func TestSegmentSinkStorageFailure(t *testing.T) {
	ctx := context.Background()
	storage := &failingStorage{Storage: newTestStorage(t), fail: true}
	sink := NewSegmentSink(logs.NewTestingLog(t), storage, "x", videox.CodecH264)
	frames := testFrames(t, 11, 5)
	for _, f := range frames[:5] {
		_, err := sink.Send(ctx, f)
		require.NoError(t, err)
	}
	_, err := sink.Send(ctx, frames[5])
	require.ErrorIs(t, err, ErrSendFailed)
	require.Empty(t, sink.Segments())

	// The uploader replays from the fragment start
	storage.fail = false
	for _, f := range frames[5:] {
		_, err := sink.Send(ctx, f)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"x/000000000166.ts"}, sink.Segments())
}

func TestUploadSegments(t *testing.T) {
	log := logs.NewTestingLog(t)
	s, err := stream.New(log, stream.Settings{
		Name:           "seg",
		BufferItems:    100,
		BufferDuration: time.Hour,
		StorageBytes:   1024 * 1024,
		Policy:         contentview.DropUntilFragmentStart,
		ReplayDuration: time.Hour,
	}, stream.Callbacks{})
	require.NoError(t, err)
	for _, p := range videox.CreateTestPackets(videox.CodecH264, 0, 20, 30, 5, 200) {
		_, err := s.PutPacket(p, time.Second/30)
		require.NoError(t, err)
	}

	sink := NewSegmentSink(log, newTestStorage(t), "seg", videox.CodecH264)
	u := New(log, s, sink, testSettings())
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		u.Run(ctx)
	}()
	// Fragments 0, 5 and 10 are complete. Fragment 15 waits for a keyframe that never comes.
	require.Eventually(t, func() bool {
		v := s.Stats().View
		return len(sink.Segments()) == 3 && v.Tail == 10 && v.Current == 20
	}, 5*time.Second, time.Millisecond)
	cancel()
	wg.Wait()

	require.Equal(t, int64(3), s.Stats().Persisted)
	require.Equal(t, int64(0), u.Stats().SendErrors)
}
