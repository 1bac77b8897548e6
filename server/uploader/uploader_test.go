package uploader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/producer/pkg/contentview"
	"github.com/cyclopcam/producer/server/stream"
	"github.com/stretchr/testify/require"
)

func newTestStream(t *testing.T, nFrames, gop int) *stream.Stream {
	s, err := stream.New(logs.NewTestingLog(t), stream.Settings{
		Name:           "up",
		BufferItems:    100,
		BufferDuration: time.Hour,
		StorageBytes:   1024 * 1024,
		Policy:         contentview.DropTailItem,
		ReplayDuration: time.Hour,
	}, stream.Callbacks{})
	require.NoError(t, err)
	for i := 0; i < nFrames; i++ {
		_, err := s.PutFrame(stream.Frame{
			Timestamp: time.Duration(i * 10),
			Duration:  10,
			KeyFrame:  i%gop == 0,
			Data:      []byte{byte(i), 1, 2, 3},
		})
		require.NoError(t, err)
	}
	return s
}

func testSettings() Settings {
	return Settings{
		PollInterval: time.Millisecond,
		MinBackoff:   time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
	}
}

func allIndices(n int) []uint64 {
	r := []uint64{}
	for i := 0; i < n; i++ {
		r = append(r, uint64(i))
	}
	return r
}

// Start the uploader, and wait until the sink has seen every frame
func runUntilReceived(t *testing.T, u *Uploader, sink *MemorySink, n int) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		u.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return len(sink.ReceivedIndices()) == n
	}, 5*time.Second, time.Millisecond)
	// Give the uploader a moment to apply the final acks
	time.Sleep(10 * time.Millisecond)
	cancel()
	wg.Wait()
	require.Equal(t, allIndices(n), sink.ReceivedIndices())
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second)
	require.Equal(t, time.Second, b.Next())
	require.Equal(t, 2*time.Second, b.Next())
	require.Equal(t, 4*time.Second, b.Next())
	require.Equal(t, 5*time.Second, b.Next())
	require.Equal(t, 5*time.Second, b.Next())
	b.Reset()
	require.Equal(t, time.Second, b.Next())
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	acks, err := sink.Send(ctx, stream.Frame{Index: 0, AckTimestamp: 0, KeyFrame: true, Data: []byte{1}})
	require.NoError(t, err)
	require.Equal(t, []stream.Ack{{Kind: stream.AckBuffering, Timestamp: 0}}, acks)

	acks, err = sink.Send(ctx, stream.Frame{Index: 1, AckTimestamp: 10, Data: []byte{1}})
	require.NoError(t, err)
	require.Empty(t, acks)

	acks, err = sink.Send(ctx, stream.Frame{Index: 2, AckTimestamp: 20, KeyFrame: true, Data: []byte{1}})
	require.NoError(t, err)
	require.Equal(t, []stream.Ack{
		{Kind: stream.AckReceived, Timestamp: 0},
		{Kind: stream.AckPersisted, Timestamp: 0},
		{Kind: stream.AckBuffering, Timestamp: 20},
	}, acks)

	sink.FailNext(1)
	_, err = sink.Send(ctx, stream.Frame{Index: 3, AckTimestamp: 30, Data: []byte{1}})
	require.ErrorIs(t, err, ErrSendFailed)

	// The connection was dropped, so fragment 20 is never acknowledged
	acks, err = sink.Send(ctx, stream.Frame{Index: 4, AckTimestamp: 40, KeyFrame: true, Data: []byte{1}})
	require.NoError(t, err)
	require.Equal(t, []stream.Ack{{Kind: stream.AckBuffering, Timestamp: 40}}, acks)

	require.Equal(t, []uint64{0, 1, 2, 4}, sink.ReceivedIndices())
	require.Equal(t, 5, sink.SendCount())
	require.Equal(t, int64(4), sink.Bytes())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = sink.Send(cancelled, stream.Frame{Index: 5, Data: []byte{1}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestUpload(t *testing.T) {
	s := newTestStream(t, 30, 10)
	sink := NewMemorySink()
	u := New(logs.NewTestingLog(t), s, sink, testSettings())
	runUntilReceived(t, u, sink, 30)

	st := u.Stats()
	require.Equal(t, int64(30), st.FramesSent)
	require.Equal(t, int64(0), st.SendErrors)
	require.Equal(t, int64(0), st.AckErrors)
	// 3 buffering acks, and 2 received + persisted pairs
	require.Equal(t, int64(7), st.Acks)
	require.LessOrEqual(t, st.AvgSendTime, st.MaxSendTime)

	// Fragment 10 was persisted, so fragment 0 is gone
	ss := s.Stats()
	require.Equal(t, uint64(10), ss.View.Tail)
	require.Equal(t, uint64(30), ss.View.Current)
	require.Equal(t, int64(0), ss.FramesDropped)
}

func TestUploadWithSendErrors(t *testing.T) {
	s := newTestStream(t, 30, 5)
	sink := NewMemorySink()
	sink.FailEvery = 13
	u := New(logs.NewTestingLog(t), s, sink, testSettings())
	runUntilReceived(t, u, sink, 30)

	// Sends 13 and 26 fail, and each failure replays the fragment in progress
	require.Equal(t, int64(2), u.Stats().SendErrors)
	require.Equal(t, 36, sink.SendCount())
	ss := s.Stats()
	require.Equal(t, int64(2), ss.Resumes)
	require.Equal(t, uint64(20), ss.View.Tail)
}

func TestUploadStopsWhenStreamCloses(t *testing.T) {
	s := newTestStream(t, 0, 5)
	u := New(logs.NewTestingLog(t), s, NewMemorySink(), testSettings())
	done := make(chan bool)
	go func() {
		u.Run(context.Background())
		close(done)
	}()
	s.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Uploader did not stop")
	}
}
