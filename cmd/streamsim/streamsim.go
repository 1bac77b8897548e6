package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/producer/pkg/gen"
	"github.com/cyclopcam/producer/pkg/kibi"
	"github.com/cyclopcam/producer/pkg/videox"
	"github.com/cyclopcam/producer/server/blobstore"
	"github.com/cyclopcam/producer/server/camera"
	"github.com/cyclopcam/producer/server/config"
	"github.com/cyclopcam/producer/server/status"
	"github.com/cyclopcam/producer/server/stream"
	"github.com/cyclopcam/producer/server/uploader"
)

// streamsim feeds camera packets through the buffering and upload path, and reports
// what was dropped along the way. Packets are synthetic, unless a stream has an RTSP
// camera configured. Fragments go to an in-memory backend, or are written as MPEG-TS
// segments to a directory or a GCS bucket.

type simStream struct {
	stream   *stream.Stream
	codec    videox.Codec
	rtsp     string
	up       *uploader.Uploader
	memory   *uploader.MemorySink  // Only for the memory sink
	segments *uploader.SegmentSink // Only for the fs and gcs sinks
}

func streamSettings(c config.Stream) (stream.Settings, videox.Codec, error) {
	codec, err := videox.ParseCodec(c.Codec)
	if err != nil {
		return stream.Settings{}, codec, err
	}
	bufferDuration, _ := c.ParseBufferDuration()
	storage, _ := c.ParseStorageSize()
	policy, _ := c.ParseOverflowPolicy()
	replay, _ := c.ParseReplayDuration()
	return stream.Settings{
		Name:               c.Name,
		BufferItems:        uint64(c.BufferItems),
		BufferDuration:     bufferDuration,
		StorageBytes:       storage,
		Policy:             policy,
		AbsoluteTimestamps: c.AbsoluteTimestamps,
		ReplayDuration:     replay,
	}, codec, nil
}

func main() {
	parser := argparse.NewParser("streamsim", "Simulate a camera stream through the producer buffer")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file. Defaults are used if empty.", Default: ""})
	nFrames := parser.Int("", "frames", &argparse.Options{Help: "Number of frames to produce per stream", Default: 600})
	fps := parser.Int("", "fps", &argparse.Options{Help: "Frames per second", Default: 30})
	gop := parser.Int("", "gop", &argparse.Options{Help: "Frames between keyframes", Default: 30})
	frameSize := parser.Int("", "size", &argparse.Options{Help: "Bytes per frame", Default: 2000})
	failEvery := parser.Int("", "fail-every", &argparse.Options{Help: "Fail every Nth send to the backend (0 to never fail)", Default: 0})
	realtime := parser.Flag("", "realtime", &argparse.Options{Help: "Produce frames at the real frame rate", Default: false})
	httpListen := parser.String("", "http", &argparse.Options{Help: "Serve stream stats on this address, eg :8080", Default: ""})
	outDir := parser.String("o", "out", &argparse.Options{Help: "Write MPEG-TS segments to this directory, instead of the configured sink", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		if cfg, err = config.LoadConfig(*configFile); err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
	}
	if *httpListen != "" {
		cfg.HTTPListen = *httpListen
	}
	if *outDir != "" {
		cfg.Upload.Sink = config.SinkFilesystem
		cfg.Upload.Directory = *outDir
	}
	if *fps <= 0 || *gop <= 0 || *frameSize <= 0 {
		logger.Errorf("fps, gop and size must be positive")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var storage blobstore.Storage
	switch cfg.Upload.Sink {
	case config.SinkFilesystem:
		if storage, err = blobstore.NewStorageFS(logger, cfg.Upload.Directory); err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
	case config.SinkGCS:
		gcs, err := blobstore.NewStorageGCS(ctx, logger, cfg.Upload.Bucket)
		if err != nil {
			logger.Errorf("Failed to connect to GCS: %v", err)
			os.Exit(1)
		}
		defer gcs.Close()
		storage = gcs
	}

	statusServer := status.New(logger)
	poll, minBackoff, maxBackoff := cfg.Upload.ParseDurations()
	sims := []*simStream{}
	for _, sc := range cfg.Streams {
		settings, codec, err := streamSettings(sc)
		if err != nil {
			logger.Errorf("Stream %v: %v", sc.Name, err)
			os.Exit(1)
		}
		name := sc.Name
		st, err := stream.New(logger, settings, stream.Callbacks{
			OnDroppedFragment: func(ackTimestamp time.Duration) {
				logger.Warnf("Stream %v: acked fragment at %v was already gone", name, ackTimestamp)
			},
		})
		if err != nil {
			logger.Errorf("Stream %v: %v", sc.Name, err)
			os.Exit(1)
		}
		sim := &simStream{stream: st, codec: codec, rtsp: sc.RTSP}
		var sink uploader.Sink
		if storage != nil {
			sim.segments = uploader.NewSegmentSink(logger, storage, sc.Name, codec)
			sink = sim.segments
		} else {
			sim.memory = uploader.NewMemorySink()
			sim.memory.FailEvery = *failEvery
			sink = sim.memory
		}
		sim.up = uploader.New(logger, st, sink, uploader.Settings{
			PollInterval: poll,
			MinBackoff:   minBackoff,
			MaxBackoff:   maxBackoff,
		})
		statusServer.AddStream(st)
		sims = append(sims, sim)
	}

	if cfg.HTTPListen != "" {
		go func() {
			if err := statusServer.ListenAndServe(cfg.HTTPListen); err != nil {
				logger.Errorf("Status server: %v", err)
			}
		}()
	}

	uploadCtx, stopUploads := context.WithCancel(ctx)
	var uploads sync.WaitGroup
	var producers sync.WaitGroup
	for _, sim := range sims {
		uploads.Add(1)
		go func(sim *simStream) {
			defer uploads.Done()
			sim.up.Run(uploadCtx)
		}(sim)
		producers.Add(1)
		go func(sim *simStream) {
			defer producers.Done()
			if sim.rtsp != "" {
				runCamera(ctx, logger, sim)
			} else {
				produce(ctx, logger, sim, *nFrames, *fps, *gop, *frameSize, *realtime)
			}
		}(sim)
	}
	producers.Wait()

	// Let the uploaders drain whatever is left in the buffers
	deadline := time.Now().Add(10 * time.Second)
	for ctx.Err() == nil && time.Now().Before(deadline) && !allDrained(sims) {
		time.Sleep(50 * time.Millisecond)
	}
	stopUploads()
	uploads.Wait()

	for _, sim := range sims {
		if sim.segments != nil {
			flushSegments(logger, sim)
		}
		st := sim.stream.Stats()
		us := sim.up.Stats()
		logger.Infof("Stream %v: put %v, sent %v, evicted %v, dropped %v, resumes %v, persisted acks %v",
			st.Name, st.FramesPut, st.FramesSent, st.FramesEvicted, st.FramesDropped, st.Resumes, st.Persisted)
		if sim.memory != nil {
			logger.Infof("Stream %v: backend received %v distinct frames, %v in %v sends. %v send errors, %v ack errors",
				st.Name, len(sim.memory.ReceivedIndices()), kibi.FormatBytes(sim.memory.Bytes()), sim.memory.SendCount(), us.SendErrors, us.AckErrors)
		} else {
			logger.Infof("Stream %v: wrote %v segments, %v. %v send errors, %v ack errors",
				st.Name, len(sim.segments.Segments()), kibi.FormatBytes(sim.segments.Bytes()), us.SendErrors, us.AckErrors)
		}
		for _, d := range lastN(sim.stream.RecentDrops(), 5) {
			if d.Unsent {
				logger.Infof("Stream %v: frame %v (%v bytes at %v) was dropped before upload", st.Name, d.Index, d.Bytes, d.Timestamp)
			}
		}
		sim.stream.Close()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second)
	defer cancelShutdown()
	statusServer.Shutdown(shutdownCtx)
}

func produce(ctx context.Context, logger logs.Log, sim *simStream, nFrames, fps, gop, frameSize int, realtime bool) {
	frameDuration := time.Second / time.Duration(fps)
	const batch = 100
	for start := 0; start < nFrames && ctx.Err() == nil; start += batch {
		n := gen.Min(batch, nFrames-start)
		for _, p := range videox.CreateTestPackets(sim.codec, start, n, fps, gop, frameSize) {
			if _, err := sim.stream.PutPacket(p, frameDuration); err != nil {
				logger.Errorf("Stream %v: failed to put packet at %v: %v", sim.stream.Name(), p.PTS, err)
			}
			if realtime {
				time.Sleep(frameDuration)
			}
		}
	}
}

// Write out the final partial fragment, which has no following keyframe to complete it
func flushSegments(logger logs.Log, sim *simStream) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	acks, err := sim.segments.Flush(ctx)
	if err != nil {
		logger.Errorf("Stream %v: failed to write final segment: %v", sim.stream.Name(), err)
		return
	}
	for _, ack := range acks {
		if err := sim.stream.OnAck(ack); err != nil {
			logger.Warnf("Stream %v: %v ack at %v failed: %v", sim.stream.Name(), ack.Kind, ack.Timestamp, err)
		}
	}
}

// Feed the stream from an RTSP camera until ctx is cancelled, reconnecting after failures
func runCamera(ctx context.Context, logger logs.Log, sim *simStream) {
	name := sim.stream.Name()
	onPacket := func(p *videox.VideoPacket, duration time.Duration) {
		if p.Codec != sim.codec {
			logger.Warnf("Stream %v: camera sends %v, but the stream is configured for %v", name, p.Codec, sim.codec)
		}
		if _, err := sim.stream.PutPacket(p, duration); err != nil {
			logger.Warnf("Stream %v: failed to put camera packet at %v: %v", name, p.PTS, err)
		}
	}
	backoff := uploader.NewBackoff(time.Second, 30*time.Second)
	for ctx.Err() == nil {
		src := camera.NewSource(logger, onPacket)
		if err := src.Start(sim.rtsp); err != nil {
			delay := backoff.Next()
			logger.Errorf("Stream %v: %v. Retrying in %v", name, err, delay)
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			continue
		}
		backoff.Reset()
		lost := make(chan error, 1)
		go func() {
			lost <- src.Wait()
		}()
		select {
		case <-ctx.Done():
			src.Close()
			<-lost
		case err := <-lost:
			logger.Warnf("Stream %v: lost camera connection: %v", name, err)
			src.Close()
		}
		packets, rejected := src.Counts()
		logger.Infof("Stream %v: camera delivered %v packets, rejected %v", name, packets, rejected)
	}
}

func allDrained(sims []*simStream) bool {
	for _, sim := range sims {
		v := sim.stream.Stats().View
		if v.Current != v.Head {
			return false
		}
	}
	return true
}

func lastN[T any](items []T, n int) []T {
	if len(items) > n {
		return items[len(items)-n:]
	}
	return items
}
