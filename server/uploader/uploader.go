// Package uploader drains a stream into a Sink, applying the acks that come back,
// and rewinding the stream after send errors.
package uploader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/producer/pkg/contentview"
	"github.com/cyclopcam/producer/pkg/perfstats"
	"github.com/cyclopcam/producer/server/stream"
)

type Settings struct {
	PollInterval time.Duration // Wait between polls when the stream has nothing new
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

type Stats struct {
	FramesSent  int64         `json:"framesSent"`
	SendErrors  int64         `json:"sendErrors"`
	Acks        int64         `json:"acks"`
	AckErrors   int64         `json:"ackErrors"`
	AvgSendTime time.Duration `json:"avgSendTime"`
	MaxSendTime time.Duration `json:"maxSendTime"`
}

type Uploader struct {
	Log      logs.Log
	stream   *stream.Stream
	sink     Sink
	settings Settings

	framesSent atomic.Int64
	sendErrors atomic.Int64
	acks       atomic.Int64
	ackErrors  atomic.Int64

	sendTimeLock sync.Mutex
	sendTime     perfstats.TimeAccumulator
}

func New(log logs.Log, s *stream.Stream, sink Sink, settings Settings) *Uploader {
	if settings.PollInterval <= 0 {
		settings.PollInterval = 10 * time.Millisecond
	}
	return &Uploader{
		Log:      log,
		stream:   s,
		sink:     sink,
		settings: settings,
	}
}

// Run sends frames until ctx is cancelled, or the stream is closed
func (u *Uploader) Run(ctx context.Context) {
	name := u.stream.Name()
	u.Log.Infof("Uploader for %v starting", name)
	defer u.Log.Infof("Uploader for %v stopped", name)

	backoff := NewBackoff(u.settings.MinBackoff, u.settings.MaxBackoff)
	for ctx.Err() == nil {
		frame, err := u.stream.GetNextFrame()
		if errors.Is(err, contentview.ErrNoMoreItems) {
			sleep(ctx, u.settings.PollInterval)
			continue
		} else if errors.Is(err, stream.ErrClosed) {
			return
		} else if err != nil {
			u.Log.Errorf("Uploader for %v failed to read frame: %v", name, err)
			sleep(ctx, u.settings.PollInterval)
			continue
		}

		start := time.Now()
		acks, err := u.sink.Send(ctx, frame)
		u.sendTimeLock.Lock()
		u.sendTime.AddSample(time.Since(start))
		u.sendTimeLock.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			u.sendErrors.Add(1)
			delay := backoff.Next()
			u.Log.Warnf("Uploader for %v failed to send frame %v: %v. Retrying in %v", name, frame.Index, err, delay)
			if !sleep(ctx, delay) {
				return
			}
			u.stream.Resume(err.Error())
			continue
		}
		backoff.Reset()
		u.framesSent.Add(1)

		for _, ack := range acks {
			u.acks.Add(1)
			if err := u.stream.OnAck(ack); err != nil {
				u.ackErrors.Add(1)
				u.Log.Warnf("Uploader for %v: %v ack at %v failed: %v", name, ack.Kind, ack.Timestamp, err)
			}
		}
	}
}

func (u *Uploader) Stats() Stats {
	u.sendTimeLock.Lock()
	defer u.sendTimeLock.Unlock()
	return Stats{
		FramesSent:  u.framesSent.Load(),
		SendErrors:  u.sendErrors.Load(),
		Acks:        u.acks.Load(),
		AckErrors:   u.ackErrors.Load(),
		AvgSendTime: u.sendTime.Average(),
		MaxSendTime: u.sendTime.Max,
	}
}

// Returns false if ctx was cancelled before d elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
