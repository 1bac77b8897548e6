package uploader

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/producer/server/stream"
)

var ErrSendFailed = errors.New("Send failed")

// Sink is the network side of an upload. Send delivers one frame, and returns
// any acks that the backend has produced since the previous call.
type Sink interface {
	Send(ctx context.Context, frame stream.Frame) ([]stream.Ack, error)
}

// MemorySink is an in-process backend. A fragment is considered received and persisted
// as soon as the next fragment starts arriving.
// A failed send drops the connection, so the fragment in progress is forgotten.
type MemorySink struct {
	FailEvery int // If non-zero, every FailEvery'th send fails

	lock       sync.Mutex
	sends      int
	failNext   int
	inFragment bool
	fragmentTS time.Duration
	received   map[uint64]bool
	bytes      int64
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		received: map[uint64]bool{},
	}
}

// FailNext causes the next n sends to fail
func (m *MemorySink) FailNext(n int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.failNext = n
}

func (m *MemorySink) Send(ctx context.Context, frame stream.Frame) ([]stream.Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.sends++
	if m.failNext > 0 || (m.FailEvery != 0 && m.sends%m.FailEvery == 0) {
		if m.failNext > 0 {
			m.failNext--
		}
		m.inFragment = false
		return nil, ErrSendFailed
	}

	m.received[frame.Index] = true
	m.bytes += int64(len(frame.Data))

	var acks []stream.Ack
	if frame.KeyFrame {
		if m.inFragment {
			acks = append(acks,
				stream.Ack{Kind: stream.AckReceived, Timestamp: m.fragmentTS},
				stream.Ack{Kind: stream.AckPersisted, Timestamp: m.fragmentTS})
		}
		m.inFragment = true
		m.fragmentTS = frame.AckTimestamp
		acks = append(acks, stream.Ack{Kind: stream.AckBuffering, Timestamp: frame.AckTimestamp})
	}
	return acks, nil
}

// Number of calls to Send, including failures
func (m *MemorySink) SendCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.sends
}

// Sorted list of distinct frame indices that were delivered
func (m *MemorySink) ReceivedIndices() []uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	r := make([]uint64, 0, len(m.received))
	for idx := range m.received {
		r = append(r, idx)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}

// Total number of payload bytes delivered, including resends
func (m *MemorySink) Bytes() int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.bytes
}
