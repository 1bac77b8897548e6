// Package stream owns a content view and the payload bytes that its items point to.
// It is the only thing that talks to the content view, and it serializes every call.
package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/producer/pkg/contentstore"
	"github.com/cyclopcam/producer/pkg/contentview"
	"github.com/cyclopcam/producer/pkg/gen"
	"github.com/cyclopcam/producer/pkg/perfstats"
	"github.com/cyclopcam/producer/pkg/videox"
)

var (
	ErrClosed       = errors.New("Stream is closed")
	ErrStorageFull  = errors.New("Stream storage is full")
	ErrInvalidFrame = errors.New("Invalid frame")
)

// Number of drop reports that we keep for the status API
const dropHistorySize = 200

type Settings struct {
	Name               string
	BufferItems        uint64
	BufferDuration     time.Duration
	StorageBytes       int64
	Policy             contentview.OverflowPolicy
	AbsoluteTimestamps bool          // If false, ack timestamps are relative to the first frame
	ReplayDuration     time.Duration // How far back Resume rewinds the upload cursor
}

// Callbacks are invoked while the stream's lock is held, so they must not call back into the stream
type Callbacks struct {
	OnDroppedFrame    func(drop DropReport)            // A frame was evicted before the uploader finished sending it
	OnDroppedFragment func(ackTimestamp time.Duration) // An ack arrived for a fragment that is no longer buffered
}

// Frame is one encoded media frame
type Frame struct {
	Index        uint64        // Assigned by the stream
	Timestamp    time.Duration // Presentation timestamp
	AckTimestamp time.Duration // Assigned by the stream. Acks refer to frames by this value.
	Duration     time.Duration
	KeyFrame     bool // Starts a new fragment
	Data         []byte
}

// DropReport describes a frame that left the buffer.
// Index and Timestamp are those of the frame when it was put.
type DropReport struct {
	Index     uint64        `json:"index"`
	Timestamp time.Duration `json:"timestamp"`
	Bytes     uint32        `json:"bytes"`
	Unsent    bool          `json:"unsent"`    // The frame was at or ahead of the upload cursor
	Relocated bool          `json:"relocated"` // The frame had been moved into an older slot, because it was being uploaded when its own slot was evicted
	Time      time.Time     `json:"time"`
}

// Where a stored frame was put, keyed by its storage handle.
// The content view can move a frame's bytes into another slot, so the slot doesn't tell us this.
type frameOrigin struct {
	index     uint64
	timestamp time.Duration
}

type Stats struct {
	Name             string            `json:"name"`
	View             contentview.Stats `json:"view"`
	StorageUsed      int64             `json:"storageUsed"`
	StorageAvailable int64             `json:"storageAvailable"`
	FramesPut        int64             `json:"framesPut"`
	AvgFrameBytes    float64           `json:"avgFrameBytes"`
	FramesSent       int64             `json:"framesSent"`
	FramesEvicted    int64             `json:"framesEvicted"`
	FramesDropped    int64             `json:"framesDropped"` // Evicted with Unsent set
	Persisted        int64             `json:"persisted"`     // Number of persisted acks
	Resumes          int64             `json:"resumes"`
}

type Stream struct {
	Log logs.Log

	settings  Settings
	callbacks Callbacks

	lock          sync.Mutex // Guards everything below
	view          *contentview.ContentView
	store         *contentstore.Store
	drops         ringbuffer.RingP[DropReport]
	origins       map[contentview.Handle]frameOrigin
	haveFirst     bool
	firstTS       time.Duration
	lastTS        time.Duration
	closed        bool
	framesPut     int64
	frameBytes    perfstats.Int64Accumulator
	framesSent    int64
	framesEvicted int64
	framesDropped int64
	persisted     int64
	resumes       int64
}

func New(log logs.Log, settings Settings, callbacks Callbacks) (*Stream, error) {
	if settings.StorageBytes <= 0 {
		return nil, fmt.Errorf("%w: storage size %v", contentview.ErrInvalidArgument, settings.StorageBytes)
	}
	s := &Stream{
		Log:       log,
		settings:  settings,
		callbacks: callbacks,
		store:     contentstore.New(settings.StorageBytes),
		drops:     ringbuffer.NewRingP[DropReport](dropHistorySize),
		origins:   map[contentview.Handle]frameOrigin{},
	}
	view, err := contentview.New(log, settings.BufferItems, settings.BufferDuration, s.onEvict, settings.Policy)
	if err != nil {
		return nil, err
	}
	s.view = view
	log.Infof("Stream %v created with %v items, %v, %v bytes, %v", settings.Name, settings.BufferItems, settings.BufferDuration, settings.StorageBytes, settings.Policy)
	return s, nil
}

func (s *Stream) Name() string {
	return s.settings.Name
}

func (s *Stream) Settings() Settings {
	return s.settings
}

// Close evicts every frame, and releases all storage
func (s *Stream) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	s.view.Close()
	s.closed = true
	s.Log.Infof("Stream %v closed", s.settings.Name)
}

// Called by the content view whenever an item leaves the window.
// The lock is always held when this runs.
func (s *Stream) onEvict(item contentview.Item, currentOrAhead bool) {
	if err := s.store.Free(item.Handle); err != nil {
		s.Log.Errorf("Stream %v failed to free frame %v: %v", s.settings.Name, item.Index, err)
	}
	origin, ok := s.origins[item.Handle]
	if !ok {
		origin = frameOrigin{index: item.Index, timestamp: item.Timestamp}
	}
	delete(s.origins, item.Handle)
	s.framesEvicted++
	drop := DropReport{
		Index:     origin.index,
		Timestamp: origin.timestamp,
		Bytes:     item.Length,
		Unsent:    currentOrAhead,
		Relocated: origin.index != item.Index,
		Time:      time.Now(),
	}
	s.drops.Add(drop)
	if currentOrAhead {
		s.framesDropped++
		s.Log.Debugf("Stream %v dropped unsent frame %v", s.settings.Name, origin.index)
		if s.callbacks.OnDroppedFrame != nil {
			s.callbacks.OnDroppedFrame(drop)
		}
	}
}

// PutFrame stores the frame's bytes and adds it to the content view.
// If the storage budget is exhausted, the oldest frames are evicted to make space.
func (s *Stream) PutFrame(f Frame) (uint64, error) {
	if len(f.Data) == 0 {
		return 0, fmt.Errorf("%w: empty frame", ErrInvalidFrame)
	}
	if int64(len(f.Data)) > s.store.MaxBytes() {
		return 0, fmt.Errorf("%w: frame of %v bytes can never fit", ErrStorageFull, len(f.Data))
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.haveFirst && f.Timestamp < s.lastTS {
		return 0, fmt.Errorf("%w: frame timestamp %v is before %v", contentview.ErrInvalidTimestamp, f.Timestamp, s.lastTS)
	}
	if !s.haveFirst {
		s.firstTS = f.Timestamp
	}
	ackTS := f.Timestamp
	if !s.settings.AbsoluteTimestamps {
		ackTS -= s.firstTS
	}

	handle, err := s.store.Alloc(f.Data)
	for errors.Is(err, contentstore.ErrOutOfMemory) {
		if s.view.IsEmpty() {
			return 0, fmt.Errorf("%w: %v", ErrStorageFull, err)
		}
		s.Log.Debugf("Stream %v storage pressure, evicting frame %v", s.settings.Name, s.view.Tail())
		s.view.TrimTail(s.view.Tail() + 1)
		handle, err = s.store.Alloc(f.Data)
	}
	if err != nil {
		return 0, err
	}

	index, err := s.view.AddItem(contentview.Item{
		Timestamp:     f.Timestamp,
		AckTimestamp:  ackTS,
		Duration:      f.Duration,
		Handle:        handle,
		Length:        uint32(len(f.Data)),
		FragmentStart: f.KeyFrame,
	})
	if err != nil {
		s.store.Free(handle)
		return 0, err
	}
	s.origins[handle] = frameOrigin{index: index, timestamp: f.Timestamp}
	s.haveFirst = true
	s.lastTS = f.Timestamp
	s.framesPut++
	s.frameBytes.AddSample(int64(len(f.Data)))
	return index, nil
}

// PutPacket adds a camera packet as one frame. Keyframes start a new fragment.
func (s *Stream) PutPacket(p *videox.VideoPacket, duration time.Duration) (uint64, error) {
	data, err := p.AnnexB()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return s.PutFrame(Frame{
		Timestamp: p.PTS,
		Duration:  duration,
		KeyFrame:  p.HasIDR(),
		Data:      data,
	})
}

// GetNextFrame returns the frame at the upload cursor, and advances the cursor.
// Returns contentview.ErrNoMoreItems when the uploader has caught up.
func (s *Stream) GetNextFrame() (Frame, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return Frame{}, ErrClosed
	}
	item, err := s.view.GetNext()
	if err != nil {
		return Frame{}, err
	}
	data, err := s.store.Read(item.Handle, item.Offset, item.Length)
	if err != nil {
		return Frame{}, err
	}
	s.framesSent++
	return Frame{
		Index:        item.Index,
		Timestamp:    item.Timestamp,
		AckTimestamp: item.AckTimestamp,
		Duration:     item.Duration,
		KeyFrame:     item.FragmentStart,
		Data:         data,
	}, nil
}

// Resume rewinds the upload cursor after a connection error, so that the most recent
// unacknowledged fragments are sent again.
func (s *Stream) Resume(reason string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.resumeLocked(reason)
}

func (s *Stream) resumeLocked(reason string) {
	if s.closed {
		return
	}
	before := s.view.Current()
	s.view.RollbackCurrent(s.settings.ReplayDuration, true, true)
	s.resumes++
	s.Log.Infof("Stream %v resuming at frame %v (was %v): %v", s.settings.Name, s.view.Current(), before, reason)
}

func (s *Stream) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()
	st := Stats{
		Name:             s.settings.Name,
		StorageUsed:      s.store.Used(),
		StorageAvailable: s.store.Available(),
		FramesPut:        s.framesPut,
		AvgFrameBytes:    s.frameBytes.Average(),
		FramesSent:       s.framesSent,
		FramesEvicted:    s.framesEvicted,
		FramesDropped:    s.framesDropped,
		Persisted:        s.persisted,
		Resumes:          s.resumes,
	}
	if !s.closed {
		st.View = s.view.Snapshot()
	}
	return st
}

// RecentDrops returns the most recent evictions, oldest first
func (s *Stream) RecentDrops() []DropReport {
	s.lock.Lock()
	defer s.lock.Unlock()
	r := make([]DropReport, 0, s.drops.Len())
	for i := 0; i < s.drops.Len(); i++ {
		r = append(r, s.drops.Peek(i))
	}
	return r
}

// DropsSince returns the drops after sequence number seq, oldest first, and the
// sequence number of the most recent drop. Every eviction is one step in the sequence.
// Drops that have fallen out of our history are silently skipped.
func (s *Stream) DropsSince(seq int64) ([]DropReport, int64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := int(gen.Clamp(s.framesEvicted-seq, 0, int64(s.drops.Len())))
	r := make([]DropReport, 0, n)
	for i := s.drops.Len() - n; i < s.drops.Len(); i++ {
		r = append(r, s.drops.Peek(i))
	}
	return r, s.framesEvicted
}
