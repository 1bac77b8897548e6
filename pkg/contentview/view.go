// Package contentview is the sliding window of encoded frames that sits between
// the capture pipeline and the uploader.
//
// The view is a fixed capacity ring of Item records, addressed by permanent logical
// indices. Three cursors describe it:
//
//	tail <= current <= head
//
// [tail, head) is the window of retained items. current is the read cursor of the
// upload consumer. Items leave the window from the tail, either automatically when
// the window is full (count or duration), or explicitly when the backend acknowledges
// that everything before some index has been persisted.
//
// A ContentView does no locking of its own. The owner (typically a stream) must
// serialize every call, including read-only ones.
package contentview

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/cyclopcam/logs"
)

// Smallest configuration that we accept
const (
	MinItemCount      = 2
	MinBufferDuration = time.Duration(1)
)

// OverflowPolicy decides what gets evicted when the window is full
type OverflowPolicy int

const (
	// DropTailItem evicts one item at a time from the tail.
	DropTailItem OverflowPolicy = iota
	// DropUntilFragmentStart evicts from the tail until the new tail begins a fragment.
	DropUntilFragmentStart
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropTailItem:
		return "DropTailItem"
	case DropUntilFragmentStart:
		return "DropUntilFragmentStart"
	default:
		return "Unknown"
	}
}

// ParseOverflowPolicy is the inverse of OverflowPolicy.String
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "DropTailItem", "tail":
		return DropTailItem, nil
	case "DropUntilFragmentStart", "fragment":
		return DropUntilFragmentStart, nil
	}
	return DropTailItem, fmt.Errorf("%w: unknown overflow policy '%v'", ErrInvalidArgument, s)
}

// EvictFunc is called once for every item that leaves the window, before the
// item's slot can be reused. The item is a copy, so the callee may keep it.
// The callee owns item.Handle from this point onwards.
// currentOrAhead is true if the evicted item had not yet been handed to the
// consumer (or was the one it was busy with).
// The callback must not call back into the view.
type EvictFunc func(item Item, currentOrAhead bool)

type ContentView struct {
	log            logs.Log
	onEvict        EvictFunc
	policy         OverflowPolicy
	capacity       uint64
	bufferDuration time.Duration
	items          []Item

	tail    uint64 // oldest retained item
	current uint64 // next item for the consumer
	head    uint64 // one past the newest item
}

// New creates a content view with a fixed number of slots.
// log and onEvict may be nil.
func New(log logs.Log, capacity uint64, bufferDuration time.Duration, onEvict EvictFunc, policy OverflowPolicy) (*ContentView, error) {
	if capacity < MinItemCount {
		return nil, fmt.Errorf("%w: capacity %v is less than %v", ErrInvalidArgument, capacity, MinItemCount)
	}
	if bufferDuration < MinBufferDuration {
		return nil, fmt.Errorf("%w: buffer duration %v is less than %v", ErrInvalidArgument, bufferDuration, MinBufferDuration)
	}
	if policy != DropTailItem && policy != DropUntilFragmentStart {
		return nil, fmt.Errorf("%w: overflow policy %v", ErrInvalidArgument, int(policy))
	}
	return &ContentView{
		log:            log,
		onEvict:        onEvict,
		policy:         policy,
		capacity:       capacity,
		bufferDuration: bufferDuration,
		items:          make([]Item, capacity),
	}, nil
}

// Close evicts every remaining item (firing the eviction callback for each), and
// releases the item array. The view must not be used afterwards.
func (v *ContentView) Close() {
	v.RemoveAll()
	v.items = nil
}

// Maps a logical index to its physical slot
func (v *ContentView) slot(index uint64) *Item {
	return &v.items[index%v.capacity]
}

func (v *ContentView) Capacity() uint64              { return v.capacity }
func (v *ContentView) BufferDuration() time.Duration { return v.bufferDuration }
func (v *ContentView) Policy() OverflowPolicy        { return v.policy }
func (v *ContentView) Tail() uint64                  { return v.tail }
func (v *ContentView) Current() uint64               { return v.current }
func (v *ContentView) Head() uint64                  { return v.head }

// Returns true if the window is empty
func (v *ContentView) IsEmpty() bool {
	return v.head == v.tail
}

// Returns true if index is inside [tail, head)
func (v *ContentView) ItemExists(index uint64) bool {
	return index >= v.tail && index < v.head
}

// Returns the oldest item in the window
func (v *ContentView) TailItem() (Item, error) {
	if v.IsEmpty() {
		return Item{}, ErrNoMoreItems
	}
	return *v.slot(v.tail), nil
}

// Returns the newest item in the window
func (v *ContentView) HeadItem() (Item, error) {
	if v.IsEmpty() {
		return Item{}, ErrNoMoreItems
	}
	return *v.slot(v.head - 1), nil
}

// Returns the number of bytes used by the view's own bookkeeping.
// This does not include the payload bytes, which are owned by the allocator.
func (v *ContentView) AllocationSize() uint32 {
	return uint32(unsafe.Sizeof(ContentView{})) + uint32(v.capacity)*uint32(unsafe.Sizeof(Item{}))
}

// AddItem appends an item at the head of the window, and returns its logical index.
// If the window is full, items are evicted from the tail first, so AddItem never
// fails because of a lack of space.
// item.Index is ignored.
func (v *ContentView) AddItem(item Item) (uint64, error) {
	if item.Length == 0 {
		return 0, ErrInvalidLength
	}
	if item.Handle == InvalidHandle {
		return 0, fmt.Errorf("%w: allocation handle", ErrNullArgument)
	}
	if !v.IsEmpty() {
		newest := v.slot(v.head - 1)
		if item.Timestamp < newest.Timestamp {
			return 0, fmt.Errorf("%w: timestamp %v is before newest %v", ErrInvalidTimestamp, item.Timestamp, newest.Timestamp)
		}
		if item.AckTimestamp < newest.AckTimestamp {
			return 0, fmt.Errorf("%w: ack timestamp %v is before newest %v", ErrInvalidTimestamp, item.AckTimestamp, newest.AckTimestamp)
		}
		if !v.checkAvailability() {
			v.trimTailItems()
		}
	}

	item.Index = v.head
	*v.slot(v.head) = item
	v.head++
	return item.Index, nil
}

// MarkAcked sets the Acked flag of the item at index
func (v *ContentView) MarkAcked(index uint64) error {
	if !v.ItemExists(index) {
		return fmt.Errorf("%w: %v is outside [%v, %v)", ErrInvalidIndex, index, v.tail, v.head)
	}
	v.slot(index).Acked = true
	return nil
}

// MarkSkip sets the Skip flag of the item at index, so that RollbackCurrent will
// not hand it to the consumer again.
func (v *ContentView) MarkSkip(index uint64) error {
	if !v.ItemExists(index) {
		return fmt.Errorf("%w: %v is outside [%v, %v)", ErrInvalidIndex, index, v.tail, v.head)
	}
	v.slot(index).Skip = true
	return nil
}

// Stats is a snapshot of the view's cursors and window accounting
type Stats struct {
	Tail            uint64        `json:"tail"`
	Current         uint64        `json:"current"`
	Head            uint64        `json:"head"`
	Capacity        uint64        `json:"capacity"`
	WindowItems     uint64        `json:"windowItems"`
	CurrentItems    uint64        `json:"currentItems"`
	WindowDuration  time.Duration `json:"windowDuration"`
	CurrentDuration time.Duration `json:"currentDuration"`
	WindowBytes     uint64        `json:"windowBytes"`
	CurrentBytes    uint64        `json:"currentBytes"`
}

func (v *ContentView) Snapshot() Stats {
	s := Stats{
		Tail:     v.tail,
		Current:  v.current,
		Head:     v.head,
		Capacity: v.capacity,
	}
	s.CurrentItems, s.WindowItems = v.WindowItemCount()
	s.CurrentDuration, s.WindowDuration = v.WindowDuration()
	s.CurrentBytes, s.WindowBytes = v.WindowAllocationSize(true)
	return s
}
