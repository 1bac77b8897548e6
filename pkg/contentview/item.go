package contentview

import "time"

// Handle is an opaque reference to bytes owned by an external allocator.
// The view never reads, writes or frees the bytes behind a handle.
type Handle uint64

// InvalidHandle is never returned by an allocator
const InvalidHandle Handle = 0

// Item describes one buffered media item (usually a frame).
// It does not own the bytes that it refers to.
type Item struct {
	Index        uint64        // Permanent logical position. Assigned by AddItem, never reused.
	Timestamp    time.Duration // Capture/presentation time
	AckTimestamp time.Duration // Time used for upload/ack matching. Equal to Timestamp in absolute mode.
	Duration     time.Duration

	Handle Handle
	Offset uint32 // Byte offset of the payload inside the allocation
	Length uint32 // Byte length of the payload. Must be > 0.

	FragmentStart bool // First item of a fragment (eg an IDR frame). The only safe resume point.
	Acked         bool // The backend has acknowledged receipt of the fragment containing this item
	Skip          bool // Not real data (eg a placeholder). Rollback will not land on it.
}

// Returns either Timestamp or AckTimestamp
func (i *Item) timestamp(useAck bool) time.Duration {
	if useAck {
		return i.AckTimestamp
	}
	return i.Timestamp
}

// Returns true if ts falls inside [timestamp, timestamp + duration]
func (i *Item) covers(ts time.Duration, useAck bool) bool {
	start := i.timestamp(useAck)
	return ts >= start && ts <= start+i.Duration
}

// Copy the data identity (bytes and flags) of src, but not its index or timing
func (i *Item) takeDataIdentity(src *Item) {
	i.Handle = src.Handle
	i.Offset = src.Offset
	i.Length = src.Length
	i.FragmentStart = src.FragmentStart
	i.Acked = src.Acked
	i.Skip = src.Skip
}
