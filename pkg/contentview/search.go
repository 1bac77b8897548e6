package contentview

import (
	"fmt"
	"time"
)

// Returns true if ts falls between the start of the oldest item and the end of the newest item
func (v *ContentView) TimestampInRange(ts time.Duration, useAck bool) bool {
	if v.IsEmpty() {
		return false
	}
	oldest := v.slot(v.tail)
	newest := v.slot(v.head - 1)
	return ts >= oldest.timestamp(useAck) && ts <= newest.timestamp(useAck)+newest.Duration
}

// GetItemWithTimestamp returns the item whose [timestamp, timestamp + duration] interval
// contains ts. This is a binary search, which relies on timestamps being non-decreasing
// from tail to head. Does not move the read cursor.
func (v *ContentView) GetItemWithTimestamp(ts time.Duration, useAck bool) (Item, error) {
	if !v.TimestampInRange(ts, useAck) {
		return Item{}, fmt.Errorf("%w: %v is outside the window", ErrInvalidTimestamp, ts)
	}
	lo := v.tail
	hi := v.head - 1
	// When ts lands exactly on the end of one item, and the start of the next,
	// we want the next item. This matters for acks, which carry the start
	// timestamp of a fragment.
	var boundary *Item
	for lo <= hi {
		mid := lo + (hi-lo)/2
		item := v.slot(mid)
		start := item.timestamp(useAck)
		end := start + item.Duration
		if start > ts {
			if mid == lo {
				break
			}
			hi = mid - 1
		} else if end < ts {
			lo = mid + 1
		} else if end == ts && item.Duration != 0 && mid < v.head-1 {
			boundary = item
			lo = mid + 1
		} else {
			return *item, nil
		}
	}
	if boundary != nil {
		return *boundary, nil
	}
	// ts is in range, but it falls into a gap between two items
	return Item{}, fmt.Errorf("%w: no item covers %v", ErrInvalidTimestamp, ts)
}
