package contentview

import "fmt"

// Returns false if the window is full, either by item count, or by duration.
// Duration is measured with ack timestamps.
func (v *ContentView) checkAvailability() bool {
	if v.IsEmpty() {
		return true
	}
	if v.head-v.tail >= v.capacity {
		return false
	}
	oldest := v.slot(v.tail)
	newest := v.slot(v.head - 1)
	return newest.AckTimestamp+newest.Duration-oldest.AckTimestamp < v.bufferDuration
}

// Returns the index of the item that the consumer is busy with, which is the
// item that was most recently returned by GetNext.
// ok is false if the consumer has not read anything inside the window.
func (v *ContentView) streamingIndex() (index uint64, ok bool) {
	if v.current > v.tail {
		return v.current - 1, true
	}
	return 0, false
}

// Evict items from the tail until the window has space for one more item.
// The item that the consumer is busy with is never evicted. If it ends up
// behind the new tail, it is relocated into the new tail slot.
func (v *ContentView) trimTailItems() {
	// Every pass evicts at least one item, so this is bounded by capacity
	for !v.checkAvailability() {
		if v.trimPass() == 0 {
			break
		}
	}
}

// Run one eviction pass according to our overflow policy.
// Returns the number of items evicted.
func (v *ContentView) trimPass() int {
	inFlight, streaming := v.streamingIndex()
	var saved Item
	skipped := false
	dropped := 0
	for v.tail < v.head {
		item := v.slot(v.tail)
		if v.policy == DropTailItem && dropped == 1 {
			break
		}
		if v.policy == DropUntilFragmentStart && dropped != 0 && item.FragmentStart {
			break
		}
		if streaming && v.tail == inFlight {
			saved = *item
			skipped = true
			v.tail++
			continue
		}
		index := v.tail
		v.tail++
		v.evict(item, streaming && index >= inFlight)
		dropped++
	}

	if v.policy == DropUntilFragmentStart && v.tail == v.head && v.log != nil {
		v.log.Warnf("Content view drained while looking for a fragment start. Capacity %v or buffer duration %v is too small", v.capacity, v.bufferDuration)
	}

	if v.current < v.tail {
		v.current = v.tail
	}
	// current == tail here, so after relocation the in-flight item is once again at current-1
	if skipped {
		v.relocateProtectedItem(&saved)
	}
	return dropped
}

// The consumer is busy with 'inFlight', but a trim pass has moved the tail past it.
// We step the tail back by one, and give that slot the data identity of the in-flight
// item. The slot keeps its own timestamps, which were those of the last item evicted
// (or of the in-flight item itself), so the window accounting stays gap free.
// The in-flight bytes remain reachable until this placeholder is itself evicted.
func (v *ContentView) relocateProtectedItem(inFlight *Item) {
	v.tail--
	v.slot(v.tail).takeDataIdentity(inFlight)
}

// Hand an item that has just left the window to the eviction callback
func (v *ContentView) evict(item *Item, currentOrAhead bool) {
	if v.onEvict != nil {
		v.onEvict(*item, currentOrAhead)
	}
}

// TrimTail evicts everything before index, regardless of whether the consumer
// has read it. This is used when the backend has persisted everything up to index.
// The read cursor is dragged forward if it falls behind the new tail.
func (v *ContentView) TrimTail(index uint64) error {
	if index < v.tail || index > v.head {
		return fmt.Errorf("%w: trim target %v is outside [%v, %v]", ErrInvalidIndex, index, v.tail, v.head)
	}
	for v.tail < index {
		item := v.slot(v.tail)
		forced := v.tail >= v.current
		v.tail++
		if v.current < v.tail {
			v.current = v.tail
		}
		v.evict(item, forced)
	}
	return nil
}

// RemoveAll evicts every item in the window
func (v *ContentView) RemoveAll() {
	// Cannot fail, because head is always a valid target
	v.TrimTail(v.head)
}
