package contentview

import (
	"fmt"
	"time"
)

// GetNext returns the item at the read cursor, and advances the cursor
func (v *ContentView) GetNext() (Item, error) {
	if v.current == v.head {
		return Item{}, ErrNoMoreItems
	}
	item := *v.slot(v.current)
	v.current++
	return item, nil
}

// GetItemAt returns the item at index, without moving the read cursor
func (v *ContentView) GetItemAt(index uint64) (Item, error) {
	if !v.ItemExists(index) {
		return Item{}, fmt.Errorf("%w: %v is outside [%v, %v)", ErrInvalidIndex, index, v.tail, v.head)
	}
	return *v.slot(index), nil
}

// ResetCurrent restarts consumption from the oldest item in the window
func (v *ContentView) ResetCurrent() {
	v.current = v.tail
}

// SetCurrent moves the read cursor to index, which may be head
func (v *ContentView) SetCurrent(index uint64) error {
	if index < v.tail || index > v.head {
		return fmt.Errorf("%w: cursor %v is outside [%v, %v]", ErrInvalidIndex, index, v.tail, v.head)
	}
	v.current = index
	return nil
}

// RollbackCurrent moves the read cursor backwards, so that the consumer can replay
// data after an error, such as a dropped connection.
//
// We walk back from the cursor for at most 'duration' of ack time, measured from
// the end of the last item that was read. If requireLastAck is set, we never walk
// back past an item that the backend has already acknowledged.
// If requireFragmentStart is set, we keep walking back beyond 'duration' until we
// reach the start of a fragment (or an acked item, or the tail), because a fragment
// cannot be resumed half way.
// Finally, we walk forward over skip items, which must never be sent again.
func (v *ContentView) RollbackCurrent(duration time.Duration, requireFragmentStart, requireLastAck bool) {
	if v.current == v.tail {
		return
	}
	last := v.slot(v.current - 1)
	end := last.AckTimestamp + last.Duration

	index := v.current
	for index > v.tail {
		prev := v.slot(index - 1)
		if requireLastAck && prev.Acked {
			break
		}
		if end-prev.AckTimestamp > duration {
			break
		}
		index--
	}

	if requireFragmentStart {
		for index > v.tail && !(index < v.head && v.slot(index).FragmentStart) {
			if requireLastAck && v.slot(index-1).Acked {
				break
			}
			index--
		}
	}

	for index < v.head && v.slot(index).Skip {
		index++
	}
	v.current = index
}
