package contentview

import "time"

// WindowDuration returns the ack time span from the cursor to the end of the newest
// item, and from the tail to the end of the newest item.
func (v *ContentView) WindowDuration() (current, window time.Duration) {
	if v.IsEmpty() {
		return 0, 0
	}
	newest := v.slot(v.head - 1)
	end := newest.AckTimestamp + newest.Duration
	window = end - v.slot(v.tail).AckTimestamp
	if v.current != v.head {
		current = end - v.slot(v.current).AckTimestamp
	}
	return
}

// WindowItemCount returns the number of items from the cursor to head, and from tail to head
func (v *ContentView) WindowItemCount() (current, window uint64) {
	return v.head - v.current, v.head - v.tail
}

// WindowAllocationSize returns the number of payload bytes from the cursor to head,
// and from tail to head. The window sum is only computed if wantWindow is true.
func (v *ContentView) WindowAllocationSize(wantWindow bool) (current, window uint64) {
	stop := v.current
	if wantWindow {
		stop = v.tail
	}
	for i := v.head; i > stop; i-- {
		length := uint64(v.slot(i - 1).Length)
		if i > v.current {
			current += length
		}
		window += length
	}
	if !wantWindow {
		window = 0
	}
	return
}
