package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/producer/pkg/contentview"
)

type AckKind int

const (
	AckBuffering AckKind = iota // The backend has started receiving a fragment
	AckReceived                 // The backend has received the whole fragment
	AckPersisted                // The fragment is durably stored, so everything before it can go
	AckError                    // The backend rejected the fragment
)

func (k AckKind) String() string {
	switch k {
	case AckBuffering:
		return "buffering"
	case AckReceived:
		return "received"
	case AckPersisted:
		return "persisted"
	case AckError:
		return "error"
	}
	return "unknown"
}

// Ack is a fragment acknowledgement from the backend.
// Timestamp is the ack timestamp of the first frame of the fragment.
type Ack struct {
	Kind         AckKind
	Timestamp    time.Duration
	SkipFragment bool // Only for AckError. The fragment is bad, and must not be sent again.
}

// OnAck applies a backend acknowledgement to the content view
func (s *Stream) OnAck(ack Ack) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}

	item, err := s.view.GetItemWithTimestamp(ack.Timestamp, true)
	if err != nil {
		if errors.Is(err, contentview.ErrInvalidTimestamp) {
			s.Log.Warnf("Stream %v got %v ack for %v, which is no longer buffered", s.settings.Name, ack.Kind, ack.Timestamp)
			if s.callbacks.OnDroppedFragment != nil {
				s.callbacks.OnDroppedFragment(ack.Timestamp)
			}
		}
		return err
	}

	switch ack.Kind {
	case AckBuffering:
	case AckReceived:
		s.forEachInFragment(item.Index, s.view.MarkAcked)
	case AckPersisted:
		s.persisted++
		return s.view.TrimTail(item.Index)
	case AckError:
		if ack.SkipFragment {
			s.forEachInFragment(item.Index, s.view.MarkSkip)
		}
		s.resumeLocked(fmt.Sprintf("error ack for fragment at %v", ack.Timestamp))
	default:
		return fmt.Errorf("%w: ack kind %v", contentview.ErrInvalidArgument, int(ack.Kind))
	}
	return nil
}

// Call fn on every index of the fragment that contains 'first', starting at 'first'
func (s *Stream) forEachInFragment(first uint64, fn func(index uint64) error) {
	for i := first; i < s.view.Head(); i++ {
		item, _ := s.view.GetItemAt(i)
		if i != first && item.FragmentStart {
			return
		}
		fn(i)
	}
}
