package uploader

import (
	"time"

	"github.com/cyclopcam/producer/pkg/gen"
)

// Backoff is an exponential delay. It starts at Min, and doubles on each
// consecutive failure, up to Max. Reset after a success.
type Backoff struct {
	Min  time.Duration
	Max  time.Duration
	next time.Duration
}

func NewBackoff(min, max time.Duration) *Backoff {
	return &Backoff{Min: min, Max: max}
}

// Next returns the delay before the next attempt
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.Min
	}
	d := b.next
	b.next = gen.Clamp(b.next*2, b.Min, b.Max)
	return d
}

func (b *Backoff) Reset() {
	b.next = 0
}
