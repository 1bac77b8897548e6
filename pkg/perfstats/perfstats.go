package perfstats

import (
	"time"

	"github.com/cyclopcam/producer/pkg/gen"
)

// Sample count and total, for measuring average sizes
type Int64Accumulator struct {
	Samples int64
	Total   int64
}

func (a *Int64Accumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *Int64Accumulator) AddSample(v int64) {
	a.Samples++
	a.Total += v
}

func (a *Int64Accumulator) Average() float64 {
	if a.Samples == 0 {
		return 0
	}
	return float64(a.Total) / float64(a.Samples)
}

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
	Max     time.Duration
}

func (a *TimeAccumulator) Reset() {
	*a = TimeAccumulator{}
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
	a.Max = gen.Max(a.Max, v)
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}
