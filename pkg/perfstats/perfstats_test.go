package perfstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccumulators(t *testing.T) {
	a := Int64Accumulator{}
	require.Equal(t, 0.0, a.Average())
	a.AddSample(10)
	a.AddSample(15)
	require.Equal(t, 12.5, a.Average())
	a.Reset()
	require.Equal(t, int64(0), a.Samples)

	ta := TimeAccumulator{}
	require.Equal(t, time.Duration(0), ta.Average())
	ta.AddSample(3 * time.Millisecond)
	ta.AddSample(time.Millisecond)
	require.Equal(t, 2*time.Millisecond, ta.Average())
	require.Equal(t, 3*time.Millisecond, ta.Max)
	ta.Reset()
	require.Equal(t, time.Duration(0), ta.Max)
}
