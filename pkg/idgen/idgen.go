package idgen

import "sync/atomic"

// Uint64 returns values 1,2,3... It never returns zero, and never repeats a value.
type Uint64 struct {
	next atomic.Uint64
}

func (u *Uint64) Next() uint64 {
	return u.next.Add(1)
}
