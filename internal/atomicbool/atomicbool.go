// Package atomicbool provides a small lock-free boolean for flags that are
// read far more often than written; the manager uses it for its
// connecting-in-progress flag.
package atomicbool

import "sync/atomic"

const (
	boolFalse = int32(iota)
	boolTrue
)

// Bool is a zero-value-ready atomic boolean.
type Bool struct {
	flag int32
}

// New returns a Bool initialized to val.
func New(val bool) *Bool {
	b := &Bool{}
	b.Set(val)
	return b
}

func (b *Bool) Get() bool {
	return atomic.LoadInt32(&b.flag) == boolTrue
}

// Swap sets the new value and returns the previous one.
func (b *Bool) Swap(val bool) bool {
	flag := boolFalse
	if val {
		flag = boolTrue
	}
	return atomic.SwapInt32(&b.flag, flag) == boolTrue
}

func (b *Bool) Set(val bool) {
	flag := boolFalse
	if val {
		flag = boolTrue
	}
	atomic.StoreInt32(&b.flag, flag)
}
