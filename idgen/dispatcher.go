package idgen

import "sync"

// Executor runs f, typically by posting it to a work queue owned by the
// caller (a UI thread, a goroutine pool). The session actor that calls
// Invoke must never block on an Executor — it only hands off.
type Executor interface {
	Execute(f func())
}

// ExecutorFunc adapts a plain function to an Executor.
type ExecutorFunc func(f func())

func (e ExecutorFunc) Execute(f func()) { e(f) }

// Inline runs f synchronously on the calling goroutine. Useful in tests and
// for callers that are already off the session actor.
var Inline Executor = ExecutorFunc(func(f func()) { f() })

// GoExecutor runs f on a new goroutine.
var GoExecutor Executor = ExecutorFunc(func(f func()) { go f() })

type subscription[T any] struct {
	callback T
	executor Executor
}

// Dispatcher holds (callback, executor) pairs in a concurrent map and fans
// events out to each of them without blocking the caller, matching spec
// §4.8: "invoke(f) schedules f(callback) on each executor; size() is
// weakly consistent."
type Dispatcher[T any] struct {
	mu   sync.RWMutex
	subs map[uint64]subscription[T]
	ids  *Generator
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher[T any]() *Dispatcher[T] {
	return &Dispatcher[T]{
		subs: make(map[uint64]subscription[T]),
		ids:  NewGenerator(),
	}
}

// Add registers callback to run on executor and returns a handle that
// Remove accepts.
func (d *Dispatcher[T]) Add(callback T, executor Executor) uint64 {
	id := d.ids.Next()
	d.mu.Lock()
	d.subs[id] = subscription[T]{callback: callback, executor: executor}
	d.mu.Unlock()
	return id
}

// Remove unregisters the subscription identified by handle, if present.
func (d *Dispatcher[T]) Remove(handle uint64) {
	d.mu.Lock()
	_, ok := d.subs[handle]
	delete(d.subs, handle)
	d.mu.Unlock()
	if ok {
		d.ids.Release(handle)
	}
}

// Invoke schedules f(callback) on every registered executor. It never
// blocks waiting for a callback to complete.
func (d *Dispatcher[T]) Invoke(f func(T)) {
	d.mu.RLock()
	subs := make([]subscription[T], 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.RUnlock()

	for _, s := range subs {
		cb := s.callback
		s.executor.Execute(func() { f(cb) })
	}
}

// Size returns the (weakly consistent) number of registered subscriptions.
func (d *Dispatcher[T]) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Range iterates live subscriptions' handles; used by callers (manager)
// that need to remove a specific subscription matched by value rather than
// handle, e.g. the recipient-blocklist notify-then-remove-all rule.
func (d *Dispatcher[T]) Range(f func(handle uint64, callback T)) {
	d.mu.RLock()
	snapshot := make(map[uint64]T, len(d.subs))
	for id, s := range d.subs {
		snapshot[id] = s.callback
	}
	d.mu.RUnlock()
	for id, cb := range snapshot {
		f(id, cb)
	}
}
