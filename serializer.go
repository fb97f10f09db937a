// The operation serializer: a single-worker FIFO gate that linearizes
// every externally visible read and write (spec.md §4.6).
//
// Grounded on teacher db.go's atomic state + sync.Cond gate (the
// StateAll/StateRead/StateNone/StateClosed dance that guarded which
// operations a request was allowed to run), generalized from "which
// class of operation may proceed" to "has load finished, and with
// what error" — this store has no reader/writer distinction to guard,
// only a single bootstrap latch every later task waits behind.
package scribe

import "sync"

// serializer owns the task queue and its single worker goroutine.
// Submitted tasks run strictly one at a time, in submission order.
type serializer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	// ready is closed once the current load/reload latch resolves;
	// loadErr is the sticky result recorded at that moment. Both are
	// replaced together by relatch, under mu.
	ready   chan struct{}
	loadErr error
}

func newSerializer() *serializer {
	s := &serializer{ready: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

func (s *serializer) loop() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		task()
	}
}

// stop drains no further tasks after the ones already queued finish,
// then lets the worker goroutine exit. It does not cancel in-flight or
// already-queued work — spec.md §4.6 has no in-flight cancellation.
func (s *serializer) stop() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// bootstrap enqueues the very first task this serializer will ever
// run: the initial load (lock acquisition → hydrate → rewrite). Every
// task submitted after this call queues behind it and waits for it via
// the closure installed in submit. A task submitted before this call
// would sit ahead of it in the queue and block on the latch forever;
// Open calls bootstrap before it returns the Store, so no caller task
// can precede it.
func (s *serializer) bootstrap(fn func() error) {
	s.mu.Lock()
	ready := s.ready
	s.queue = append(s.queue, func() {
		err := fn()
		s.mu.Lock()
		s.loadErr = err
		s.mu.Unlock()
		close(ready)
	})
	s.cond.Signal()
	s.mu.Unlock()
}

// relatch installs a fresh latch and enqueues fn to run behind
// whatever is already queued, re-pausing the gate for the duration of
// a reload: every task submitted after this call waits on the new
// latch, exactly as tasks submitted after Open waited on bootstrap's.
func (s *serializer) relatch(fn func() error) {
	s.mu.Lock()
	newReady := make(chan struct{})
	s.ready = newReady
	s.queue = append(s.queue, func() {
		err := fn()
		s.mu.Lock()
		s.loadErr = err
		s.mu.Unlock()
		close(newReady)
	})
	s.cond.Signal()
	s.mu.Unlock()
}

// submit enqueues fn and blocks the calling goroutine until it has run
// (or failed without running, if the latch it waits behind failed).
// spec.md §4.6 frames this as submit-returns-a-future; this package has
// no async surface elsewhere, so the future collapses to a blocking
// call, which is the idiomatic Go shape for a single-process embedded
// store.
func submit[T any](s *serializer, fn func() (T, error)) (T, error) {
	var zero T

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return zero, ErrClosed
	}
	ready := s.ready
	done := make(chan struct {
		val T
		err error
	}, 1)

	s.queue = append(s.queue, func() {
		<-ready
		s.mu.Lock()
		loadErr := s.loadErr
		s.mu.Unlock()
		if loadErr != nil {
			done <- struct {
				val T
				err error
			}{zero, loadErr}
			return
		}
		v, err := fn()
		done <- struct {
			val T
			err error
		}{v, err}
	})
	s.cond.Signal()
	s.mu.Unlock()

	r := <-done
	return r.val, r.err
}

// awaitReady blocks until the queue is empty and no task is running —
// the "wait" barrier of spec.md §4.6 — and reports the current latch's
// error, if any. It works by submitting a no-op task of its own: since
// the queue is strictly FIFO, that task only runs once everything
// ahead of it, including a pending bootstrap/relatch, has finished.
func (s *serializer) awaitReady() error {
	_, err := submit(s, func() (struct{}, error) { return struct{}{}, nil })
	return err
}
