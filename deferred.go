package main

import (
	"sync"
	"time"
)

// maxDeferDelay caps how long a Deferred waits before running.
const maxDeferDelay = 10 * time.Second

type deferredState int

const (
	deferredWaiting deferredState = iota
	deferredRunning
	deferredDone
	deferredCanceled
)

// Deferred runs a function once after a delay unless canceled first.
//
// Cancel and the timer firing are serialized by mutex so exactly one of them
// wins.
type Deferred[T any] struct {
	mutex  sync.Mutex
	state  deferredState
	result T

	cancelChan chan struct{}
	doneChan   chan struct{}
}

// Defer starts waiting delay (clamped to [0, 10s]) and then calls fn. onDone,
// if set, is called once fn returned or the wait was canceled.
func Defer[T any](
	delay time.Duration,
	fn func() T,
	onDone func(*Deferred[T]),
) *Deferred[T] {
	if delay < 0 {
		delay = 0
	}
	if delay > maxDeferDelay {
		delay = maxDeferDelay
	}

	d := &Deferred[T]{
		cancelChan: make(chan struct{}),
		doneChan:   make(chan struct{}),
	}

	go d.run(delay, fn, onDone)

	return d
}

// completedDeferred is a Deferred that already finished with v.
func completedDeferred[T any](v T) *Deferred[T] {
	d := &Deferred[T]{
		state:      deferredDone,
		result:     v,
		cancelChan: make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
	close(d.doneChan)
	return d
}

func (d *Deferred[T]) run(
	delay time.Duration,
	fn func() T,
	onDone func(*Deferred[T]),
) {
	defer close(d.doneChan)
	if onDone != nil {
		defer onDone(d)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-d.cancelChan:
	}

	d.mutex.Lock()
	if d.state == deferredCanceled {
		d.mutex.Unlock()
		return
	}
	d.state = deferredRunning
	d.mutex.Unlock()

	result := fn()

	d.mutex.Lock()
	d.result = result
	d.state = deferredDone
	d.mutex.Unlock()
}

// Cancel stops fn from running. It returns false if fn already started or
// finished.
func (d *Deferred[T]) Cancel() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.state != deferredWaiting {
		return false
	}

	d.state = deferredCanceled
	close(d.cancelChan)
	return true
}

// Result blocks until fn returned or the wait was canceled. A canceled
// Deferred gives the zero value.
func (d *Deferred[T]) Result() T {
	<-d.doneChan
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.result
}

// Done is closed once the Deferred finished either way.
func (d *Deferred[T]) Done() <-chan struct{} { return d.doneChan }

func (d *Deferred[T]) IsRunning() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.state == deferredRunning
}

func (d *Deferred[T]) IsCanceled() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.state == deferredCanceled
}
