// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

import (
	"log/slog"
	"sync"
)

// Executor runs functions one at a time on a single logical thread.
// Post must be safe for concurrent use and must not block.
type Executor interface {
	Post(fn func()) bool
}

// Loop is an Executor backed by one goroutine and an unbounded FIFO.
// Functions posted before Close still run.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{} // buffered, size 1
	done   chan struct{}
}

// NewLoop starts a loop goroutine.
func NewLoop() *Loop {
	l := &Loop{
		tasks:  make([]func(), 0, 16),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues fn. It reports false if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, fn)

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return. It reports false,
// without running fn, if the loop is closed. Calling it from the loop
// goroutine deadlocks.
func (l *Loop) Call(fn func()) bool {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

// Close stops accepting work, drains the queue and waits for the loop
// goroutine to exit. It must not be called from the loop goroutine.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		select {
		case l.signal <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		fn, ok := l.next()
		if !ok {
			return
		}
		if fn == nil {
			<-l.signal
			continue
		}
		l.invoke(fn)
	}
}

// next pops the head task. It returns (nil, true) when the queue is empty
// but still open, and (nil, false) once it is closed and drained.
func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) == 0 {
		return nil, !l.closed
	}
	fn := l.tasks[0]
	l.tasks[0] = nil
	if len(l.tasks) == 1 {
		l.tasks = l.tasks[:0]
	} else {
		l.tasks = l.tasks[1:]
	}
	return fn, true
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if rv := recover(); rv != nil {
			slog.Error("radiorpc: loop task panic", "err", rv)
		}
	}()
	fn()
}
