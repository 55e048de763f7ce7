// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package fifo provides the bounded blocking queues used to hand
// image indices between the threads of a swapchain.
package fifo

import (
	"time"
)

// Sentinel is pushed to wake a blocked consumer during shutdown.
// Queues are sized with one spare slot so pushing it never
// overflows a queue that already holds every image index.
const Sentinel = ^uint32(0)

// Queue is a bounded FIFO of image indices, safe for concurrent
// use. The zero value is not usable; call New.
type Queue struct {
	ch chan uint32
}

// New creates a queue that holds up to n indices.
func New(n int) *Queue { return &Queue{ch: make(chan uint32, n)} }

// Push appends v, blocking while the queue is full.
func (q *Queue) Push(v uint32) { q.ch <- v }

// Pull removes and returns the oldest index.
// A negative timeout blocks until an index is available. A zero
// timeout polls. ok is false if the timeout expired first.
func (q *Queue) Pull(timeout time.Duration) (v uint32, ok bool) {
	if timeout < 0 {
		return <-q.ch, true
	}
	if timeout == 0 {
		select {
		case v = <-q.ch:
			return v, true
		default:
			return 0, false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case v = <-q.ch:
		return v, true
	case <-t.C:
		return 0, false
	}
}

// Len returns the number of queued indices.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue's capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
