// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"sync"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/present"

	"gviegas/wsix/wsi"
)

// eventBacklog bounds how many undelivered events a swapchain may
// accumulate before the router blocks on it.
const eventBacklog = 64

// eventRouter drains one connection's event stream and fans the
// Present events out to the swapchains listening on it, keyed by
// the event id each swapchain registered with the server.
//
// It stands in for the protocol library's special-event queues:
// there is a single ordered stream per connection, and a reader
// must exist for Present events to be observable at all. The
// router goroutine starts with the first subscription and exits
// when the connection closes, closing every subscription channel
// so blocked swapchain threads observe end-of-stream.
type eventRouter struct {
	eng  *Engine
	conn *xgb.Conn

	mu      sync.Mutex
	subs    map[present.Event]subscription
	started bool
	dead    bool
}

type subscription struct {
	ch   chan xgb.Event
	done chan struct{}
}

func newEventRouter(eng *Engine, conn *xgb.Conn) *eventRouter {
	return &eventRouter{
		eng:  eng,
		conn: conn,
		subs: make(map[present.Event]subscription),
	}
}

// register subscribes a swapchain's event id. The returned channel
// is closed when the connection dies.
func (r *eventRouter) register(id present.Event) <-chan xgb.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := subscription{
		ch:   make(chan xgb.Event, eventBacklog),
		done: make(chan struct{}),
	}
	if r.dead {
		close(sub.ch)
		return sub.ch
	}
	r.subs[id] = sub
	if !r.started {
		r.started = true
		go r.run()
	}
	return sub.ch
}

// unregister drops a subscription. Safe to call while the router
// is mid-delivery to it.
func (r *eventRouter) unregister(id present.Event) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

func (r *eventRouter) run() {
	for {
		ev, xerr := r.conn.WaitForEvent()
		if ev == nil && xerr == nil {
			// Connection gone. Everyone still subscribed gets
			// end-of-stream.
			r.mu.Lock()
			r.dead = true
			for id, sub := range r.subs {
				close(sub.ch)
				delete(r.subs, id)
			}
			r.mu.Unlock()
			return
		}
		if xerr != nil {
			// Errors of unchecked requests surface here; they
			// are not events and no one is waiting for them.
			continue
		}
		id, ok := presentEventID(ev)
		if !ok {
			if sink := r.eng.ExternalEvents; sink != nil {
				select {
				case sink <- ev:
				default:
				}
			}
			continue
		}
		r.mu.Lock()
		sub, ok := r.subs[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
}

// presentEventID extracts the registration id a Present event was
// delivered for.
func presentEventID(ev xgb.Event) (present.Event, bool) {
	switch e := ev.(type) {
	case present.CompleteNotifyEvent:
		return e.Event, true
	case present.IdleNotifyEvent:
		return e.Event, true
	case present.ConfigureNotifyEvent:
		return e.Event, true
	}
	return 0, false
}

// handleEvent applies one Present event to the swapchain and
// returns the resulting status. Merging into the status latch is
// the caller's job.
func (sc *Swapchain) handleEvent(ev xgb.Event) wsi.Status {
	switch e := ev.(type) {
	case present.ConfigureNotifyEvent:
		// The window changed size. The chain keeps its extent;
		// it can only tell the application to recreate.
		if uint32(e.Width) != sc.extent.Width || uint32(e.Height) != sc.extent.Height {
			return wsi.Suboptimal
		}

	case present.IdleNotifyEvent:
		// The server is done reading from this pixmap.
		var idle uint32
		found := false
		sc.mu.Lock()
		for i := range sc.images {
			if sc.images[i].pixmap == e.Pixmap {
				sc.images[i].busy = false
				sc.sentImages.Add(-1)
				idle, found = uint32(i), true
				break
			}
		}
		sc.mu.Unlock()
		if found && sc.hasAcquireQueue {
			sc.acquireQ.Push(idle)
		}

	case present.CompleteNotifyEvent:
		if e.Kind != present.CompleteKindPixmap {
			break
		}
		st := wsi.Success
		sc.mu.Lock()
		for i := range sc.images {
			img := &sc.images[i]
			if img.presentQueued && img.serial == e.Serial {
				img.presentQueued = false
			}
		}
		sc.lastPresentMSC = e.Msc
		switch e.Mode {
		case present.CompleteModeCopy:
			if sc.copyIsSuboptimal {
				st = wsi.Suboptimal
			}
		case present.CompleteModeFlip:
			// Once the server has flipped, completing by copy
			// means the flip path was lost; a reallocation has
			// good odds of winning it back.
			sc.copyIsSuboptimal = true
		case present.CompleteModeSuboptimalCopy:
			// The server wants to flip but our buffers do not
			// allow it as allocated.
			st = wsi.Suboptimal
		}
		sc.mu.Unlock()
		return st
	}
	return wsi.Success
}
