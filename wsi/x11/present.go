// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"github.com/jezek/xgb/present"
	"github.com/jezek/xgb/randr"
	xsync "github.com/jezek/xgb/sync"
	"github.com/jezek/xgb/xfixes"
	"github.com/jezek/xgb/xproto"

	"gviegas/wsix/internal/fifo"
	"gviegas/wsix/wsi"
)

// presentToServer hands one image to the server for display at
// targetMSC (0 meaning as soon as possible).
func (sc *Swapchain) presentToServer(idx uint32, targetMSC uint64) wsi.Status {
	if sc.software && !sc.hasMITSHM {
		return sc.presentPut(idx)
	}
	return sc.presentPixmap(idx, targetMSC)
}

// presentPixmap submits the slot's pixmap through the Present
// extension.
func (sc *Swapchain) presentPixmap(idx uint32, targetMSC uint64) wsi.Status {
	img := &sc.images[idx]

	var options uint32 = present.OptionNone
	// Async lets the server break vsync: always in immediate and
	// relaxed-fifo modes, and in mailbox under Xwayland, where
	// the compositor paces frames anyway.
	if sc.mode == wsi.PresentImmediate ||
		sc.mode == wsi.PresentFIFORelaxed ||
		(sc.mode == wsi.PresentMailbox && sc.isXwayland) {
		options |= present.OptionAsync
	}
	if sc.hasDRI3Modifiers {
		options |= present.OptionSuboptimal
	}

	// Drain whatever events already arrived so a recent window
	// resize is reflected before this frame goes out.
drain:
	for {
		select {
		case ev, ok := <-sc.events:
			if !ok {
				return sc.chainResult(wsi.SurfaceLost)
			}
			if st := sc.chainResult(sc.handleEvent(ev)); st.Fatal() {
				return st
			}
		default:
			break drain
		}
	}

	// The server retriggers the fence once it is done reading
	// from the pixmap.
	img.fence.Reset()

	sc.sentImages.Add(1)
	sc.mu.Lock()
	sc.sendSBC++
	img.presentQueued = true
	img.serial = uint32(sc.sendSBC)
	serial := img.serial
	area := img.updateArea
	sc.mu.Unlock()

	err := present.PixmapChecked(sc.conn,
		sc.window,
		img.pixmap,
		serial,
		xfixes.Region(0), // valid: whole pixmap
		area,             // update: damage, or None
		0, 0,             // x_off, y_off
		randr.Crtc(0),  // target_crtc: server picks
		xsync.Fence(0), // wait_fence: image is ready
		img.syncFence,  // idle_fence
		options,
		targetMSC,
		0, // divisor
		0, // remainder
		nil).Check()
	if err != nil {
		return sc.chainResult(wsi.SurfaceLost)
	}
	return sc.chainResult(wsi.Success)
}

// putImageHeaderLen is the fixed part of a PutImage request.
const putImageHeaderLen = 24

// presentPut transfers a software image with core-protocol
// PutImage, slicing into horizontal bands when the payload exceeds
// the server's request length limit. There is no idle notification
// on this path; the slot is reusable as soon as the data is on the
// wire.
func (sc *Swapchain) presentPut(idx uint32) wsi.Status {
	img := &sc.images[idx]
	stride := int(img.img.RowPitches[0])
	height := int(sc.extent.Height)
	data := img.img.CPUMap[:stride*height]
	drawable := xproto.Drawable(sc.window)

	// Request lengths count 4-byte units.
	maxReqBytes := int(xproto.Setup(sc.conn).MaximumRequestLength) * 4
	if putImageHeaderLen+len(data) <= maxReqBytes {
		xproto.PutImage(sc.conn, xproto.ImageFormatZPixmap, drawable, sc.gc,
			uint16(stride/4), uint16(height), 0, 0, 0, 24, data)
	} else {
		bandLines := (maxReqBytes - putImageHeaderLen) / stride
		for y := 0; y < height; y += bandLines {
			n := min(bandLines, height-y)
			xproto.PutImage(sc.conn, xproto.ImageFormatZPixmap, drawable, sc.gc,
				uint16(stride/4), uint16(n), 0, int16(y), 0, 24,
				data[y*stride:(y+n)*stride])
		}
	}

	sc.mu.Lock()
	img.busy = false
	sc.mu.Unlock()
	return sc.chainResult(wsi.Success)
}

// driverOwnedImages counts the images not in the server's hands:
// held by the application, ready to acquire, or queued for the
// worker.
func (sc *Swapchain) driverOwnedImages() uint32 {
	return uint32(len(sc.images)) - uint32(sc.sentImages.Load())
}

// manageQueues is the queue manager. It drains the present queue
// for the life of the swapchain, waiting on render fences when the
// mode demands it and pacing fifo presentation one frame ahead of
// the last completion.
//
// Runs on its own goroutine and merges its results into the status
// latch through chainResult, as the application threads do. On any
// fatal condition it records the status, wakes any acquire waiter
// and exits.
func (sc *Swapchain) manageQueues() {
	defer sc.wg.Done()
	status := wsi.Success
	for !sc.loadStatus().Fatal() {
		// Blocking here is always safe: after an image goes to
		// the server the tail of this loop waits until the
		// application can make progress again.
		idx, _ := sc.presentQ.Pull(-1)
		if idx == fifo.Sentinel || sc.loadStatus().Fatal() {
			// Destruction poisoned the chain and pushed the
			// sentinel to wake us.
			break
		}

		if sc.waitFences {
			// The server may latch onto the buffer the moment
			// it arrives; rendering must be done by then.
			if sc.dev.WaitForImage(sc.images[idx].img, -1) != nil {
				status = wsi.OutOfDate
				break
			}
		}

		var targetMSC uint64
		if sc.hasAcquireQueue {
			sc.mu.Lock()
			targetMSC = sc.lastPresentMSC + 1
			sc.mu.Unlock()
		}

		if st := sc.presentToServer(idx, targetMSC); st.Fatal() {
			status = st
			break
		}

		if sc.hasAcquireQueue {
			if st := sc.waitPresented(idx); st.Fatal() {
				status = st
				break
			}
		}
	}
	sc.chainResult(status)
	if sc.hasAcquireQueue {
		sc.acquireQ.Push(fifo.Sentinel)
	}
}

// waitPresented blocks until the given presentation completed and
// enough images are back in driver hands that the next acquire is
// guaranteed to make progress.
func (sc *Swapchain) waitPresented(idx uint32) wsi.Status {
	// The application may hold imageCount-minImageCount images
	// acquired at once and still expect a bounded acquire; keep
	// one more than that available. Configuration overrides can
	// push the floor above the actual ring size, so clamp.
	minImages := min(sc.minImageCount, uint32(len(sc.images)))
	need := uint32(len(sc.images)) - minImages + 1
	for {
		sc.mu.Lock()
		queued := sc.images[idx].presentQueued
		sc.mu.Unlock()
		if !queued && sc.driverOwnedImages() >= need {
			return wsi.Success
		}
		ev, ok := <-sc.events
		if !ok {
			return sc.chainResult(wsi.SurfaceLost)
		}
		if st := sc.chainResult(sc.handleEvent(ev)); st.Fatal() {
			return st
		}
	}
}
