// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/dri3"
	"github.com/jezek/xgb/present"
	"github.com/jezek/xgb/xfixes"
	"github.com/jezek/xgb/xproto"
	"golang.org/x/sys/unix"

	"gviegas/wsix/internal/fifo"
	"gviegas/wsix/wsi"
)

// Swapchain is a fixed ring of presentable images bound to one X
// window. Images are exchanged with the server through the Present
// extension; the ring never resizes, it can only report that the
// window outgrew it.
//
// Acquire and Present may be called from any application thread.
// Destroy must not overlap other calls.
type Swapchain struct {
	eng  *Engine
	dev  wsi.Device
	conn *xgb.Conn

	window xproto.Window
	gc     xproto.Gcontext
	depth  byte
	extent wsi.Extent
	format wsi.SurfaceFormat
	mode   wsi.PresentMode

	software         bool
	hasDRI3Modifiers bool
	hasMITSHM        bool
	isXwayland       bool
	waitFences       bool
	sameGPU          bool

	eventID present.Event
	events  <-chan xgb.Event
	router  *eventRouter

	// sentImages counts the images currently owned by the server.
	// Read by the acquire path, written by the present path and
	// the event handler, on different threads.
	sentImages atomic.Int32

	// status is the sticky result latch; see chainResult.
	status atomic.Int32

	hasPresentQueue bool
	hasAcquireQueue bool
	presentQ        *fifo.Queue
	acquireQ        *fifo.Queue
	minImageCount   uint32

	// mu guards the mutable per-image state, sendSBC,
	// lastPresentMSC and copyIsSuboptimal. The counters stay
	// consistent because every writer is either the worker or an
	// application thread holding mu.
	mu               sync.Mutex
	images           []image
	sendSBC          uint64
	lastPresentMSC   uint64
	copyIsSuboptimal bool

	wg sync.WaitGroup
}

// NewSwapchain creates a swapchain for the surface's window.
// The extent is locked in: if the window is already a different
// size, the chain starts out suboptimal, and any later resize only
// ever flags it as such.
func (e *Engine) NewSwapchain(s Surface, info wsi.SwapchainInfo) (*Swapchain, error) {
	conn, win := s.connection(), s.window()
	ci, err := e.connectionInfo(conn)
	if err != nil {
		// No finer signal exists for "the server cannot do
		// this"; callers depend on seeing a failure here.
		return nil, wsi.ErrNoHostMemory
	}

	// Resolve the actual ring size. Modes that wait on fences
	// before submission need extra slack to avoid stalling the
	// application.
	numImages := info.ImageCount
	switch {
	case e.opt.StrictImageCount:
	case e.needsWaitForFences(ci, info.Mode):
		numImages = max(numImages, 5)
	case e.opt.EnsureMinImageCount:
		numImages = max(numImages, e.minImageCount())
	}

	geom, err := xproto.GetGeometry(conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return nil, wsi.ErrSurfaceLost
	}

	sc := &Swapchain{
		eng:              e,
		dev:              e.dev,
		conn:             conn,
		window:           win,
		depth:            geom.Depth,
		extent:           info.Extent,
		format:           info.Format,
		mode:             info.Mode,
		software:         e.dev.Software(),
		hasDRI3Modifiers: ci.hasDRI3Modifiers,
		hasMITSHM:        ci.hasMITSHM,
		isXwayland:       ci.isXwayland,
		waitFences:       e.needsWaitForFences(ci, info.Mode),
		sameGPU:          true,
		minImageCount:    e.minImageCount(),
		images:           make([]image, numImages),
	}
	sc.status.Store(int32(wsi.Success))
	// Images that do not fit the window can still be presented,
	// but only by copy, never by flip.
	if uint32(geom.Width) != info.Extent.Width || uint32(geom.Height) != info.Extent.Height {
		sc.status.Store(int32(wsi.Suboptimal))
	}

	displayFd := -1
	var modLists [][]uint64
	if !sc.software {
		displayFd = dri3Open(conn)
		if displayFd >= 0 {
			sc.sameGPU = e.dev.SameDevice(displayFd)
		}
		modLists = supportedModifiers(ci, conn, win, sc.depth)
	}
	defer func() {
		if displayFd >= 0 {
			unix.Close(displayFd)
		}
	}()

	// Register for this window's Present events on a channel of
	// our own, away from the application's event handling:
	// Configure for resizes, Complete for presented frames, Idle
	// for reusable pixmaps.
	sc.eventID, err = present.NewEventId(conn)
	if err != nil {
		return nil, wsi.ErrNoHostMemory
	}
	present.SelectInput(conn, sc.eventID, win,
		present.EventMaskConfigureNotify|
			present.EventMaskCompleteNotify|
			present.EventMaskIdleNotify)
	sc.router = ci.router
	sc.events = ci.router.register(sc.eventID)

	unregister := func() {
		ci.router.unregister(sc.eventID)
		present.SelectInput(conn, sc.eventID, win, present.EventMaskNoEvent)
	}

	sc.gc, err = xproto.NewGcontextId(conn)
	if err != nil {
		unregister()
		return nil, wsi.ErrNoHostMemory
	}
	xproto.CreateGC(conn, sc.gc, xproto.Drawable(win),
		xproto.GcGraphicsExposures, []uint32{0})

	for i := range sc.images {
		if err := sc.initImage(&sc.images[i], displayFd, modLists); err != nil {
			for j := 0; j < i; j++ {
				sc.finishImage(&sc.images[j])
			}
			unregister()
			return nil, err
		}
	}

	// Queue setup depends on the mode:
	// fifo uses both queues, mailbox only the present queue, and
	// immediate runs queue-less except under Xwayland, where the
	// early fence wait reuses the mailbox path. Software chains
	// present inline and use none.
	fifoMode := info.Mode == wsi.PresentFIFO || info.Mode == wsi.PresentFIFORelaxed
	if (fifoMode || sc.waitFences) && !sc.software {
		sc.hasPresentQueue = true
		// One slot of slack on top of the image count so the
		// shutdown sentinel can always be pushed.
		sc.presentQ = fifo.New(int(numImages) + 1)
		if fifoMode {
			sc.hasAcquireQueue = true
			sc.acquireQ = fifo.New(int(numImages) + 1)
			for i := uint32(0); i < numImages; i++ {
				sc.acquireQ.Push(i)
			}
		}
		sc.wg.Add(1)
		go sc.manageQueues()
	}

	// Only one swapchain can exist per window, and creating it
	// makes the association, so the window property is safe to
	// touch here.
	setAdaptiveSync(conn, win, e.opt.AdaptiveSync)

	return sc, nil
}

// needsWaitForFences decides whether rendering must complete
// before submission to the server. Mailbox presents can be picked
// up by the server at any moment, so the latest image must be
// ready; immediate under Xwayland behaves like mailbox because of
// the compositor underneath.
func (e *Engine) needsWaitForFences(ci *connInfo, mode wsi.PresentMode) bool {
	if ci.isXwayland && !e.opt.XwaylandWaitReady {
		return false
	}
	switch mode {
	case wsi.PresentMailbox:
		return true
	case wsi.PresentImmediate:
		return ci.isXwayland
	}
	return false
}

// dri3Open retrieves the display device descriptor, or -1 when the
// server does not hand one out.
func dri3Open(conn *xgb.Conn) int {
	root := xproto.Setup(conn).Roots[0].Root
	r, err := dri3.Open(conn, xproto.Drawable(root), 0).Reply()
	if err != nil || r.Nfd != 1 {
		return -1
	}
	fd := int(r.DeviceFd)
	unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	return fd
}

// supportedModifiers fetches the server's modifier preferences for
// the window, one tranche per scope.
func supportedModifiers(ci *connInfo, conn *xgb.Conn, win xproto.Window, depth byte) [][]uint64 {
	if !ci.hasDRI3Modifiers {
		return nil
	}
	r, err := dri3.GetSupportedModifiers(conn, uint32(win), depth, bpp).Reply()
	if err != nil {
		return nil
	}
	var lists [][]uint64
	if len(r.WindowModifiers) > 0 {
		lists = append(lists, r.WindowModifiers)
	}
	if len(r.ScreenModifiers) > 0 {
		lists = append(lists, r.ScreenModifiers)
	}
	return lists
}

// setAdaptiveSync publishes or retracts the variable-refresh hint
// on the window.
func setAdaptiveSync(conn *xgb.Conn, win xproto.Window, on bool) {
	const name = "_VARIABLE_REFRESH"
	r, err := xproto.InternAtom(conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return
	}
	if on {
		xproto.ChangeProperty(conn, xproto.PropModeReplace, win, r.Atom,
			xproto.AtomCardinal, 32, 1, []byte{1, 0, 0, 0})
	} else {
		xproto.DeleteProperty(conn, win, r.Atom)
	}
}

// Images exposes the driver images of the ring, indexed as Acquire
// reports them. The slice is valid until Destroy.
func (sc *Swapchain) Images() []*wsi.Image {
	imgs := make([]*wsi.Image, len(sc.images))
	for i := range sc.images {
		imgs[i] = sc.images[i].img
	}
	return imgs
}

// Extent returns the extent the ring was created with.
func (sc *Swapchain) Extent() wsi.Extent { return sc.extent }

// PresentMode returns the mode the ring was created with.
func (sc *Swapchain) PresentMode() wsi.PresentMode { return sc.mode }

func (sc *Swapchain) loadStatus() wsi.Status {
	return wsi.Status(sc.status.Load())
}

// chainResult merges the result of an operation into the status
// latch and returns what the caller should see. Fatal statuses
// stick forever, Suboptimal sticks until something fatal replaces
// it, and Timeout/NotReady pass through without latching.
// The compare-and-swap keeps concurrent merges from losing a
// pessimistic transition.
func (sc *Swapchain) chainResult(res wsi.Status) wsi.Status {
	for {
		cur := sc.loadStatus()
		next, report := mergeStatus(cur, res)
		if next == cur {
			return report
		}
		if sc.status.CompareAndSwap(int32(cur), int32(next)) {
			if sc.eng.opt.Debug {
				Logger.Printf("swapchain status changed to %v", next)
			}
			return report
		}
	}
}

// mergeStatus is the latch transition function.
func mergeStatus(cur, res wsi.Status) (next, report wsi.Status) {
	switch {
	case cur.Fatal():
		// Prioritize returning existing errors for consistency,
		// except that transient results still pass through.
		if res == wsi.Timeout || res == wsi.NotReady {
			return cur, res
		}
		return cur, cur
	case res.Fatal():
		return res, res
	case res == wsi.Timeout || res == wsi.NotReady:
		return cur, res
	case res == wsi.Suboptimal:
		return wsi.Suboptimal, wsi.Suboptimal
	default:
		// Success never overwrites an earlier Suboptimal.
		return cur, cur
	}
}

// Acquire hands the application the next image to render into.
// A negative timeout blocks until an image is available; zero
// polls. On success the returned index refers into Images.
func (sc *Swapchain) Acquire(timeout time.Duration) (int, wsi.Status) {
	if st := sc.loadStatus(); st.Fatal() {
		return -1, st
	}
	var idx int
	var st wsi.Status
	switch {
	case sc.software && !sc.hasMITSHM:
		idx, st = sc.acquireLocal()
	case sc.hasAcquireQueue:
		u, s := sc.acquireFromQueue(timeout)
		idx, st = int(u), s
	default:
		u, s := sc.acquirePoll(timeout)
		idx, st = int(u), s
	}
	if st.Fatal() || st == wsi.Timeout || st == wsi.NotReady {
		return -1, st
	}
	if err := sc.dev.SyncForImage(sc.images[idx].img); err != nil {
		return -1, sc.chainResult(wsi.NoHostMemory)
	}
	return idx, st
}

// acquireLocal claims a slot of a queue-less software chain. The
// only signal that the window changed is a geometry round-trip, so
// one is made per acquire.
func (sc *Swapchain) acquireLocal() (int, wsi.Status) {
	sc.mu.Lock()
	for i := range sc.images {
		if sc.images[i].busy {
			continue
		}
		sc.images[i].busy = true
		sc.mu.Unlock()
		geom, err := xproto.GetGeometry(sc.conn, xproto.Drawable(sc.window)).Reply()
		if err != nil {
			return i, sc.chainResult(wsi.SurfaceLost)
		}
		if uint32(geom.Width) != sc.extent.Width || uint32(geom.Height) != sc.extent.Height {
			return i, sc.chainResult(wsi.Suboptimal)
		}
		return i, sc.chainResult(wsi.Success)
	}
	sc.mu.Unlock()
	return -1, sc.chainResult(wsi.NotReady)
}

// acquireFromQueue takes the next index the worker released. Only
// fifo modes have an acquire queue.
func (sc *Swapchain) acquireFromQueue(timeout time.Duration) (uint32, wsi.Status) {
	idx, ok := sc.acquireQ.Pull(timeout)
	if !ok {
		if timeout == 0 {
			return 0, sc.chainResult(wsi.NotReady)
		}
		return 0, sc.chainResult(wsi.Timeout)
	}
	if idx == fifo.Sentinel {
		// The worker wound down; status holds why.
		if st := sc.loadStatus(); st.Fatal() {
			return 0, st
		}
		return 0, wsi.OutOfDate
	}
	if st := sc.loadStatus(); st.Fatal() {
		return 0, st
	}
	sc.images[idx].fence.Await()
	sc.mu.Lock()
	sc.images[idx].busy = true
	sc.mu.Unlock()
	return idx, sc.loadStatus()
}

// acquirePoll scans for a reusable slot, processing this chain's
// Present events until one frees up or the budget runs out. The
// deadline is absolute: event traffic that does not release an
// image must not extend the wait.
func (sc *Swapchain) acquirePoll(timeout time.Duration) (uint32, wsi.Status) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		sc.mu.Lock()
		for i := range sc.images {
			if !sc.images[i].busy {
				sc.images[i].busy = true
				sc.mu.Unlock()
				sc.images[i].fence.Await()
				return uint32(i), sc.chainResult(wsi.Success)
			}
		}
		sc.mu.Unlock()

		var ev xgb.Event
		var ok bool
		switch {
		case timeout < 0:
			ev, ok = <-sc.events
		case timeout == 0:
			select {
			case ev, ok = <-sc.events:
			default:
				return 0, sc.chainResult(wsi.NotReady)
			}
		default:
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, sc.chainResult(wsi.Timeout)
			}
			t := time.NewTimer(remaining)
			select {
			case ev, ok = <-sc.events:
				t.Stop()
			case <-t.C:
				return 0, sc.chainResult(wsi.Timeout)
			}
		}
		if !ok {
			return 0, sc.chainResult(wsi.SurfaceLost)
		}
		if st := sc.chainResult(sc.handleEvent(ev)); st.Fatal() {
			return 0, st
		}
	}
}

// maxDamageRects bounds how many damage rectangles one present
// carries; beyond it the whole image is assumed dirty.
const maxDamageRects = 64

// Present queues image idx for display. With damage rectangles the
// server may copy only the areas that changed. In queued modes the
// call returns as soon as the worker owns the image; in queue-less
// chains the image goes to the server inline.
func (sc *Swapchain) Present(idx int, damage []wsi.Rect) wsi.Status {
	if st := sc.loadStatus(); st.Fatal() {
		return st
	}
	img := &sc.images[idx]

	sc.mu.Lock()
	area := xfixes.Region(0)
	if n := len(damage); n > 0 && n <= maxDamageRects && img.updateRegion != 0 {
		rects := make([]xproto.Rectangle, n)
		for i, r := range damage {
			rects[i] = xproto.Rectangle{
				X:      int16(r.X),
				Y:      int16(r.Y),
				Width:  uint16(r.Width),
				Height: uint16(r.Height),
			}
		}
		area = img.updateRegion
		xfixes.SetRegion(sc.conn, area, rects)
	}
	img.updateArea = area
	img.busy = true
	sc.mu.Unlock()

	if sc.hasPresentQueue {
		sc.presentQ.Push(uint32(idx))
		return sc.loadStatus()
	}
	return sc.presentToServer(uint32(idx), 0)
}

// Destroy winds the worker down, releases every image and drops
// the event registration. Always safe to call, including after a
// fatal status; double destruction is not.
func (sc *Swapchain) Destroy() {
	if sc.hasPresentQueue {
		// Poison the chain so the worker exits its loop, then
		// wake it. An already-fatal status is kept.
		sc.chainResult(wsi.OutOfDate)
		sc.presentQ.Push(fifo.Sentinel)
		sc.wg.Wait()
	}
	for i := range sc.images {
		sc.finishImage(&sc.images[i])
	}
	sc.router.unregister(sc.eventID)
	present.SelectInput(sc.conn, sc.eventID, sc.window, present.EventMaskNoEvent)
}
