// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package x11 implements presentation to an X11 server.
// Hardware presentation exchanges DMA-buf backed pixmaps with the
// server through the DRI3 and Present extensions; software drivers
// fall back to image transfer, through shared memory when the
// server supports it.
//
// The package is the consumer side of package wsi: the embedding
// driver supplies a wsi.Device and receives swapchains bound to X
// windows. Connections to the server are always borrowed from the
// application and never closed here.
package x11

import (
	"log"
	"os"
	"sync"

	"github.com/jezek/xgb"

	"gviegas/wsix/wsi"
)

// Logger is where the engine writes its few diagnostics. The
// embedding driver may replace it before first use.
var Logger = log.New(os.Stderr, "wsi/x11: ", 0)

// Engine is the X11 presentation engine of one WSI device.
// It caches what it learns about each X connection and owns the
// swapchains created through it. An Engine must be closed after
// every swapchain created from it has been destroyed.
type Engine struct {
	dev wsi.Device
	opt wsi.Options

	// ExternalEvents, when set before the first swapchain is
	// created on a connection, receives the non-Present events
	// the engine reads while draining that connection's stream.
	// Delivery is best-effort; a full channel drops.
	ExternalEvents chan<- xgb.Event

	mu    sync.Mutex
	conns map[*xgb.Conn]*connInfo

	warnOnce sync.Once
}

// New creates an engine for dev.
func New(dev wsi.Device, opt wsi.Options) *Engine {
	return &Engine{
		dev:   dev,
		opt:   opt,
		conns: make(map[*xgb.Conn]*connInfo),
	}
}

// Close discards every cached connection entry. Event routing for
// a connection ends when the connection itself does.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for conn := range e.conns {
		delete(e.conns, conn)
	}
}

// connInfo records what the capability probe learned about one X
// connection. Immutable once published in Engine.conns.
type connInfo struct {
	hasDRI3          bool
	hasDRI3Modifiers bool
	hasPresent       bool
	hasXfixes        bool
	hasMITSHM        bool
	isXwayland       bool
	isProprietary    bool

	router *eventRouter
}

// connectionInfo returns the cached entry for conn, probing the
// server on first use.
// Probing does blocking round-trips, so the registry lock is
// dropped while it runs; when two goroutines race on the same
// connection the first insert wins and the loser's entry is
// discarded.
func (e *Engine) connectionInfo(conn *xgb.Conn) (*connInfo, error) {
	e.mu.Lock()
	if ci, ok := e.conns[conn]; ok {
		e.mu.Unlock()
		return ci, nil
	}
	e.mu.Unlock()

	ci, err := e.probeConnection(conn)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.conns[conn]; ok {
		return prev, nil
	}
	ci.router = newEventRouter(e, conn)
	e.conns[conn] = ci
	return ci, nil
}

// checkDRI3 reports whether hardware presentation is possible on
// the probed connection, warning the user once when it is not.
// Proprietary stacks ship their own presentation path, so the
// warning would only confuse there.
func (e *Engine) checkDRI3(ci *connInfo) bool {
	if ci.hasDRI3 {
		return true
	}
	if !ci.isProprietary {
		e.warnOnce.Do(func() {
			Logger.Print("no DRI3 support detected - required for presentation")
			Logger.Print("note: you can probably enable DRI3 in your Xorg config")
		})
	}
	return false
}

// minImageCount is the default swapchain ring floor.
// Pipelined applications keep CPU work, GPU work and scanout in
// flight at once, so they need three images to run at full rate.
func (e *Engine) minImageCount() uint32 {
	if n := e.opt.OverrideMinImageCount; n > 0 {
		return uint32(n)
	}
	return 3
}
