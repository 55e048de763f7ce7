// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"os"
	"testing"
	"time"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"

	"gviegas/wsix/wsi"
)

// testWindow connects to the display named in the environment and
// creates a mapped window, skipping the test when there is none.
func testWindow(t *testing.T, w, h uint16) (*xgb.Conn, xproto.Window) {
	t.Helper()
	if os.Getenv("DISPLAY") == "" {
		t.Skip("DISPLAY not set")
	}
	conn, err := xgb.NewConn()
	if err != nil {
		t.Skipf("cannot connect to display: %v", err)
	}
	t.Cleanup(conn.Close)
	screen := xproto.Setup(conn).DefaultScreen(conn)
	win, err := xproto.NewWindowId(conn)
	if err != nil {
		t.Fatalf("xproto.NewWindowId failed: %v", err)
	}
	// Override-redirect keeps the window manager from resizing
	// the window behind the test's back.
	err = xproto.CreateWindowChecked(conn, screen.RootDepth, win, screen.Root,
		0, 0, w, h, 0, xproto.WindowClassInputOutput, screen.RootVisual,
		xproto.CwOverrideRedirect, []uint32{1}).Check()
	if err != nil {
		t.Fatalf("xproto.CreateWindow failed: %v", err)
	}
	t.Cleanup(func() { xproto.DestroyWindow(conn, win) })
	if err := xproto.MapWindowChecked(conn, win).Check(); err != nil {
		t.Fatalf("xproto.MapWindow failed: %v", err)
	}
	return conn, win
}

func TestSurfaceQueries(t *testing.T) {
	conn, win := testWindow(t, 320, 240)
	e := New(testDevice{}, wsi.Defaults())
	defer e.Close()
	sf := XCBSurface{Conn: conn, Window: win}

	ok, err := e.Supported(sf)
	if err != nil {
		t.Fatalf("e.Supported failed: %v", err)
	}
	if !ok {
		t.Fatal("e.Supported:\nhave false\nwant true")
	}

	caps, err := e.Capabilities(sf)
	if err != nil {
		t.Fatalf("e.Capabilities failed: %v", err)
	}
	want := wsi.Extent{Width: 320, Height: 240}
	if caps.CurrentExtent != want {
		t.Errorf("caps.CurrentExtent:\nhave %v\nwant %v", caps.CurrentExtent, want)
	}
	if caps.MinImageExtent != want || caps.MaxImageExtent != want {
		t.Errorf("caps extents:\nhave %v, %v\nwant %v", caps.MinImageExtent, caps.MaxImageExtent, want)
	}
	if caps.MinImageCount != 3 {
		t.Errorf("caps.MinImageCount:\nhave %d\nwant 3", caps.MinImageCount)
	}
	if caps.MaxImageCount != 0 {
		t.Errorf("caps.MaxImageCount:\nhave %d\nwant 0", caps.MaxImageCount)
	}
	if caps.CurrentTransform != wsi.TransformIdentity {
		t.Errorf("caps.CurrentTransform:\nhave %v\nwant identity", caps.CurrentTransform)
	}

	fmts, err := e.Formats(sf)
	if err != nil {
		t.Fatalf("e.Formats failed: %v", err)
	}
	if len(fmts) == 0 {
		t.Error("e.Formats:\nhave none\nwant at least one")
	}
	for _, f := range fmts {
		if f.ColorSpace != wsi.ColorSpaceSRGBNonlinear {
			t.Errorf("format %v color space:\nhave %v\nwant sRGB nonlinear", f.Format, f.ColorSpace)
		}
	}

	modes := e.PresentModes(sf)
	wantModes := []wsi.PresentMode{
		wsi.PresentImmediate, wsi.PresentMailbox, wsi.PresentFIFO, wsi.PresentFIFORelaxed,
	}
	if len(modes) != len(wantModes) {
		t.Fatalf("e.PresentModes:\nhave %d modes\nwant %d", len(modes), len(wantModes))
	}
	for i := range modes {
		if modes[i] != wantModes[i] {
			t.Errorf("e.PresentModes[%d]:\nhave %v\nwant %v", i, modes[i], wantModes[i])
		}
	}

	rects, err := e.PresentRectangles(sf)
	if err != nil {
		t.Fatalf("e.PresentRectangles failed: %v", err)
	}
	if len(rects) != 1 || rects[0].Width != 320 || rects[0].Height != 240 {
		t.Errorf("e.PresentRectangles:\nhave %v\nwant one 320x240 rect", rects)
	}
}

func TestConnectionCaching(t *testing.T) {
	conn, _ := testWindow(t, 64, 64)
	e := New(testDevice{}, wsi.Defaults())
	defer e.Close()

	ci1, err := e.connectionInfo(conn)
	if err != nil {
		t.Fatalf("e.connectionInfo failed: %v", err)
	}
	ci2, err := e.connectionInfo(conn)
	if err != nil {
		t.Fatalf("e.connectionInfo failed: %v", err)
	}
	if ci1 != ci2 {
		t.Fatalf("e.connectionInfo:\nhave distinct entries %p, %p\nwant cached", ci1, ci2)
	}
}

// Software presentation end to end: acquire, write pixels, present
// by image transfer, reuse.
func TestSoftwareSwapchain(t *testing.T) {
	conn, win := testWindow(t, 320, 240)
	e := New(testDevice{}, wsi.Defaults())
	defer e.Close()

	sc, err := e.NewSwapchain(XCBSurface{Conn: conn, Window: win}, wsi.SwapchainInfo{
		ImageCount: 3,
		Extent:     wsi.Extent{Width: 320, Height: 240},
		Format:     wsi.SurfaceFormat{Format: wsi.FormatB8G8R8A8Unorm},
		Mode:       wsi.PresentFIFO,
	})
	if err != nil {
		t.Fatalf("e.NewSwapchain failed: %v", err)
	}
	defer sc.Destroy()

	if n := len(sc.Images()); n != 3 {
		t.Fatalf("len(sc.Images):\nhave %d\nwant 3", n)
	}
	for frame := 0; frame < 3; frame++ {
		idx, st := sc.Acquire(-1)
		if st != wsi.Success {
			t.Fatalf("sc.Acquire (frame %d):\nhave %v\nwant %v", frame, st, wsi.Success)
		}
		img := sc.Images()[idx]
		for i := range img.CPUMap {
			img.CPUMap[i] = byte(frame)
		}
		if st := sc.Present(idx, nil); st != wsi.Success {
			t.Fatalf("sc.Present (frame %d):\nhave %v\nwant %v", frame, st, wsi.Success)
		}
	}
	// Transfer presents release the slot immediately, so a fourth
	// acquire succeeds right away.
	if _, st := sc.Acquire(0); st != wsi.Success {
		t.Fatalf("sc.Acquire after presents:\nhave %v\nwant %v", st, wsi.Success)
	}
}

// Resizing the window must flag the chain suboptimal and leave its
// extent alone.
func TestResizeSuboptimal(t *testing.T) {
	conn, win := testWindow(t, 320, 240)
	e := New(testDevice{}, wsi.Defaults())
	defer e.Close()

	sc, err := e.NewSwapchain(XCBSurface{Conn: conn, Window: win}, wsi.SwapchainInfo{
		ImageCount: 3,
		Extent:     wsi.Extent{Width: 320, Height: 240},
		Format:     wsi.SurfaceFormat{Format: wsi.FormatB8G8R8A8Unorm},
		Mode:       wsi.PresentImmediate,
	})
	if err != nil {
		t.Fatalf("e.NewSwapchain failed: %v", err)
	}
	defer sc.Destroy()

	// One pixel wider.
	err = xproto.ConfigureWindowChecked(conn, win,
		xproto.ConfigWindowWidth, []uint32{321}).Check()
	if err != nil {
		t.Fatalf("xproto.ConfigureWindow failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		idx, st := sc.Acquire(-1)
		if st == wsi.Suboptimal {
			break
		}
		if st != wsi.Success {
			t.Fatalf("sc.Acquire:\nhave %v\nwant %v or %v", st, wsi.Success, wsi.Suboptimal)
		}
		if time.Now().After(deadline) {
			t.Fatal("no suboptimal status within 5s of resize")
		}
		sc.Present(idx, nil)
	}
	if sc.Extent() != (wsi.Extent{Width: 320, Height: 240}) {
		t.Fatalf("sc.Extent after resize:\nhave %v\nwant {320 240}", sc.Extent())
	}
	// Suboptimal sticks.
	if _, st := sc.Acquire(0); st != wsi.Suboptimal && st != wsi.NotReady {
		t.Fatalf("sc.Acquire after suboptimal:\nhave %v\nwant %v", st, wsi.Suboptimal)
	}
}

// Creating a chain whose extent disagrees with the window starts
// out suboptimal immediately.
func TestCreateMismatchedExtent(t *testing.T) {
	conn, win := testWindow(t, 320, 240)
	e := New(testDevice{}, wsi.Defaults())
	defer e.Close()

	sc, err := e.NewSwapchain(XCBSurface{Conn: conn, Window: win}, wsi.SwapchainInfo{
		ImageCount: 3,
		Extent:     wsi.Extent{Width: 100, Height: 100},
		Format:     wsi.SurfaceFormat{Format: wsi.FormatB8G8R8A8Unorm},
		Mode:       wsi.PresentImmediate,
	})
	if err != nil {
		t.Fatalf("e.NewSwapchain failed: %v", err)
	}
	defer sc.Destroy()
	if st := sc.loadStatus(); st != wsi.Suboptimal {
		t.Fatalf("status of mismatched chain:\nhave %v\nwant %v", st, wsi.Suboptimal)
	}
}
