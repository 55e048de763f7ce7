// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
)

// Surface locates a window on a borrowed X connection.
// The two variants exist because applications hand over either an
// XCB-style connection or an Xlib display; both resolve to the
// same wire connection. The engine never closes it.
type Surface interface {
	connection() *xgb.Conn
	window() xproto.Window
}

// XCBSurface references a window by its connection handle.
type XCBSurface struct {
	Conn   *xgb.Conn
	Window xproto.Window
}

func (s XCBSurface) connection() *xgb.Conn { return s.Conn }
func (s XCBSurface) window() xproto.Window { return s.Window }

// XlibSurface references a window owned by an Xlib display.
// Display is the X connection underlying the display, which is
// what XGetXCBConnection resolves a display handle to.
type XlibSurface struct {
	Display *xgb.Conn
	Window  xproto.Window
}

func (s XlibSurface) connection() *xgb.Conn { return s.Display }
func (s XlibSurface) window() xproto.Window { return s.Window }

// screenForRoot finds the screen whose root is the given window.
func screenForRoot(conn *xgb.Conn, root xproto.Window) *xproto.ScreenInfo {
	roots := xproto.Setup(conn).Roots
	for i := range roots {
		if roots[i].Root == root {
			return &roots[i]
		}
	}
	return nil
}

// screenVisual finds a visual on one screen, also reporting the
// depth it is listed under.
func screenVisual(screen *xproto.ScreenInfo, id xproto.Visualid) (*xproto.VisualInfo, byte) {
	for i := range screen.AllowedDepths {
		d := &screen.AllowedDepths[i]
		for j := range d.Visuals {
			if d.Visuals[j].VisualId == id {
				return &d.Visuals[j], d.Depth
			}
		}
	}
	return nil, 0
}

// visualByID scans every screen for a visual. There is usually
// only one screen.
func visualByID(conn *xgb.Conn, id xproto.Visualid) *xproto.VisualInfo {
	roots := xproto.Setup(conn).Roots
	for i := range roots {
		if v, _ := screenVisual(&roots[i], id); v != nil {
			return v
		}
	}
	return nil
}

// windowVisual resolves the visual a window was created with and
// the depth it implies. The two lookups pipeline into a single
// round-trip.
func windowVisual(conn *xgb.Conn, win xproto.Window) (*xproto.VisualInfo, byte, error) {
	treeC := xproto.QueryTree(conn, win)
	attrC := xproto.GetWindowAttributes(conn, win)
	tree, err := treeC.Reply()
	if err != nil {
		return nil, 0, err
	}
	attr, err := attrC.Reply()
	if err != nil {
		return nil, 0, err
	}
	screen := screenForRoot(conn, tree.Root)
	if screen == nil {
		return nil, 0, nil
	}
	v, depth := screenVisual(screen, attr.Visual)
	return v, depth, nil
}

// visualSupported reports whether images presented to windows of
// this visual come out with sane colors.
func visualSupported(v *xproto.VisualInfo) bool {
	if v == nil {
		return false
	}
	return v.Class == xproto.VisualClassTrueColor ||
		v.Class == xproto.VisualClassDirectColor
}

// visualHasAlpha reports whether the visual's depth has bits left
// over after the RGB channels.
func visualHasAlpha(v *xproto.VisualInfo, depth byte) bool {
	rgb := v.RedMask | v.GreenMask | v.BlueMask
	all := uint32(0xffffffff) >> (32 - depth)
	return all&^rgb != 0
}
