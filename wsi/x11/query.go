// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"math/bits"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"golang.org/x/exp/slices"

	"gviegas/wsix/wsi"
)

// surfaceFormats is the fixed candidate table; a format is offered
// when its per-channel width matches the window's visual.
var surfaceFormats = [...]struct {
	format     wsi.Format
	bitsPerRGB int
}{
	{wsi.FormatB8G8R8A8SRGB, 8},
	{wsi.FormatB8G8R8A8Unorm, 8},
	{wsi.FormatA2R10G10B10Unorm, 10},
}

// presentModes lists the supported modes in priority order.
var presentModes = [...]wsi.PresentMode{
	wsi.PresentImmediate,
	wsi.PresentMailbox,
	wsi.PresentFIFO,
	wsi.PresentFIFORelaxed,
}

// SupportsVisual reports whether windows of the given visual can
// be presented to over conn.
func (e *Engine) SupportsVisual(conn *xgb.Conn, visual xproto.Visualid) bool {
	ci, err := e.connectionInfo(conn)
	if err != nil {
		return false
	}
	if !e.dev.Software() && !e.checkDRI3(ci) {
		return false
	}
	return visualSupported(visualByID(conn, visual))
}

// Supported reports whether the surface's window can be presented
// to.
func (e *Engine) Supported(s Surface) (bool, error) {
	conn := s.connection()
	ci, err := e.connectionInfo(conn)
	if err != nil {
		return false, wsi.ErrNoHostMemory
	}
	if !e.dev.Software() && !e.checkDRI3(ci) {
		return false, nil
	}
	v, _, err := windowVisual(conn, s.window())
	if err != nil {
		return false, wsi.ErrSurfaceLost
	}
	return visualSupported(v), nil
}

// Capabilities answers what swapchains the surface can carry right
// now. The extents all equal the window's current geometry: X
// presents any size, but only a matching one can flip.
func (e *Engine) Capabilities(s Surface) (wsi.SurfaceCapabilities, error) {
	conn, win := s.connection(), s.window()

	// The geometry fetch is a round-trip of its own, so dispatch
	// it before resolving the visual.
	geomC := xproto.GetGeometry(conn, xproto.Drawable(win))
	v, depth, err := windowVisual(conn, win)
	if err != nil || v == nil {
		return wsi.SurfaceCapabilities{}, wsi.ErrSurfaceLost
	}
	geom, err := geomC.Reply()
	if err != nil {
		return wsi.SurfaceCapabilities{}, wsi.ErrSurfaceLost
	}

	ext := wsi.Extent{Width: uint32(geom.Width), Height: uint32(geom.Height)}
	caps := wsi.SurfaceCapabilities{
		MinImageCount:       e.minImageCount(),
		MaxImageCount:       0, // no real maximum
		CurrentExtent:       ext,
		MinImageExtent:      ext,
		MaxImageExtent:      ext,
		MaxImageArrayLayers: 1,
		SupportedTransforms: wsi.TransformIdentity,
		CurrentTransform:    wsi.TransformIdentity,
		SupportedUsage: wsi.UCopySrc | wsi.UCopyDst | wsi.USampled |
			wsi.UStorage | wsi.URenderTarget | wsi.UInput,
	}
	if visualHasAlpha(v, depth) {
		caps.SupportedCompositeAlpha = wsi.AlphaInherit | wsi.AlphaPreMultiplied
	} else {
		caps.SupportedCompositeAlpha = wsi.AlphaInherit | wsi.AlphaOpaque
	}
	return caps, nil
}

// Formats enumerates the surface formats presentable to the
// surface's window, most preferred first.
func (e *Engine) Formats(s Surface) ([]wsi.SurfaceFormat, error) {
	v, _, err := windowVisual(s.connection(), s.window())
	if err != nil || v == nil {
		return nil, wsi.ErrSurfaceLost
	}
	var fmts []wsi.Format
	for _, sf := range surfaceFormats {
		if sf.bitsPerRGB == bits.OnesCount32(v.RedMask) &&
			sf.bitsPerRGB == bits.OnesCount32(v.GreenMask) &&
			sf.bitsPerRGB == bits.OnesCount32(v.BlueMask) {
			fmts = append(fmts, sf.format)
		}
	}
	if e.opt.ForceBGRA8UnormFirst {
		if i := slices.Index(fmts, wsi.FormatB8G8R8A8Unorm); i > 0 {
			fmts[0], fmts[i] = fmts[i], fmts[0]
		}
	}
	out := make([]wsi.SurfaceFormat, len(fmts))
	for i, f := range fmts {
		out[i] = wsi.SurfaceFormat{Format: f, ColorSpace: wsi.ColorSpaceSRGBNonlinear}
	}
	return out, nil
}

// PresentModes enumerates the supported present modes in priority
// order.
func (e *Engine) PresentModes(Surface) []wsi.PresentMode {
	return slices.Clone(presentModes[:])
}

// PresentRectangles returns the region of the window presentation
// targets: the whole window.
func (e *Engine) PresentRectangles(s Surface) ([]wsi.Rect, error) {
	geom, err := xproto.GetGeometry(s.connection(), xproto.Drawable(s.window())).Reply()
	if err != nil {
		return nil, wsi.ErrSurfaceLost
	}
	return []wsi.Rect{{
		Width:  uint32(geom.Width),
		Height: uint32(geom.Height),
	}}, nil
}
