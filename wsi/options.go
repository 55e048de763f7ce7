// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

import (
	"os"
	"strconv"
)

// Options carries the runtime configuration a presentation engine
// honors. The zero value is not the default; use Defaults or
// OptionsFromMap.
type Options struct {
	// OverrideMinImageCount replaces the engine's minimum image
	// count when positive.
	OverrideMinImageCount int

	// StrictImageCount makes swapchains use exactly the image
	// count the application requested.
	StrictImageCount bool

	// EnsureMinImageCount raises requested image counts to the
	// engine's minimum.
	EnsureMinImageCount bool

	// XwaylandWaitReady enables the early fence wait that keeps
	// Xwayland compositors from sampling unfinished buffers.
	// Defaults to true.
	XwaylandWaitReady bool

	// AdaptiveSync advertises variable-refresh presentation on
	// the swapchain's window.
	AdaptiveSync bool

	// ForceBGRA8UnormFirst moves B8G8R8A8 unorm to the front of
	// surface format enumerations.
	ForceBGRA8UnormFirst bool

	// NoSHM disables MIT-SHM for software presentation.
	// Also set by the WSI_DEBUG_NOSHM environment variable.
	NoSHM bool

	// Debug logs swapchain status transitions.
	Debug bool
}

// Defaults returns the default options, with debug toggles taken
// from the environment.
func Defaults() Options {
	return Options{
		XwaylandWaitReady: true,
		NoSHM:             os.Getenv("WSI_DEBUG_NOSHM") != "",
	}
}

// Option names recognized by OptionsFromMap, matching the names
// used by the driver configuration machinery.
const (
	optOverrideMinImageCount = "vk_x11_override_min_image_count"
	optStrictImageCount      = "vk_x11_strict_image_count"
	optEnsureMinImageCount   = "vk_x11_ensure_min_image_count"
	optXwaylandWaitReady     = "vk_xwayland_wait_ready"
)

// OptionsFromMap builds Options from named configuration values.
// Unknown names are ignored; malformed values keep the default.
func OptionsFromMap(m map[string]string) Options {
	o := Defaults()
	if s, ok := m[optOverrideMinImageCount]; ok {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			o.OverrideMinImageCount = n
		}
	}
	if s, ok := m[optStrictImageCount]; ok {
		if b, err := strconv.ParseBool(s); err == nil {
			o.StrictImageCount = b
		}
	}
	if s, ok := m[optEnsureMinImageCount]; ok {
		if b, err := strconv.ParseBool(s); err == nil {
			o.EnsureMinImageCount = b
		}
	}
	if s, ok := m[optXwaylandWaitReady]; ok {
		if b, err := strconv.ParseBool(s); err == nil {
			o.XwaylandWaitReady = b
		}
	}
	return o
}
