// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package wsi defines the contracts between a GPU driver and its
// window-system presentation engines.
// The driver side implements Device; a platform package (such as
// wsi/x11) consumes it to move driver-allocated images onto the
// screen. Everything here is window-system agnostic.
package wsi

import (
	"errors"
	"time"
)

// ModInvalid is the DRM "invalid" format modifier. An Image whose
// Modifier field holds it was allocated without explicit modifiers
// and must be single-plane.
const ModInvalid = ^uint64(0)

// Image is one driver-allocated swapchain image, described in the
// terms a display server import needs.
// Hardware images carry a DMA-buf descriptor and its layout;
// software images carry a CPU mapping instead and DmaBufFd is -1.
type Image struct {
	DmaBufFd   int
	NumPlanes  int
	RowPitches [4]uint32
	Offsets    [4]uint32
	Sizes      [4]uint32
	Modifier   uint64
	CPUMap     []byte

	// Priv is reserved for the Device implementation.
	Priv any
}

// ImageInfo parameterizes Device.NewImage.
type ImageInfo struct {
	Width  uint32
	Height uint32
	Format Format

	// ModifierLists holds the server's acceptable DRM modifiers
	// in decreasing order of preference, one list per tranche.
	// Empty when the server connection cannot import modifiers.
	ModifierLists [][]uint64

	// DisplayFd is the display device the server renders with,
	// or -1 when unknown. Borrowed for the duration of the call.
	DisplayFd int

	// SameGPU reports whether the server's device is known to be
	// the device the driver renders on.
	SameGPU bool

	// AllocLocal, when non-nil, must be used to obtain the pixel
	// storage of a software image so the buffer lands in memory
	// the display server can attach to.
	AllocLocal func(size uint32) ([]byte, error)
}

// Device is the driver-side interface a presentation engine
// consumes. Implementations must be safe for concurrent use; the
// engine calls WaitForImage from its own worker thread.
type Device interface {
	// Software reports whether the driver rasterizes on the CPU.
	// Software devices present by image transfer instead of
	// buffer exchange.
	Software() bool

	// HostImportMemory reports whether the driver can import
	// host-allocated memory as image storage.
	HostImportMemory() bool

	// SameDevice reports whether the DRM device behind fd is the
	// device the driver renders on.
	SameDevice(fd int) bool

	// NewImage allocates one swapchain image.
	NewImage(info ImageInfo) (*Image, error)

	// DestroyImage releases an image created by NewImage.
	DestroyImage(*Image)

	// WaitForImage blocks until the rendering work targeting img
	// has completed on the device. A negative timeout waits
	// indefinitely.
	WaitForImage(img *Image, timeout time.Duration) error

	// SyncForImage arms the caller-visible synchronization of an
	// acquired image (semaphore or fence signaling against the
	// image memory).
	SyncForImage(img *Image) error
}

// Errors returned by swapchain and surface setup. Operations on a
// live swapchain report through Status instead.
var (
	// ErrNoHostMemory covers allocation failure and also the
	// protocol-negotiation failure path: a server without the
	// required extensions surfaces here because no finer signal
	// exists in the setup API.
	ErrNoHostMemory = errors.New("wsi: out of host memory")

	// ErrSurfaceLost means the window or its connection became
	// unusable mid-setup.
	ErrSurfaceLost = errors.New("wsi: surface lost")

	// ErrInitFailed means swapchain construction could not
	// complete; all partial state has been released.
	ErrInitFailed = errors.New("wsi: initialization failed")
)
