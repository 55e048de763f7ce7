// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"errors"
	"fmt"

	"github.com/jezek/xgb/dri3"
	"github.com/jezek/xgb/shm"
	xsync "github.com/jezek/xgb/sync"
	"github.com/jezek/xgb/xfixes"
	"github.com/jezek/xgb/xproto"
	"golang.org/x/sys/unix"

	"gviegas/wsix/internal/shmfence"
	"gviegas/wsix/wsi"
)

// image is one slot of the swapchain ring.
type image struct {
	img *wsi.Image

	pixmap       xproto.Pixmap
	updateRegion xfixes.Region // long-lived XID
	updateArea   xfixes.Region // updateRegion, or None for full image

	busy          bool
	presentQueued bool
	serial        uint32

	fence     *shmfence.Fence
	syncFence xsync.Fence

	shmseg  shm.Seg
	shmid   int
	shmaddr []byte
}

// bpp is the depth-independent bits per pixel of presented images.
const bpp = 32

// initImage provisions one slot: the driver image, the server
// pixmap, the damage region and the reuse fence.
// Construction keeps a rollback list so a failure at any step
// unwinds exactly what was acquired.
func (sc *Swapchain) initImage(img *image, displayFd int, modLists [][]uint64) (err error) {
	conn := sc.conn
	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
			err = fmt.Errorf("%w: %w", wsi.ErrInitFailed, err)
		}
	}()

	info := wsi.ImageInfo{
		Width:     sc.extent.Width,
		Height:    sc.extent.Height,
		Format:    sc.format.Format,
		DisplayFd: displayFd,
		SameGPU:   sc.sameGPU,
	}
	if !sc.software {
		info.ModifierLists = modLists
	} else if sc.hasMITSHM {
		info.AllocLocal = img.allocSHM
	}
	img.img, err = sc.dev.NewImage(info)
	if err != nil {
		return err
	}
	undo = append(undo, func() {
		sc.dev.DestroyImage(img.img)
		if img.shmaddr != nil {
			unix.SysvShmDetach(img.shmaddr)
			img.shmaddr = nil
		}
	})

	if sc.software && !sc.hasMITSHM {
		// Plain software slot: a CPU buffer, presented with
		// core-protocol image transfer. Nothing server-side to
		// set up and no fence; transfer completion is implicit.
		img.busy = false
		return nil
	}

	img.updateRegion, err = xfixes.NewRegionId(conn)
	if err != nil {
		return err
	}
	xfixes.CreateRegion(conn, img.updateRegion, nil)
	undo = append(undo, func() { xfixes.DestroyRegion(conn, img.updateRegion) })

	img.pixmap, err = xproto.NewPixmapId(conn)
	if err != nil {
		return err
	}
	if sc.software {
		img.shmseg, err = shm.NewSegId(conn)
		if err != nil {
			return err
		}
		shm.Attach(conn, img.shmseg, uint32(img.shmid), false)
		undo = append(undo, func() { shm.Detach(conn, img.shmseg) })
		shm.CreatePixmap(conn, img.pixmap, xproto.Drawable(sc.window),
			uint16(img.img.RowPitches[0]/4), uint16(sc.extent.Height),
			sc.depth, img.shmseg, 0)
	} else if err = sc.pixmapFromBuffer(img); err != nil {
		return err
	}
	undo = append(undo, func() { xproto.FreePixmap(conn, img.pixmap) })

	// The reuse fence. The server triggers it when it is done
	// with the pixmap; the local side awaits it before handing
	// the image back to the application.
	img.fence, err = shmfence.Alloc()
	if err != nil {
		return err
	}
	undo = append(undo, func() { img.fence.Close() })
	fd, err := dupCloexec(img.fence.Fd())
	if err != nil {
		return err
	}
	img.syncFence, err = xsync.NewFenceId(conn)
	if err != nil {
		unix.Close(fd)
		return err
	}
	// The server takes ownership of fd.
	dri3.FenceFromFD(conn, xproto.Drawable(img.pixmap), uint32(img.syncFence), false, int32(fd))

	img.busy = false
	img.fence.Trigger()
	return nil
}

// pixmapFromBuffer imports the image's DMA-buf as a server pixmap.
func (sc *Swapchain) pixmapFromBuffer(img *image) error {
	conn := sc.conn
	w, h := uint16(sc.extent.Width), uint16(sc.extent.Height)
	if img.img.Modifier != wsi.ModInvalid {
		// Explicit modifiers need DRI3 1.2 on both ends.
		if !sc.hasDRI3Modifiers {
			panic("x11: modifier-allocated image without DRI3 modifier support")
		}
		// The request wants one descriptor per plane even when
		// every plane lives in the same buffer.
		fds := make([]int, 0, img.img.NumPlanes)
		for i := 0; i < img.img.NumPlanes; i++ {
			fd, err := dupCloexec(img.img.DmaBufFd)
			if err != nil {
				for _, fd := range fds {
					unix.Close(fd)
				}
				return wsi.ErrNoHostMemory
			}
			fds = append(fds, fd)
		}
		bufs := make([]int32, len(fds))
		for i, fd := range fds {
			bufs[i] = int32(fd)
		}
		dri3.PixmapFromBuffers(conn, img.pixmap, sc.window,
			byte(img.img.NumPlanes), w, h,
			img.img.RowPitches[0], img.img.Offsets[0],
			img.img.RowPitches[1], img.img.Offsets[1],
			img.img.RowPitches[2], img.img.Offsets[2],
			img.img.RowPitches[3], img.img.Offsets[3],
			sc.depth, bpp, img.img.Modifier, bufs)
		return nil
	}
	if img.img.NumPlanes != 1 {
		return errors.New("x11: multi-plane image without a modifier")
	}
	fd, err := dupCloexec(img.img.DmaBufFd)
	if err != nil {
		return wsi.ErrNoHostMemory
	}
	dri3.PixmapFromBuffer(conn, img.pixmap, xproto.Drawable(sc.window),
		img.img.Sizes[0], w, h, uint16(img.img.RowPitches[0]),
		sc.depth, bpp, int32(fd))
	return nil
}

// allocSHM backs a software image with a SysV segment the server
// can attach. Handed to the device as ImageInfo.AllocLocal.
func (img *image) allocSHM(size uint32) ([]byte, error) {
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, int(size), unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, err
	}
	addr, aerr := unix.SysvShmAttach(id, 0, 0)
	// Mark the segment for deletion right away so the kernel
	// reaps it once the last attachment goes, whatever happens
	// to this process or the server.
	unix.SysvShmCtl(id, unix.IPC_RMID, nil)
	if aerr != nil {
		return nil, aerr
	}
	img.shmid = id
	img.shmaddr = addr
	return addr, nil
}

// finishImage releases a fully constructed slot. Step order is
// fixed; each step stands alone if an earlier one already failed
// server-side.
func (sc *Swapchain) finishImage(img *image) {
	if !sc.software || sc.hasMITSHM {
		xsync.DestroyFence(sc.conn, img.syncFence)
		img.fence.Close()
		xproto.FreePixmap(sc.conn, img.pixmap)
		xfixes.DestroyRegion(sc.conn, img.updateRegion)
	}
	sc.dev.DestroyImage(img.img)
	if img.shmaddr != nil {
		unix.SysvShmDetach(img.shmaddr)
		img.shmaddr = nil
	}
}

// dupCloexec duplicates fd with the close-on-exec flag set.
func dupCloexec(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}
