// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package shmfence implements the shared-memory synchronization
// fence of the DRI3 present path (xshmfence). The fence is a
// single futex word in a file mapping shared with the X server;
// either process may trigger, reset or await it.
//
// The word protocol matches libxshmfence on Linux, so a fence
// registered with the server via dri3.FenceFromFD stays coherent
// with the local mapping:
//
//	0  untriggered
//	1  triggered
//	-1 untriggered, with waiters to wake
package shmfence

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	untriggered = 0
	triggered   = 1
	contended   = -1
)

// Futex operations; not exposed by golang.org/x/sys/unix.
const (
	futexWait = 0
	futexWake = 1
)

// wordSize is the size of the shared futex word.
const wordSize = 4

// Fence is a cross-process fence backed by an anonymous
// shared-memory file.
type Fence struct {
	fd  int
	mem []byte
}

// Alloc creates a fence in the untriggered state.
func Alloc() (*Fence, error) {
	fd, err := unix.MemfdCreate("wsix-shmfence", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(fd, wordSize); err != nil {
		unix.Close(fd)
		return nil, err
	}
	mem, err := unix.Mmap(fd, 0, wordSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Fence{fd: fd, mem: mem}, nil
}

func (f *Fence) word() *int32 { return (*int32)(unsafe.Pointer(&f.mem[0])) }

// Fd returns the descriptor backing the shared mapping. It remains
// owned by the fence; callers that hand it to another process must
// duplicate it first.
func (f *Fence) Fd() int { return f.fd }

// Trigger signals the fence and wakes every waiter.
func (f *Fence) Trigger() {
	if atomic.SwapInt32(f.word(), triggered) == contended {
		futex(f.word(), futexWake, 1<<31-1)
	}
}

// Reset returns the fence to the untriggered state.
func (f *Fence) Reset() {
	atomic.CompareAndSwapInt32(f.word(), triggered, untriggered)
}

// Triggered reports whether the fence is signaled.
func (f *Fence) Triggered() bool { return atomic.LoadInt32(f.word()) == triggered }

// Await blocks until the fence is triggered.
func (f *Fence) Await() error {
	w := f.word()
	for {
		switch atomic.LoadInt32(w) {
		case triggered:
			return nil
		case untriggered:
			// Advertise the waiter before sleeping so a
			// trigger from either process issues the wake.
			if !atomic.CompareAndSwapInt32(w, untriggered, contended) {
				continue
			}
		}
		if err := futex(w, futexWait, contended); err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return err
		}
	}
}

// Close unmaps the fence and closes its descriptor. The server side
// registration, if any, must be destroyed first.
func (f *Fence) Close() error {
	err := unix.Munmap(f.mem)
	if cerr := unix.Close(f.fd); err == nil {
		err = cerr
	}
	f.mem, f.fd = nil, -1
	return err
}

// futex operates on the shared word. The operation must not be
// process-private; the server maps the same page.
func futex(addr *int32, op int, val int32) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), uintptr(op), uintptr(val), 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
