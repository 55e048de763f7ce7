// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/dri3"
	"github.com/jezek/xgb/present"
	"github.com/jezek/xgb/randr"
	"github.com/jezek/xgb/shm"
	"github.com/jezek/xgb/xfixes"
	"github.com/jezek/xgb/xproto"
)

// probeConnection interrogates the server once per connection.
// Every extension query is dispatched before the first reply is
// read so the whole batch pipelines into one round-trip.
func (e *Engine) probeConnection(conn *xgb.Conn) (*connInfo, error) {
	wantsSHM := e.dev.Software() && !e.opt.NoSHM && e.dev.HostImportMemory()

	syncC := xproto.QueryExtension(conn, 4, "SYNC")
	dri3C := xproto.QueryExtension(conn, 4, "DRI3")
	presC := xproto.QueryExtension(conn, 7, "Present")
	randrC := xproto.QueryExtension(conn, 5, "RANDR")
	xfixesC := xproto.QueryExtension(conn, 6, "XFIXES")
	xwlC := xproto.QueryExtension(conn, 8, "XWAYLAND")
	var shmC xproto.QueryExtensionCookie
	if wantsSHM {
		shmC = xproto.QueryExtension(conn, 7, "MIT-SHM")
	}
	// Two proprietary-stack markers. They only gate the missing-
	// DRI3 warning: a user running on a proprietary DDX gets a
	// working display without DRI3 and should not be nagged.
	amdC := xproto.QueryExtension(conn, 11, "ATIFGLRXDRI")
	nvC := xproto.QueryExtension(conn, 10, "NV-CONTROL")

	syncC.Reply()
	dri3R, dri3Err := dri3C.Reply()
	presR, presErr := presC.Reply()
	randrR, _ := randrC.Reply()
	xfixesR, xfixesErr := xfixesC.Reply()
	xwlR, _ := xwlC.Reply()
	amdR, _ := amdC.Reply()
	nvR, _ := nvC.Reply()
	var shmR *xproto.QueryExtensionReply
	if wantsSHM {
		shmR, _ = shmC.Reply()
	}
	if dri3Err != nil || presErr != nil || xfixesErr != nil {
		return nil, fmt.Errorf("x11: extension query: %w", errors.Join(dri3Err, presErr, xfixesErr))
	}

	ci := &connInfo{
		hasDRI3:    dri3R.Present,
		hasPresent: presR.Present,
		hasXfixes:  xfixesR.Present,
	}

	var hasDRI3v12, hasPresentV12 bool
	if ci.hasDRI3 && dri3.Init(conn) == nil {
		if r, err := dri3.QueryVersion(conn, 1, 2).Reply(); err == nil {
			hasDRI3v12 = r.MajorVersion > 1 || r.MinorVersion >= 2
		}
	}
	if ci.hasPresent && present.Init(conn) == nil {
		if r, err := present.QueryVersion(conn, 1, 2).Reply(); err == nil {
			hasPresentV12 = r.MajorVersion > 1 || r.MinorVersion >= 2
		}
	}
	ci.hasDRI3Modifiers = hasDRI3v12 && hasPresentV12

	if ci.hasXfixes {
		ci.hasXfixes = false
		if xfixes.Init(conn) == nil {
			// Regions old enough to predate XFIXES 2 cannot
			// express the damage areas presents carry.
			if r, err := xfixes.QueryVersion(conn, 6, 0).Reply(); err == nil {
				ci.hasXfixes = r.MajorVersion >= 2
			}
		}
	}

	ci.isXwayland = detectXwayland(conn, randrR != nil && randrR.Present, xwlR != nil && xwlR.Present)
	ci.isProprietary = (amdR != nil && amdR.Present) || (nvR != nil && nvR.Present)

	if ci.hasDRI3 && ci.hasPresent && wantsSHM && shmR != nil && shmR.Present {
		if shm.Init(conn) == nil {
			if r, err := shm.QueryVersion(conn).Reply(); err == nil && r.SharedPixmaps {
				// The canonical MIT-SHM probe: detaching segment 0
				// must fail, and the error code tells the story.
				// BadRequest means the server never heard of the
				// opcode; any other error means the opcode exists
				// and merely rejected the bogus segment.
				if err := shm.DetachChecked(conn, 0).Check(); err != nil {
					if _, badReq := err.(xproto.RequestError); !badReq {
						ci.hasMITSHM = true
					}
				}
			}
		}
	}

	return ci, nil
}

// detectXwayland distinguishes Xwayland servers, whose present
// semantics need mailbox-like fence handling.
func detectXwayland(conn *xgb.Conn, hasRandR, hasXwlExt bool) bool {
	// Newer Xwayland exposes an extension to check for.
	if hasXwlExt {
		return true
	}
	// Older Xwayland names its RandR outputs XWAYLAND0 and so on.
	if !hasRandR || randr.Init(conn) != nil {
		return false
	}
	vr, err := randr.QueryVersion(conn, 1, 3).Reply()
	if err != nil || (vr.MajorVersion <= 1 && vr.MinorVersion < 3) {
		return false
	}
	root := xproto.Setup(conn).Roots[0].Root
	res, err := randr.GetScreenResourcesCurrent(conn, root).Reply()
	if err != nil || len(res.Outputs) == 0 {
		return false
	}
	oi, err := randr.GetOutputInfo(conn, res.Outputs[0], res.ConfigTimestamp).Reply()
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(oi.Name), "XWAYLAND")
}
