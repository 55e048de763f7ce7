// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"testing"

	"gviegas/wsix/wsi"
)

func TestMergeStatus(t *testing.T) {
	for _, c := range [...]struct {
		cur, res     wsi.Status
		next, report wsi.Status
	}{
		// Fatal statuses stick and win.
		{wsi.OutOfDate, wsi.Success, wsi.OutOfDate, wsi.OutOfDate},
		{wsi.OutOfDate, wsi.Suboptimal, wsi.OutOfDate, wsi.OutOfDate},
		{wsi.OutOfDate, wsi.SurfaceLost, wsi.OutOfDate, wsi.OutOfDate},
		{wsi.SurfaceLost, wsi.Success, wsi.SurfaceLost, wsi.SurfaceLost},
		// ... but transient results still pass through.
		{wsi.OutOfDate, wsi.Timeout, wsi.OutOfDate, wsi.Timeout},
		{wsi.OutOfDate, wsi.NotReady, wsi.OutOfDate, wsi.NotReady},
		// New fatal overwrites anything non-fatal.
		{wsi.Success, wsi.SurfaceLost, wsi.SurfaceLost, wsi.SurfaceLost},
		{wsi.Suboptimal, wsi.OutOfDate, wsi.OutOfDate, wsi.OutOfDate},
		// Transient results are reported, never latched.
		{wsi.Success, wsi.Timeout, wsi.Success, wsi.Timeout},
		{wsi.Success, wsi.NotReady, wsi.Success, wsi.NotReady},
		{wsi.Suboptimal, wsi.Timeout, wsi.Suboptimal, wsi.Timeout},
		// Suboptimal is sticky and shadows later successes.
		{wsi.Success, wsi.Suboptimal, wsi.Suboptimal, wsi.Suboptimal},
		{wsi.Suboptimal, wsi.Suboptimal, wsi.Suboptimal, wsi.Suboptimal},
		{wsi.Suboptimal, wsi.Success, wsi.Suboptimal, wsi.Suboptimal},
		// Plain success changes nothing.
		{wsi.Success, wsi.Success, wsi.Success, wsi.Success},
	} {
		next, report := mergeStatus(c.cur, c.res)
		if next != c.next || report != c.report {
			t.Errorf("mergeStatus(%v, %v):\nhave %v, %v\nwant %v, %v",
				c.cur, c.res, next, report, c.next, c.report)
		}
	}
}

func TestChainResultSticky(t *testing.T) {
	sc := &Swapchain{eng: New(testDevice{}, wsi.Defaults())}

	if st := sc.chainResult(wsi.Success); st != wsi.Success {
		t.Fatalf("chainResult(Success):\nhave %v\nwant %v", st, wsi.Success)
	}
	if st := sc.chainResult(wsi.Suboptimal); st != wsi.Suboptimal {
		t.Fatalf("chainResult(Suboptimal):\nhave %v\nwant %v", st, wsi.Suboptimal)
	}
	// Suboptimal shadows success from here on.
	if st := sc.chainResult(wsi.Success); st != wsi.Suboptimal {
		t.Fatalf("chainResult(Success) after Suboptimal:\nhave %v\nwant %v", st, wsi.Suboptimal)
	}
	if st := sc.chainResult(wsi.SurfaceLost); st != wsi.SurfaceLost {
		t.Fatalf("chainResult(SurfaceLost):\nhave %v\nwant %v", st, wsi.SurfaceLost)
	}
	// Fatal forever, whatever comes later.
	for _, res := range [...]wsi.Status{wsi.Success, wsi.Suboptimal, wsi.OutOfDate} {
		if st := sc.chainResult(res); st != wsi.SurfaceLost {
			t.Fatalf("chainResult(%v) after SurfaceLost:\nhave %v\nwant %v",
				res, st, wsi.SurfaceLost)
		}
	}
	// Transients still reported against a fatal latch.
	if st := sc.chainResult(wsi.Timeout); st != wsi.Timeout {
		t.Fatalf("chainResult(Timeout) after SurfaceLost:\nhave %v\nwant %v", st, wsi.Timeout)
	}
	if st := sc.loadStatus(); st != wsi.SurfaceLost {
		t.Fatalf("latched status:\nhave %v\nwant %v", st, wsi.SurfaceLost)
	}
}
