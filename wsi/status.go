// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

// Status is the result of an operation on a live swapchain.
// Negative values are fatal: once a swapchain latches one, every
// later operation returns it. Suboptimal is advisory but sticky;
// Timeout and NotReady are transient and never latched.
type Status int32

const (
	NoHostMemory Status = -3
	SurfaceLost  Status = -2
	OutOfDate    Status = -1
	Success      Status = 0
	Suboptimal   Status = 1
	Timeout      Status = 2
	NotReady     Status = 3
)

// Fatal reports whether s permanently poisons a swapchain.
func (s Status) Fatal() bool { return s < 0 }

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case NoHostMemory:
		return "out of host memory"
	case SurfaceLost:
		return "surface lost"
	case OutOfDate:
		return "out of date"
	case Success:
		return "success"
	case Suboptimal:
		return "suboptimal"
	case Timeout:
		return "timeout"
	case NotReady:
		return "not ready"
	}
	return "invalid status"
}
