package pacer

import "time"

// FrameStats is a snapshot of the scheduler's counters.
type FrameStats struct {
	// Frames is the number of frames presented since construction.
	Frames uint64

	// Rebuilds is the number of swapchain rebuilds since construction.
	Rebuilds uint64

	// LastFrameCPU is the wall time from BeginFrame to Advance for the most
	// recently completed frame.
	LastFrameCPU time.Duration
}
