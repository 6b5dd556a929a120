package pacer

import "time"

// Semaphore is an opaque handle to a GPU-side ordering primitive owned by a
// Device. The zero value is the nil handle.
type Semaphore uint64

// Fence is an opaque handle to a CPU-observable completion signal owned by a
// Device. The zero value is the nil handle.
type Fence uint64

// CommandBuffer is an opaque handle to recorded GPU work owned by a Device.
type CommandBuffer uint64

const (
	NilSemaphore Semaphore = 0
	NilFence     Fence     = 0
)

// Status reports the surface condition returned by image acquisition and
// presentation.
type Status int

const (
	// StatusSuccess means the operation completed and the surface matches the
	// swapchain dimensions.
	StatusSuccess Status = iota
	// StatusSuboptimal means the operation completed but the surface no longer
	// matches the swapchain exactly. The image remains usable.
	StatusSuboptimal
	// StatusOutOfDate means the surface changed incompatibly and the swapchain
	// must be rebuilt before any further use.
	StatusOutOfDate
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSuboptimal:
		return "suboptimal"
	case StatusOutOfDate:
		return "out of date"
	}
	return "unknown"
}

// PipelineStage identifies the pipeline stage at which a submission waits on a
// semaphore.
type PipelineStage int

const (
	StageTopOfPipe PipelineStage = iota
	StageColorAttachmentOutput
	StageTransfer
	StageBottomOfPipe
)

// SubmitInfo describes one queue submission. Wait and WaitStages run in
// parallel, one stage per wait semaphore.
type SubmitInfo struct {
	Wait       []Semaphore
	WaitStages []PipelineStage
	Commands   []CommandBuffer
	Signal     []Semaphore
	Fence      Fence
}

// Device is the scheduler's view of the native graphics API plus windowing
// layer. Implementations are not required to be safe for concurrent use; the
// Scheduler drives a Device from a single control thread.
//
// WaitForFences and WaitIdle must return ErrDeviceStalled (possibly wrapped)
// when the timeout elapses before the wait completes.
type Device interface {
	CreateSemaphore() (Semaphore, error)
	CreateFence(signaled bool) (Fence, error)
	DestroySemaphore(sem Semaphore)
	DestroyFence(fence Fence)

	// WaitForFences blocks until every listed fence has signaled (wait-all).
	WaitForFences(timeout time.Duration, fences ...Fence) error
	ResetFences(fences ...Fence) error

	// AcquireNextImage acquires the next presentable image, signaling sem once
	// the image is ready for rendering. A StatusOutOfDate result carries no
	// usable image index.
	AcquireNextImage(timeout time.Duration, sem Semaphore) (imageIndex int, status Status, err error)

	// SubmitFrame submits recorded work to the graphics queue.
	SubmitFrame(info SubmitInfo) error

	// PresentImage queues the image for presentation on the present queue,
	// waiting on sem.
	PresentImage(imageIndex int, sem Semaphore) (Status, error)

	// WaitIdle drains all in-flight work on the device.
	WaitIdle(timeout time.Duration) error

	// SurfaceExtent reports the current drawable surface size in pixels. Both
	// dimensions are zero while the window is minimized.
	SurfaceExtent() (width, height int)

	// CreateSwapchain builds a swapchain and every resource sized to it against
	// the given dimensions and reports how many presentable images it holds.
	CreateSwapchain(width, height int) (imageCount int, err error)

	// DestroySwapchain tears down the swapchain and all dependent resources.
	// It must only be called with the device idle.
	DestroySwapchain()
}
