package pacer

import (
	"log"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/loov/hrtime"
)

// Frame identifies one in-progress frame: the slot whose synchronization
// primitives bound it and the swapchain image it renders to. A Frame is only
// valid until the Advance call that follows it.
type Frame struct {
	Slot       int
	ImageIndex int
}

// Scheduler paces frame submission and presentation over a Device. It is
// exclusively single-threaded: one control thread calls BeginFrame, Submit,
// Present and Advance in order, once per loop iteration.
//
// Transient surface conditions (out of date, suboptimal, pending resize) are
// absorbed by rebuilding the swapchain and are never surfaced as errors beyond
// ErrSkipFrame. Every other failure is fatal and means the session must be
// torn down.
type Scheduler struct {
	device Device
	opts   Options

	slots   []frameSlot
	current int

	// imageOwners[i] is the in-flight fence of the slot that last submitted
	// work against swapchain image i, or NilFence.
	imageOwners []Fence

	generation uuid.UUID

	resizePending bool
	suboptimal    bool
	closed        bool

	stats      FrameStats
	frameStart time.Duration
}

// New builds a Scheduler with its frame-slot ring and an initial swapchain
// sized to the current surface. It either constructs fully or fails with
// every created primitive destroyed.
func New(device Device, opts *Options) (*Scheduler, error) {
	s := &Scheduler{
		device: device,
		opts:   opts.withDefaults(),
	}

	slots, err := newFrameSlots(device, s.opts.FramesInFlight)
	if err != nil {
		return nil, errors.Wrap(err, "creating frame slots")
	}
	s.slots = slots

	width, height := s.waitForValidExtent()
	imageCount, err := device.CreateSwapchain(width, height)
	if err != nil {
		destroyFrameSlots(device, slots)
		return nil, errors.Wrapf(err, "creating swapchain at %dx%d", width, height)
	}
	s.imageOwners = make([]Fence, imageCount)
	s.generation = uuid.New()

	return s, nil
}

// BeginFrame blocks until the current slot's prior work has completed, then
// acquires the next presentable image. It returns ErrSkipFrame after an
// out-of-date acquisition forced a swapchain rebuild; the caller should skip
// the iteration. A suboptimal acquisition still yields a usable frame and is
// resolved after the next Present.
func (s *Scheduler) BeginFrame() (*Frame, error) {
	if s.closed {
		return nil, ErrClosed
	}

	s.frameStart = hrtime.Now()

	slot := &s.slots[s.current]
	err := s.device.WaitForFences(s.opts.FenceTimeout, slot.inFlight)
	if err != nil {
		return nil, errors.Wrapf(err, "waiting on slot %d completion fence", s.current)
	}
	slot.state = slotIdle

	imageIndex, status, err := s.device.AcquireNextImage(s.opts.AcquireTimeout, slot.imageAvailable)
	if status == StatusOutOfDate {
		if rebuildErr := s.rebuildSwapchain(); rebuildErr != nil {
			return nil, rebuildErr
		}
		return nil, ErrSkipFrame
	}
	if err != nil {
		return nil, errors.Wrap(err, "acquiring swapchain image")
	}
	if status == StatusSuboptimal {
		// The image is still presentable. Record the mismatch and rebuild
		// after the present instead of dropping the frame.
		s.suboptimal = true
	}

	// An older slot may still be rendering to this image when the swapchain
	// holds more images than there are slots.
	if owner := s.imageOwners[imageIndex]; owner != NilFence && owner != slot.inFlight {
		err = s.device.WaitForFences(s.opts.FenceTimeout, owner)
		if err != nil {
			return nil, errors.Wrapf(err, "waiting on prior owner of image %d", imageIndex)
		}
	}
	s.imageOwners[imageIndex] = slot.inFlight

	// Reset only after acquisition succeeds. Resetting before would leave the
	// fence unsignaled on the skip path and deadlock the next wait.
	err = s.device.ResetFences(slot.inFlight)
	if err != nil {
		return nil, errors.Wrapf(err, "resetting slot %d fence", s.current)
	}
	slot.state = slotAcquiring

	return &Frame{Slot: s.current, ImageIndex: imageIndex}, nil
}

// Submit hands the recorded command buffers for the frame to the graphics
// queue: it waits on the slot's image-available semaphore at the
// color-attachment-output stage, signals render-finished on completion and
// arms the slot's fence. Submission failure is fatal.
func (s *Scheduler) Submit(frame *Frame, commands ...CommandBuffer) error {
	if s.closed {
		return ErrClosed
	}

	slot := &s.slots[frame.Slot]
	err := s.device.SubmitFrame(SubmitInfo{
		Wait:       []Semaphore{slot.imageAvailable},
		WaitStages: []PipelineStage{StageColorAttachmentOutput},
		Commands:   commands,
		Signal:     []Semaphore{slot.renderFinished},
		Fence:      slot.inFlight,
	})
	if err != nil {
		return errors.Wrapf(err, "submitting slot %d for image %d", frame.Slot, frame.ImageIndex)
	}
	slot.state = slotSubmitted

	return nil
}

// Present queues the frame's image for presentation, waiting on the slot's
// render-finished semaphore. An out-of-date or suboptimal present, or a
// pending resize notification, triggers one coalesced swapchain rebuild.
// Every other failure is fatal.
func (s *Scheduler) Present(frame *Frame) error {
	if s.closed {
		return ErrClosed
	}

	slot := &s.slots[frame.Slot]
	status, err := s.device.PresentImage(frame.ImageIndex, slot.renderFinished)
	needRebuild := status == StatusOutOfDate || status == StatusSuboptimal ||
		s.resizePending || s.suboptimal

	switch {
	case needRebuild:
		s.resizePending = false
		s.suboptimal = false
		if rebuildErr := s.rebuildSwapchain(); rebuildErr != nil {
			return rebuildErr
		}
	case err != nil:
		return errors.Wrapf(err, "presenting image %d", frame.ImageIndex)
	}

	s.stats.Frames++
	return nil
}

// Advance moves to the next frame slot.
func (s *Scheduler) Advance() {
	s.current = (s.current + 1) % len(s.slots)
	s.stats.LastFrameCPU = hrtime.Now() - s.frameStart
}

// EndFrame is the common Submit+Present+Advance sequence for callers that do
// not need to interleave work between the three steps.
func (s *Scheduler) EndFrame(frame *Frame, commands ...CommandBuffer) error {
	if err := s.Submit(frame, commands...); err != nil {
		return err
	}
	if err := s.Present(frame); err != nil {
		return err
	}
	s.Advance()
	return nil
}

// NotifyResized records that the surface changed size. Notifications coalesce:
// any number of calls between frames results in a single rebuild after the
// next Present.
func (s *Scheduler) NotifyResized() {
	s.resizePending = true
}

// Generation identifies the current swapchain generation. It changes on every
// rebuild; callers caching per-image handles must treat them as invalid once
// the generation they were derived from is gone.
func (s *Scheduler) Generation() uuid.UUID {
	return s.generation
}

// ImageCount reports how many presentable images the current swapchain holds.
func (s *Scheduler) ImageCount() int {
	return len(s.imageOwners)
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() FrameStats {
	return s.stats
}

// Close drains the device and destroys the swapchain and every frame slot.
// It is idempotent.
func (s *Scheduler) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.device.WaitIdle(s.opts.IdleTimeout); err != nil {
		return errors.Wrap(err, "draining device at shutdown")
	}
	s.device.DestroySwapchain()
	destroyFrameSlots(s.device, s.slots)
	s.slots = nil
	s.imageOwners = nil

	return nil
}

// rebuildSwapchain tears down the swapchain and every resource sized to it and
// rebuilds them against the current surface dimensions. The device is drained
// first: teardown must never run while any slot is still submitted. Rebuild
// failure is fatal, partial recreation is not attempted.
func (s *Scheduler) rebuildSwapchain() error {
	width, height := s.waitForValidExtent()

	if err := s.device.WaitIdle(s.opts.IdleTimeout); err != nil {
		return errors.Wrap(err, "draining device before swapchain teardown")
	}
	for i := range s.slots {
		s.slots[i].state = slotIdle
	}

	s.device.DestroySwapchain()
	imageCount, err := s.device.CreateSwapchain(width, height)
	if err != nil {
		return errors.Wrapf(err, "rebuilding swapchain at %dx%d", width, height)
	}

	s.imageOwners = make([]Fence, imageCount)
	s.generation = uuid.New()
	s.stats.Rebuilds++
	log.Printf("pacer: swapchain %s rebuilt at %dx%d with %d images", s.generation, width, height, imageCount)

	return nil
}

// waitForValidExtent polls the surface size until both dimensions are nonzero.
// A minimized window reports zero and is a wait condition, not an error.
func (s *Scheduler) waitForValidExtent() (int, int) {
	width, height := s.device.SurfaceExtent()
	for width == 0 || height == 0 {
		if s.opts.SizePollInterval > 0 {
			time.Sleep(s.opts.SizePollInterval)
		}
		width, height = s.device.SurfaceExtent()
	}
	return width, height
}
