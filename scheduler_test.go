package pacer

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

type fenceState struct {
	signaled bool
	armed    bool
}

// fakeDevice is an in-memory Device that completes armed fences on the next
// wait and records every state transition the scheduler drives.
type fakeDevice struct {
	width, height int
	sizeSeq       [][2]int
	sizePolls     int

	imageCount    int
	acquireCursor int

	nextHandle uint64
	semaphores map[Semaphore]bool
	fences     map[Fence]*fenceState

	swapchainLive bool
	createCount   int
	createErr     error
	lastWidth     int
	lastHeight    int

	acquireScript []Status
	acquireCalls  int
	presentScript []Status
	presentCalls  int

	idleCalls int
	idleErr   error

	fenceMade   int
	failFenceAt int

	submits []SubmitInfo

	maxArmed           int
	doubleBooked       int
	resetMissing       int
	teardownViolations int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		width:      800,
		height:     600,
		imageCount: 3,
		semaphores: make(map[Semaphore]bool),
		fences:     make(map[Fence]*fenceState),
	}
}

func (d *fakeDevice) CreateSemaphore() (Semaphore, error) {
	d.nextHandle++
	sem := Semaphore(d.nextHandle)
	d.semaphores[sem] = true
	return sem, nil
}

func (d *fakeDevice) CreateFence(signaled bool) (Fence, error) {
	d.fenceMade++
	if d.failFenceAt > 0 && d.fenceMade == d.failFenceAt {
		return NilFence, errors.New("fake: fence creation failed")
	}
	d.nextHandle++
	fence := Fence(d.nextHandle)
	d.fences[fence] = &fenceState{signaled: signaled}
	return fence, nil
}

func (d *fakeDevice) DestroySemaphore(sem Semaphore) {
	delete(d.semaphores, sem)
}

func (d *fakeDevice) DestroyFence(fence Fence) {
	delete(d.fences, fence)
}

func (d *fakeDevice) WaitForFences(timeout time.Duration, fences ...Fence) error {
	for _, fence := range fences {
		state := d.fences[fence]
		if state.signaled {
			continue
		}
		if !state.armed {
			// Nothing will ever signal this fence.
			return ErrDeviceStalled
		}
		state.armed = false
		state.signaled = true
	}
	return nil
}

func (d *fakeDevice) ResetFences(fences ...Fence) error {
	for _, fence := range fences {
		state := d.fences[fence]
		if !state.signaled {
			d.resetMissing++
		}
		state.signaled = false
		state.armed = false
	}
	return nil
}

func (d *fakeDevice) AcquireNextImage(timeout time.Duration, sem Semaphore) (int, Status, error) {
	call := d.acquireCalls
	d.acquireCalls++

	status := StatusSuccess
	if call < len(d.acquireScript) {
		status = d.acquireScript[call]
	}
	if status == StatusOutOfDate {
		return 0, StatusOutOfDate, nil
	}

	image := d.acquireCursor % d.imageCount
	d.acquireCursor++
	return image, status, nil
}

func (d *fakeDevice) SubmitFrame(info SubmitInfo) error {
	state := d.fences[info.Fence]
	if state.armed {
		d.doubleBooked++
	}
	if state.signaled {
		d.resetMissing++
	}
	state.armed = true

	armed := 0
	for _, f := range d.fences {
		if f.armed {
			armed++
		}
	}
	if armed > d.maxArmed {
		d.maxArmed = armed
	}

	d.submits = append(d.submits, info)
	return nil
}

func (d *fakeDevice) PresentImage(imageIndex int, sem Semaphore) (Status, error) {
	call := d.presentCalls
	d.presentCalls++
	if call < len(d.presentScript) {
		return d.presentScript[call], nil
	}
	return StatusSuccess, nil
}

func (d *fakeDevice) WaitIdle(timeout time.Duration) error {
	d.idleCalls++
	if d.idleErr != nil {
		return d.idleErr
	}
	for _, state := range d.fences {
		if state.armed {
			state.armed = false
			state.signaled = true
		}
	}
	return nil
}

func (d *fakeDevice) SurfaceExtent() (int, int) {
	if len(d.sizeSeq) > 0 {
		next := d.sizeSeq[0]
		d.sizeSeq = d.sizeSeq[1:]
		d.sizePolls++
		return next[0], next[1]
	}
	return d.width, d.height
}

func (d *fakeDevice) CreateSwapchain(width, height int) (int, error) {
	if d.createErr != nil {
		return 0, d.createErr
	}
	d.createCount++
	d.swapchainLive = true
	d.lastWidth = width
	d.lastHeight = height
	d.acquireCursor = 0
	return d.imageCount, nil
}

func (d *fakeDevice) DestroySwapchain() {
	for _, state := range d.fences {
		if state.armed && !state.signaled {
			d.teardownViolations++
		}
	}
	d.swapchainLive = false
}

func testOptions() *Options {
	return &Options{
		FramesInFlight:   2,
		SizePollInterval: -1,
	}
}

func mustScheduler(t *testing.T, device *fakeDevice, opts *Options) *Scheduler {
	t.Helper()
	sched, err := New(device, opts)
	if err != nil {
		t.Fatalf("New: %+v", err)
	}
	return sched
}

func TestFrameCycleAlternatesSlots(t *testing.T) {
	device := newFakeDevice()
	sched := mustScheduler(t, device, testOptions())

	for i := 0; i < 10; i++ {
		frame, err := sched.BeginFrame()
		if err != nil {
			t.Fatalf("cycle %d: BeginFrame: %+v", i, err)
		}
		if frame.Slot != i%2 {
			t.Errorf("cycle %d: got slot %d, want %d", i, frame.Slot, i%2)
		}
		if err := sched.EndFrame(frame, CommandBuffer(1)); err != nil {
			t.Fatalf("cycle %d: EndFrame: %+v", i, err)
		}
	}

	if device.doubleBooked != 0 {
		t.Errorf("%d submissions double-booked a slot still in flight", device.doubleBooked)
	}
	if device.resetMissing != 0 {
		t.Errorf("%d fence resets or submits ran against the wrong fence state", device.resetMissing)
	}
	if device.maxArmed > 2 {
		t.Errorf("observed %d slots in flight at once, want at most 2", device.maxArmed)
	}
	if len(device.submits) != 10 {
		t.Errorf("got %d submissions, want 10", len(device.submits))
	}
	if stats := sched.Stats(); stats.Frames != 10 {
		t.Errorf("got %d frames in stats, want 10", stats.Frames)
	}
}

func TestSubmitWiring(t *testing.T) {
	device := newFakeDevice()
	sched := mustScheduler(t, device, testOptions())

	frame, err := sched.BeginFrame()
	if err != nil {
		t.Fatalf("BeginFrame: %+v", err)
	}
	if err := sched.Submit(frame, CommandBuffer(7)); err != nil {
		t.Fatalf("Submit: %+v", err)
	}

	info := device.submits[0]
	if len(info.Wait) != 1 || info.Wait[0] != sched.slots[0].imageAvailable {
		t.Error("submission does not wait on the slot's image-available semaphore")
	}
	if len(info.WaitStages) != 1 || info.WaitStages[0] != StageColorAttachmentOutput {
		t.Error("submission does not wait at the color-attachment-output stage")
	}
	if len(info.Signal) != 1 || info.Signal[0] != sched.slots[0].renderFinished {
		t.Error("submission does not signal the slot's render-finished semaphore")
	}
	if info.Fence != sched.slots[0].inFlight {
		t.Error("submission does not arm the slot's fence")
	}
	if len(info.Commands) != 1 || info.Commands[0] != CommandBuffer(7) {
		t.Error("submission lost the recorded command buffer")
	}
}

func TestResizeStormCoalesces(t *testing.T) {
	device := newFakeDevice()
	sched := mustScheduler(t, device, testOptions())

	for i := 0; i < 5; i++ {
		sched.NotifyResized()
	}

	frame, err := sched.BeginFrame()
	if err != nil {
		t.Fatalf("BeginFrame: %+v", err)
	}
	if err := sched.EndFrame(frame); err != nil {
		t.Fatalf("EndFrame: %+v", err)
	}

	// One creation from New plus exactly one rebuild for the whole storm.
	if device.createCount != 2 {
		t.Errorf("got %d swapchain creations, want 2", device.createCount)
	}
	if stats := sched.Stats(); stats.Rebuilds != 1 {
		t.Errorf("got %d rebuilds, want 1", stats.Rebuilds)
	}

	// The flag was consumed: the next cycle must not rebuild again.
	frame, err = sched.BeginFrame()
	if err != nil {
		t.Fatalf("BeginFrame after rebuild: %+v", err)
	}
	if err := sched.EndFrame(frame); err != nil {
		t.Fatalf("EndFrame after rebuild: %+v", err)
	}
	if device.createCount != 2 {
		t.Errorf("rebuild ran again without a new notification: %d creations", device.createCount)
	}
}

func TestRebuildDrainsDeviceFirst(t *testing.T) {
	device := newFakeDevice()
	device.presentScript = []Status{StatusSuccess, StatusSuccess, StatusOutOfDate}
	sched := mustScheduler(t, device, testOptions())

	for i := 0; i < 6; i++ {
		frame, err := sched.BeginFrame()
		if err != nil {
			t.Fatalf("cycle %d: BeginFrame: %+v", i, err)
		}
		if frame.Slot != i%2 {
			t.Errorf("cycle %d: got slot %d, want %d (rebuild broke the slot sequence)", i, frame.Slot, i%2)
		}
		if err := sched.EndFrame(frame, CommandBuffer(1)); err != nil {
			t.Fatalf("cycle %d: EndFrame: %+v", i, err)
		}
	}

	if stats := sched.Stats(); stats.Rebuilds != 1 {
		t.Errorf("got %d rebuilds, want exactly 1", stats.Rebuilds)
	}
	if device.teardownViolations != 0 {
		t.Errorf("swapchain teardown ran with %d fences still in flight", device.teardownViolations)
	}
	if device.idleCalls == 0 {
		t.Error("rebuild never drained the device")
	}
}

func TestAcquireOutOfDateSkipsFrame(t *testing.T) {
	device := newFakeDevice()
	device.acquireScript = []Status{StatusOutOfDate}
	sched := mustScheduler(t, device, testOptions())

	frame, err := sched.BeginFrame()
	if !errors.Is(err, ErrSkipFrame) {
		t.Fatalf("got (%v, %v), want ErrSkipFrame", frame, err)
	}
	if device.createCount != 2 {
		t.Errorf("got %d swapchain creations, want 2", device.createCount)
	}

	// The slot fence must still be signaled: a skipped iteration must not
	// leave the next wait to hang on a fence nothing will signal.
	frame, err = sched.BeginFrame()
	if err != nil {
		t.Fatalf("BeginFrame after skip: %+v", err)
	}
	if frame.Slot != 0 {
		t.Errorf("got slot %d after skip, want 0", frame.Slot)
	}
	if err := sched.EndFrame(frame); err != nil {
		t.Fatalf("EndFrame after skip: %+v", err)
	}
}

func TestSuboptimalAcquireRebuildsAfterPresent(t *testing.T) {
	device := newFakeDevice()
	device.acquireScript = []Status{StatusSuboptimal}
	sched := mustScheduler(t, device, testOptions())

	frame, err := sched.BeginFrame()
	if err != nil {
		t.Fatalf("BeginFrame: %+v", err)
	}
	if err := sched.Submit(frame); err != nil {
		t.Fatalf("Submit: %+v", err)
	}

	// The mismatched frame is still presented before the rebuild.
	if err := sched.Present(frame); err != nil {
		t.Fatalf("Present: %+v", err)
	}
	if device.presentCalls != 1 {
		t.Errorf("got %d presents, want 1", device.presentCalls)
	}
	if stats := sched.Stats(); stats.Rebuilds != 1 {
		t.Errorf("got %d rebuilds, want 1", stats.Rebuilds)
	}
}

func TestDegenerateSizeGuard(t *testing.T) {
	device := newFakeDevice()
	sched := mustScheduler(t, device, testOptions())

	device.sizeSeq = [][2]int{{0, 0}, {0, 5}, {100, 100}}
	sched.NotifyResized()

	frame, err := sched.BeginFrame()
	if err != nil {
		t.Fatalf("BeginFrame: %+v", err)
	}
	if err := sched.EndFrame(frame); err != nil {
		t.Fatalf("EndFrame: %+v", err)
	}

	if device.sizePolls != 3 {
		t.Errorf("got %d size polls, want 3", device.sizePolls)
	}
	if device.lastWidth != 100 || device.lastHeight != 100 {
		t.Errorf("swapchain rebuilt at %dx%d, want 100x100", device.lastWidth, device.lastHeight)
	}
	if device.createCount != 2 {
		t.Errorf("got %d swapchain creations, want 2", device.createCount)
	}
}

func TestGenerationChangesOnRebuild(t *testing.T) {
	device := newFakeDevice()
	sched := mustScheduler(t, device, testOptions())

	before := sched.Generation()
	sched.NotifyResized()

	frame, err := sched.BeginFrame()
	if err != nil {
		t.Fatalf("BeginFrame: %+v", err)
	}
	if err := sched.EndFrame(frame); err != nil {
		t.Fatalf("EndFrame: %+v", err)
	}

	if sched.Generation() == before {
		t.Error("generation did not change across a rebuild")
	}
	if sched.ImageCount() != device.imageCount {
		t.Errorf("got image count %d, want %d", sched.ImageCount(), device.imageCount)
	}
}

func TestStalledDeviceSurfaced(t *testing.T) {
	device := newFakeDevice()
	sched := mustScheduler(t, device, testOptions())

	device.idleErr = ErrDeviceStalled
	sched.NotifyResized()

	frame, err := sched.BeginFrame()
	if err != nil {
		t.Fatalf("BeginFrame: %+v", err)
	}
	if err := sched.Submit(frame); err != nil {
		t.Fatalf("Submit: %+v", err)
	}

	err = sched.Present(frame)
	if !errors.Is(err, ErrDeviceStalled) {
		t.Errorf("got %v, want ErrDeviceStalled", err)
	}
}

func TestNewFailsAtomically(t *testing.T) {
	device := newFakeDevice()
	device.failFenceAt = 2

	sched, err := New(device, testOptions())
	if err == nil {
		sched.Close()
		t.Fatal("New succeeded despite fence creation failure")
	}

	if len(device.semaphores) != 0 {
		t.Errorf("%d semaphores leaked by failed construction", len(device.semaphores))
	}
	if len(device.fences) != 0 {
		t.Errorf("%d fences leaked by failed construction", len(device.fences))
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	device := newFakeDevice()
	sched := mustScheduler(t, device, testOptions())

	frame, err := sched.BeginFrame()
	if err != nil {
		t.Fatalf("BeginFrame: %+v", err)
	}
	if err := sched.EndFrame(frame, CommandBuffer(1)); err != nil {
		t.Fatalf("EndFrame: %+v", err)
	}

	if err := sched.Close(); err != nil {
		t.Fatalf("Close: %+v", err)
	}
	if err := sched.Close(); err != nil {
		t.Errorf("second Close: %+v", err)
	}

	if len(device.semaphores) != 0 || len(device.fences) != 0 {
		t.Errorf("close leaked %d semaphores, %d fences", len(device.semaphores), len(device.fences))
	}
	if device.swapchainLive {
		t.Error("close left the swapchain alive")
	}
	if device.teardownViolations != 0 {
		t.Errorf("teardown ran with %d fences in flight", device.teardownViolations)
	}

	if _, err := sched.BeginFrame(); !errors.Is(err, ErrClosed) {
		t.Errorf("BeginFrame after Close: got %v, want ErrClosed", err)
	}
}

func TestSingleSlotScheduler(t *testing.T) {
	device := newFakeDevice()
	sched := mustScheduler(t, device, &Options{FramesInFlight: 1, SizePollInterval: -1})

	for i := 0; i < 4; i++ {
		frame, err := sched.BeginFrame()
		if err != nil {
			t.Fatalf("cycle %d: BeginFrame: %+v", i, err)
		}
		if frame.Slot != 0 {
			t.Errorf("cycle %d: got slot %d, want 0", i, frame.Slot)
		}
		if err := sched.EndFrame(frame, CommandBuffer(1)); err != nil {
			t.Fatalf("cycle %d: EndFrame: %+v", i, err)
		}
	}

	if device.maxArmed > 1 {
		t.Errorf("observed %d slots in flight with a single-slot ring", device.maxArmed)
	}
}
