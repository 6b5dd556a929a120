package pacer

type slotState int

const (
	slotIdle slotState = iota
	slotAcquiring
	slotSubmitted
)

// frameSlot is one reusable set of synchronization primitives bounding a
// single in-flight frame. Slots are used round-robin.
type frameSlot struct {
	imageAvailable Semaphore
	renderFinished Semaphore
	inFlight       Fence

	state slotState
}

// newFrameSlots creates count slots or none: on any creation failure every
// primitive created so far is destroyed before the error is returned. Fences
// start signaled so the first wait on a fresh slot returns immediately.
func newFrameSlots(device Device, count int) ([]frameSlot, error) {
	slots := make([]frameSlot, 0, count)

	destroyAll := func() {
		destroyFrameSlots(device, slots)
	}

	for i := 0; i < count; i++ {
		var slot frameSlot
		var err error

		slot.imageAvailable, err = device.CreateSemaphore()
		if err != nil {
			destroyAll()
			return nil, err
		}

		slot.renderFinished, err = device.CreateSemaphore()
		if err != nil {
			device.DestroySemaphore(slot.imageAvailable)
			destroyAll()
			return nil, err
		}

		slot.inFlight, err = device.CreateFence(true)
		if err != nil {
			device.DestroySemaphore(slot.imageAvailable)
			device.DestroySemaphore(slot.renderFinished)
			destroyAll()
			return nil, err
		}

		slots = append(slots, slot)
	}

	return slots, nil
}

func destroyFrameSlots(device Device, slots []frameSlot) {
	for _, slot := range slots {
		device.DestroySemaphore(slot.imageAvailable)
		device.DestroySemaphore(slot.renderFinished)
		device.DestroyFence(slot.inFlight)
	}
}
