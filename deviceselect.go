package pacer

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// QueueFamilyInfo describes one queue family of a candidate device.
type QueueFamilyInfo struct {
	Index    int
	Count    int
	Graphics bool
	Compute  bool
	Transfer bool
	Present  bool
}

// DeviceInfo is a plain description of a candidate physical device, built by
// the caller from whatever the native API reports. Keeping it free of native
// handles makes selection deterministic and testable without a device.
type DeviceInfo struct {
	Name              string
	DiscreteGPU       bool
	MaxImageDimension int

	// SupportsRequiredExtensions is true when every extension the application
	// needs (at minimum the swapchain extension) is available.
	SupportsRequiredExtensions bool

	// SurfaceFormats and PresentModes are the counts reported for the target
	// surface. A device with zero of either cannot present to it.
	SurfaceFormats int
	PresentModes   int

	QueueFamilies []QueueFamilyInfo
}

// QueueSelection names the families a device should be created with. Graphics
// and Present may be the same family; when they differ the swapchain images
// are shared between the two queues and the image handoff before present runs
// through the render-finished semaphore.
type QueueSelection struct {
	Graphics int
	Present  int
}

// Distinct reports whether graphics and present use different families.
func (q QueueSelection) Distinct() bool {
	return q.Graphics != q.Present
}

// ScoreDevice rates a candidate. Zero means unsuitable; among suitable
// devices, higher is better. Discrete GPUs win over integrated ones and ties
// break on the maximum image dimension.
func ScoreDevice(info DeviceInfo) int {
	if !info.SupportsRequiredExtensions {
		return 0
	}
	if info.SurfaceFormats == 0 || info.PresentModes == 0 {
		return 0
	}
	if _, err := SelectQueueFamilies(info.QueueFamilies); err != nil {
		return 0
	}

	score := info.MaxImageDimension
	if info.DiscreteGPU {
		score += 1 << 20
	}
	return score
}

// RankDevices returns the suitable candidates ordered best-first. The sort is
// stable so equal scores keep the enumeration order the native API reported.
func RankDevices(candidates []DeviceInfo) []DeviceInfo {
	ranked := make([]DeviceInfo, 0, len(candidates))
	for _, c := range candidates {
		if ScoreDevice(c) > 0 {
			ranked = append(ranked, c)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ScoreDevice(ranked[i]) > ScoreDevice(ranked[j])
	})
	return ranked
}

// SelectQueueFamilies picks the graphics and present families for a device.
// A single family supporting both is preferred; otherwise the first graphics
// family is paired with the first present family.
func SelectQueueFamilies(families []QueueFamilyInfo) (QueueSelection, error) {
	graphics := -1
	present := -1

	for _, family := range families {
		if family.Count == 0 {
			continue
		}
		if family.Graphics && family.Present {
			return QueueSelection{Graphics: family.Index, Present: family.Index}, nil
		}
		if family.Graphics && graphics < 0 {
			graphics = family.Index
		}
		if family.Present && present < 0 {
			present = family.Index
		}
	}

	if graphics < 0 || present < 0 {
		return QueueSelection{}, errors.New("no queue families for both graphics and present")
	}
	return QueueSelection{Graphics: graphics, Present: present}, nil
}
