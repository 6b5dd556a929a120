package vkng

import (
	"log"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v3/khr_portability_subset"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2/v3"
	"golang.org/x/sync/errgroup"

	"github.com/stratumgfx/pacer"
)

var validationLayers = []string{"VK_LAYER_KHRONOS_validation"}
var deviceExtensions = []string{khr_swapchain.ExtensionName}

// Config selects instance-level behavior for NewDevice.
type Config struct {
	AppName string

	// EnableValidation turns on the Khronos validation layer and a debug
	// messenger that forwards validation output to the standard logger.
	EnableValidation bool
}

// NewDevice creates a Vulkan instance, surface, and logical device against
// the given SDL window and returns it as a pacer.Device. The physical device
// is chosen by pacer.RankDevices over plain candidate descriptions.
func NewDevice(window *sdl.Window, config Config) (*Device, error) {
	d := &Device{
		window:     window,
		semaphores: make(map[pacer.Semaphore]core1_0.Semaphore),
		fences:     make(map[pacer.Fence]core1_0.Fence),
	}

	var err error
	d.globalDriver, err = core.CreateDriverFromProcAddr(sdl.VulkanGetVkGetInstanceProcAddr())
	if err != nil {
		return nil, errors.Wrap(err, "loading vulkan driver")
	}

	if err := d.createInstance(config); err != nil {
		return nil, err
	}
	if err := d.setupDebugMessenger(config); err != nil {
		d.Destroy()
		return nil, err
	}
	if err := d.createSurface(); err != nil {
		d.Destroy()
		return nil, err
	}
	if err := d.pickPhysicalDevice(); err != nil {
		d.Destroy()
		return nil, err
	}
	if err := d.createLogicalDevice(); err != nil {
		d.Destroy()
		return nil, err
	}
	if err := d.createCommandPool(); err != nil {
		d.Destroy()
		return nil, err
	}

	return d, nil
}

func (d *Device) createInstance(config Config) error {
	instanceOptions := core1_0.InstanceCreateInfo{
		ApplicationName:    config.AppName,
		ApplicationVersion: common.CreateVersion(1, 0, 0),
		EngineName:         "pacer",
		EngineVersion:      common.CreateVersion(1, 0, 0),
		APIVersion:         common.Vulkan1_2,
	}

	sdlExtensions := d.window.VulkanGetInstanceExtensions()
	extensions, _, err := d.globalDriver.AvailableExtensions()
	if err != nil {
		return errors.Wrap(err, "enumerating instance extensions")
	}

	for _, ext := range sdlExtensions {
		_, hasExt := extensions[ext]
		if !hasExt {
			return errors.Errorf("cannot create surface: missing instance extension %s", ext)
		}
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext)
	}

	if config.EnableValidation {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext_debug_utils.ExtensionName)
	}

	// Necessary to run on mobile & mac
	_, enumerationSupported := extensions[khr_portability_enumeration.ExtensionName]
	if enumerationSupported {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, khr_portability_enumeration.ExtensionName)
		instanceOptions.Flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	if config.EnableValidation {
		layers, _, err := d.globalDriver.AvailableLayers()
		if err != nil {
			return errors.Wrap(err, "enumerating instance layers")
		}

		for _, layer := range validationLayers {
			_, hasValidation := layers[layer]
			if !hasValidation {
				return errors.Errorf("validation layer %s not available- install LunarG Vulkan SDK", layer)
			}
			instanceOptions.EnabledLayerNames = append(instanceOptions.EnabledLayerNames, layer)
		}

		instanceOptions.Next = debugMessengerOptions()
	}

	d.instanceDriver, _, err = d.globalDriver.CreateInstance(nil, instanceOptions)
	if err != nil {
		return errors.Wrap(err, "creating instance")
	}

	return nil
}

func debugMessengerOptions() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    logDebug,
	}
}

func logDebug(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	log.Printf("[%s %s] - %s", severity, msgType, data.Message)
	return false
}

func (d *Device) setupDebugMessenger(config Config) error {
	if !config.EnableValidation {
		return nil
	}

	var err error
	d.debugDriver = ext_debug_utils.CreateExtensionDriverFromCoreDriver(d.instanceDriver)
	d.debugMessenger, _, err = d.debugDriver.CreateDebugUtilsMessenger(nil, debugMessengerOptions())
	if err != nil {
		return errors.Wrap(err, "creating debug messenger")
	}

	return nil
}

func (d *Device) createSurface() error {
	d.surfaceExtension = khr_surface.CreateExtensionDriverFromCoreDriver(d.instanceDriver)
	surface, err := vkng_sdl2.CreateSurface(d.instanceDriver.Instance(), d.surfaceExtension, d.window)
	if err != nil {
		return errors.Wrap(err, "creating window surface")
	}

	d.surface = surface
	return nil
}

// pickPhysicalDevice describes every enumerated device as a plain
// pacer.DeviceInfo (the per-device queries run concurrently) and takes the
// best-ranked candidate.
func (d *Device) pickPhysicalDevice() error {
	physicalDevices, _, err := d.instanceDriver.EnumeratePhysicalDevices()
	if err != nil {
		return errors.Wrap(err, "enumerating physical devices")
	}

	candidates := make([]pacer.DeviceInfo, len(physicalDevices))
	var group errgroup.Group
	for i := range physicalDevices {
		i := i
		device := physicalDevices[i]
		group.Go(func() error {
			info, err := d.describeDevice(device)
			if err != nil {
				return err
			}
			candidates[i] = info
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	ranked := pacer.RankDevices(candidates)
	if len(ranked) == 0 {
		return errors.New("failed to find a suitable GPU")
	}

	for i, device := range physicalDevices {
		if candidates[i].Name == ranked[0].Name {
			d.physicalDevice = device
			break
		}
	}
	d.queues, err = pacer.SelectQueueFamilies(ranked[0].QueueFamilies)
	if err != nil {
		return err
	}

	log.Printf("vkng: using %s (graphics family %d, present family %d)",
		ranked[0].Name, d.queues.Graphics, d.queues.Present)
	return nil
}

func (d *Device) describeDevice(device core1_0.PhysicalDevice) (pacer.DeviceInfo, error) {
	properties, err := d.instanceDriver.GetPhysicalDeviceProperties(device)
	if err != nil {
		return pacer.DeviceInfo{}, errors.Wrap(err, "querying device properties")
	}

	info := pacer.DeviceInfo{
		Name:              properties.DeviceName,
		DiscreteGPU:       properties.Type == core1_0.PhysicalDeviceTypeDiscreteGPU,
		MaxImageDimension: properties.Limits.MaxImageDimension2D,
	}

	extensions, _, err := d.instanceDriver.EnumerateDeviceExtensionProperties(device)
	if err != nil {
		return pacer.DeviceInfo{}, errors.Wrap(err, "enumerating device extensions")
	}
	info.SupportsRequiredExtensions = true
	for _, extension := range deviceExtensions {
		if _, hasExtension := extensions[extension]; !hasExtension {
			info.SupportsRequiredExtensions = false
		}
	}

	formats, _, err := d.surfaceExtension.GetPhysicalDeviceSurfaceFormats(d.surface, device)
	if err != nil {
		return pacer.DeviceInfo{}, errors.Wrap(err, "querying surface formats")
	}
	info.SurfaceFormats = len(formats)

	presentModes, _, err := d.surfaceExtension.GetPhysicalDeviceSurfacePresentModes(d.surface, device)
	if err != nil {
		return pacer.DeviceInfo{}, errors.Wrap(err, "querying present modes")
	}
	info.PresentModes = len(presentModes)

	queueFamilies := d.instanceDriver.GetPhysicalDeviceQueueFamilyProperties(device)
	for queueFamilyIdx, queueFamily := range queueFamilies {
		supported, _, err := d.surfaceExtension.GetPhysicalDeviceSurfaceSupport(d.surface, device, queueFamilyIdx)
		if err != nil {
			return pacer.DeviceInfo{}, errors.Wrap(err, "querying present support")
		}

		info.QueueFamilies = append(info.QueueFamilies, pacer.QueueFamilyInfo{
			Index:    queueFamilyIdx,
			Count:    queueFamily.QueueCount,
			Graphics: (queueFamily.QueueFlags & core1_0.QueueGraphics) != 0,
			Compute:  (queueFamily.QueueFlags & core1_0.QueueCompute) != 0,
			Transfer: (queueFamily.QueueFlags & core1_0.QueueTransfer) != 0,
			Present:  supported,
		})
	}

	return info, nil
}

func (d *Device) createLogicalDevice() error {
	uniqueQueueFamilies := []int{d.queues.Graphics}
	if d.queues.Distinct() {
		uniqueQueueFamilies = append(uniqueQueueFamilies, d.queues.Present)
	}

	var queueFamilyOptions []core1_0.DeviceQueueCreateInfo
	queuePriority := float32(1.0)
	for _, queueFamily := range uniqueQueueFamilies {
		queueFamilyOptions = append(queueFamilyOptions, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: queueFamily,
			QueuePriorities:  []float32{queuePriority},
		})
	}

	var extensionNames []string
	extensionNames = append(extensionNames, deviceExtensions...)

	extensions, _, err := d.instanceDriver.EnumerateDeviceExtensionProperties(d.physicalDevice)
	if err != nil {
		return errors.Wrap(err, "enumerating device extensions")
	}

	_, supported := extensions[khr_portability_subset.ExtensionName]
	if supported {
		extensionNames = append(extensionNames, khr_portability_subset.ExtensionName)
	}

	d.deviceDriver, _, err = d.instanceDriver.CreateDevice(d.physicalDevice, nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos:      queueFamilyOptions,
		EnabledExtensionNames: extensionNames,
	})
	if err != nil {
		return errors.Wrap(err, "creating logical device")
	}

	d.graphicsQueue = d.deviceDriver.GetQueue(d.queues.Graphics, 0)
	d.presentQueue = d.deviceDriver.GetQueue(d.queues.Present, 0)
	d.swapchainExtension = khr_swapchain.CreateExtensionDriverFromCoreDriver(d.deviceDriver)
	return nil
}

func (d *Device) createCommandPool() error {
	pool, _, err := d.deviceDriver.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		QueueFamilyIndex: d.queues.Graphics,
		Flags:            core1_0.CommandPoolCreateResetBuffer,
	})
	if err != nil {
		return errors.Wrap(err, "creating command pool")
	}
	d.commandPool = pool

	return nil
}
