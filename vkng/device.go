// Package vkng adapts a Vulkan device, reached through vkngwrapper, to the
// pacer.Device interface. It owns the swapchain and every resource sized to
// it: image views, a single-pass clear-only render pass, framebuffers, and
// one primary command buffer per swapchain image.
package vkng

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/stratumgfx/pacer"
)

// Device implements pacer.Device over vkngwrapper. Not safe for concurrent
// use; the scheduler drives it from a single control thread.
type Device struct {
	window *sdl.Window

	globalDriver   core1_0.GlobalDriver
	instanceDriver core1_0.CoreInstanceDriver
	deviceDriver   core1_0.CoreDeviceDriver

	debugDriver        ext_debug_utils.ExtensionDriver
	debugMessenger     ext_debug_utils.DebugUtilsMessenger
	surfaceExtension   khr_surface.ExtensionDriver
	surface            khr_surface.Surface
	swapchainExtension khr_swapchain.ExtensionDriver

	physicalDevice core1_0.PhysicalDevice
	queues         pacer.QueueSelection
	graphicsQueue  core1_0.Queue
	presentQueue   core1_0.Queue

	commandPool core1_0.CommandPool

	nextHandle uint64
	semaphores map[pacer.Semaphore]core1_0.Semaphore
	fences     map[pacer.Fence]core1_0.Fence

	swapchain       khr_swapchain.Swapchain
	swapchainFormat core1_0.Format
	swapchainExtent core1_0.Extent2D
	images          []core1_0.Image
	imageViews      []core1_0.ImageView
	renderPass      core1_0.RenderPass
	framebuffers    []core1_0.Framebuffer
	commandBuffers  []core1_0.CommandBuffer
}

var _ pacer.Device = (*Device)(nil)

func (d *Device) CreateSemaphore() (pacer.Semaphore, error) {
	semaphore, _, err := d.deviceDriver.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return pacer.NilSemaphore, errors.Wrap(err, "creating semaphore")
	}

	d.nextHandle++
	handle := pacer.Semaphore(d.nextHandle)
	d.semaphores[handle] = semaphore
	return handle, nil
}

func (d *Device) CreateFence(signaled bool) (pacer.Fence, error) {
	var flags core1_0.FenceCreateFlags
	if signaled {
		flags = core1_0.FenceCreateSignaled
	}

	fence, _, err := d.deviceDriver.CreateFence(nil, core1_0.FenceCreateInfo{Flags: flags})
	if err != nil {
		return pacer.NilFence, errors.Wrap(err, "creating fence")
	}

	d.nextHandle++
	handle := pacer.Fence(d.nextHandle)
	d.fences[handle] = fence
	return handle, nil
}

func (d *Device) DestroySemaphore(handle pacer.Semaphore) {
	if semaphore, ok := d.semaphores[handle]; ok {
		d.deviceDriver.DestroySemaphore(semaphore, nil)
		delete(d.semaphores, handle)
	}
}

func (d *Device) DestroyFence(handle pacer.Fence) {
	if fence, ok := d.fences[handle]; ok {
		d.deviceDriver.DestroyFence(fence, nil)
		delete(d.fences, handle)
	}
}

func (d *Device) WaitForFences(timeout time.Duration, handles ...pacer.Fence) error {
	fences := make([]core1_0.Fence, len(handles))
	for i, handle := range handles {
		fences[i] = d.fences[handle]
	}

	res, err := d.deviceDriver.WaitForFences(true, timeout, fences...)
	if res == common.VKTimeout {
		return pacer.ErrDeviceStalled
	}
	if err != nil {
		return errors.Wrap(err, "waiting for fences")
	}
	return nil
}

func (d *Device) ResetFences(handles ...pacer.Fence) error {
	fences := make([]core1_0.Fence, len(handles))
	for i, handle := range handles {
		fences[i] = d.fences[handle]
	}

	_, err := d.deviceDriver.ResetFences(fences...)
	if err != nil {
		return errors.Wrap(err, "resetting fences")
	}
	return nil
}

func (d *Device) AcquireNextImage(timeout time.Duration, handle pacer.Semaphore) (int, pacer.Status, error) {
	semaphore := d.semaphores[handle]
	imageIndex, res, err := d.swapchainExtension.AcquireNextImage(d.swapchain, timeout, &semaphore, nil)
	switch {
	case res == khr_swapchain.VKErrorOutOfDate:
		return 0, pacer.StatusOutOfDate, nil
	case res == common.VKTimeout:
		return 0, pacer.StatusSuccess, pacer.ErrDeviceStalled
	case err != nil:
		return 0, pacer.StatusSuccess, errors.Wrap(err, "acquiring swapchain image")
	case res == khr_swapchain.VKSuboptimal:
		return imageIndex, pacer.StatusSuboptimal, nil
	}
	return imageIndex, pacer.StatusSuccess, nil
}

func (d *Device) SubmitFrame(info pacer.SubmitInfo) error {
	waitSemaphores := make([]core1_0.Semaphore, len(info.Wait))
	for i, handle := range info.Wait {
		waitSemaphores[i] = d.semaphores[handle]
	}
	waitStages := make([]core1_0.PipelineStageFlags, len(info.WaitStages))
	for i, stage := range info.WaitStages {
		waitStages[i] = pipelineStage(stage)
	}
	signalSemaphores := make([]core1_0.Semaphore, len(info.Signal))
	for i, handle := range info.Signal {
		signalSemaphores[i] = d.semaphores[handle]
	}
	commandBuffers := make([]core1_0.CommandBuffer, len(info.Commands))
	for i, handle := range info.Commands {
		commandBuffers[i] = d.commandBuffers[int(handle)-1]
	}

	fence := d.fences[info.Fence]
	_, err := d.deviceDriver.QueueSubmit(d.graphicsQueue, &fence,
		core1_0.SubmitInfo{
			WaitSemaphores:   waitSemaphores,
			WaitDstStageMask: waitStages,
			CommandBuffers:   commandBuffers,
			SignalSemaphores: signalSemaphores,
		},
	)
	if err != nil {
		return errors.Wrap(err, "submitting to graphics queue")
	}
	return nil
}

func pipelineStage(stage pacer.PipelineStage) core1_0.PipelineStageFlags {
	switch stage {
	case pacer.StageColorAttachmentOutput:
		return core1_0.PipelineStageColorAttachmentOutput
	case pacer.StageTransfer:
		return core1_0.PipelineStageTransfer
	case pacer.StageBottomOfPipe:
		return core1_0.PipelineStageBottomOfPipe
	}
	return core1_0.PipelineStageTopOfPipe
}

func (d *Device) PresentImage(imageIndex int, handle pacer.Semaphore) (pacer.Status, error) {
	res, err := d.swapchainExtension.QueuePresent(d.presentQueue, khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{d.semaphores[handle]},
		Swapchains:     []khr_swapchain.Swapchain{d.swapchain},
		ImageIndices:   []int{imageIndex},
	})
	switch {
	case res == khr_swapchain.VKErrorOutOfDate:
		return pacer.StatusOutOfDate, nil
	case res == khr_swapchain.VKSuboptimal:
		return pacer.StatusSuboptimal, nil
	case err != nil:
		return pacer.StatusSuccess, errors.Wrap(err, "presenting image")
	}
	return pacer.StatusSuccess, nil
}

// WaitIdle drains the device. Vulkan's device-idle wait cannot be bounded, so
// the timeout is not enforced here; a stalled device shows up as a hung
// vkDeviceWaitIdle the same way it would in the reference code.
func (d *Device) WaitIdle(timeout time.Duration) error {
	_, err := d.deviceDriver.DeviceWaitIdle()
	if err != nil {
		return errors.Wrap(err, "waiting for device idle")
	}
	return nil
}

func (d *Device) SurfaceExtent() (int, int) {
	if (d.window.GetFlags() & sdl.WINDOW_MINIMIZED) != 0 {
		return 0, 0
	}
	width, height := d.window.VulkanGetDrawableSize()
	return int(width), int(height)
}

func (d *Device) CreateSwapchain(width, height int) (int, error) {
	if err := d.createSwapchain(width, height); err != nil {
		return 0, err
	}
	if err := d.createImageViews(); err != nil {
		return 0, err
	}
	if err := d.createRenderPass(); err != nil {
		return 0, err
	}
	if err := d.createFramebuffers(); err != nil {
		return 0, err
	}
	if err := d.createCommandBuffers(); err != nil {
		return 0, err
	}
	return len(d.images), nil
}

func (d *Device) createSwapchain(width, height int) error {
	capabilities, _, err := d.surfaceExtension.GetPhysicalDeviceSurfaceCapabilities(d.surface, d.physicalDevice)
	if err != nil {
		return errors.Wrap(err, "querying surface capabilities")
	}
	formats, _, err := d.surfaceExtension.GetPhysicalDeviceSurfaceFormats(d.surface, d.physicalDevice)
	if err != nil {
		return errors.Wrap(err, "querying surface formats")
	}
	presentModes, _, err := d.surfaceExtension.GetPhysicalDeviceSurfacePresentModes(d.surface, d.physicalDevice)
	if err != nil {
		return errors.Wrap(err, "querying present modes")
	}

	surfaceFormat := chooseSurfaceFormat(formats)
	presentMode := choosePresentMode(presentModes)
	extent := chooseExtent(capabilities, width, height)

	imageCount := capabilities.MinImageCount + 1
	if capabilities.MaxImageCount > 0 && capabilities.MaxImageCount < imageCount {
		imageCount = capabilities.MaxImageCount
	}

	sharingMode := core1_0.SharingModeExclusive
	var queueFamilyIndices []int
	if d.queues.Distinct() {
		sharingMode = core1_0.SharingModeConcurrent
		queueFamilyIndices = append(queueFamilyIndices, d.queues.Graphics, d.queues.Present)
	}

	swapchain, _, err := d.swapchainExtension.CreateSwapchain(nil, khr_swapchain.SwapchainCreateInfo{
		Surface: d.surface,

		MinImageCount:    imageCount,
		ImageFormat:      surfaceFormat.Format,
		ImageColorSpace:  surfaceFormat.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       core1_0.ImageUsageColorAttachment,

		ImageSharingMode:   sharingMode,
		QueueFamilyIndices: queueFamilyIndices,

		PreTransform:   capabilities.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		PresentMode:    presentMode,
		Clipped:        true,
	})
	if err != nil {
		return errors.Wrap(err, "creating swapchain")
	}

	d.swapchain = swapchain
	d.swapchainFormat = surfaceFormat.Format
	d.swapchainExtent = extent
	return nil
}

func chooseSurfaceFormat(availableFormats []khr_surface.SurfaceFormat) khr_surface.SurfaceFormat {
	for _, format := range availableFormats {
		if format.Format == core1_0.FormatB8G8R8A8SRGB && format.ColorSpace == khr_surface.ColorSpaceSRGBNonlinear {
			return format
		}
	}
	return availableFormats[0]
}

func choosePresentMode(availablePresentModes []khr_surface.PresentMode) khr_surface.PresentMode {
	for _, presentMode := range availablePresentModes {
		if presentMode == khr_surface.PresentModeMailbox {
			return presentMode
		}
	}
	return khr_surface.PresentModeFIFO
}

func chooseExtent(capabilities *khr_surface.SurfaceCapabilities, width, height int) core1_0.Extent2D {
	if capabilities.CurrentExtent.Width != -1 {
		return capabilities.CurrentExtent
	}

	if width < capabilities.MinImageExtent.Width {
		width = capabilities.MinImageExtent.Width
	}
	if width > capabilities.MaxImageExtent.Width {
		width = capabilities.MaxImageExtent.Width
	}
	if height < capabilities.MinImageExtent.Height {
		height = capabilities.MinImageExtent.Height
	}
	if height > capabilities.MaxImageExtent.Height {
		height = capabilities.MaxImageExtent.Height
	}

	return core1_0.Extent2D{Width: width, Height: height}
}

func (d *Device) createImageViews() error {
	images, _, err := d.swapchainExtension.GetSwapchainImages(d.swapchain)
	if err != nil {
		return errors.Wrap(err, "getting swapchain images")
	}
	d.images = images

	for _, image := range images {
		view, _, err := d.deviceDriver.CreateImageView(nil, core1_0.ImageViewCreateInfo{
			Image:    image,
			ViewType: core1_0.ImageViewType2D,
			Format:   d.swapchainFormat,
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask:     core1_0.ImageAspectColor,
				BaseMipLevel:   0,
				LevelCount:     1,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
		})
		if err != nil {
			return errors.Wrap(err, "creating swapchain image view")
		}
		d.imageViews = append(d.imageViews, view)
	}

	return nil
}

func (d *Device) createRenderPass() error {
	renderPass, _, err := d.deviceDriver.CreateRenderPass(nil, core1_0.RenderPassCreateInfo{
		Attachments: []core1_0.AttachmentDescription{
			{
				Format:         d.swapchainFormat,
				Samples:        core1_0.Samples1,
				LoadOp:         core1_0.AttachmentLoadOpClear,
				StoreOp:        core1_0.AttachmentStoreOpStore,
				StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
				StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
				InitialLayout:  core1_0.ImageLayoutUndefined,
				FinalLayout:    khr_swapchain.ImageLayoutPresentSrc,
			},
		},
		Subpasses: []core1_0.SubpassDescription{
			{
				PipelineBindPoint: core1_0.PipelineBindPointGraphics,
				ColorAttachments: []core1_0.AttachmentReference{
					{
						Attachment: 0,
						Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
					},
				},
			},
		},
		SubpassDependencies: []core1_0.SubpassDependency{
			{
				SrcSubpass: core1_0.SubpassExternal,
				DstSubpass: 0,

				SrcStageMask:  core1_0.PipelineStageColorAttachmentOutput,
				SrcAccessMask: 0,

				DstStageMask:  core1_0.PipelineStageColorAttachmentOutput,
				DstAccessMask: core1_0.AccessColorAttachmentWrite,
			},
		},
	})
	if err != nil {
		return errors.Wrap(err, "creating render pass")
	}

	d.renderPass = renderPass
	return nil
}

func (d *Device) createFramebuffers() error {
	for _, imageView := range d.imageViews {
		framebuffer, _, err := d.deviceDriver.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
			RenderPass:  d.renderPass,
			Layers:      1,
			Attachments: []core1_0.ImageView{imageView},
			Width:       d.swapchainExtent.Width,
			Height:      d.swapchainExtent.Height,
		})
		if err != nil {
			return errors.Wrap(err, "creating framebuffer")
		}
		d.framebuffers = append(d.framebuffers, framebuffer)
	}

	return nil
}

func (d *Device) createCommandBuffers() error {
	buffers, _, err := d.deviceDriver.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        d.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: len(d.images),
	})
	if err != nil {
		return errors.Wrap(err, "allocating command buffers")
	}
	d.commandBuffers = buffers

	return nil
}

// RecordClear records the command buffer for the given image as a single
// clear-only render pass and returns its handle for submission. The caller
// must own the image (BeginFrame has waited out any prior use).
func (d *Device) RecordClear(imageIndex int, r, g, b, a float32) (pacer.CommandBuffer, error) {
	buffer := d.commandBuffers[imageIndex]

	_, err := d.deviceDriver.BeginCommandBuffer(buffer, core1_0.CommandBufferBeginInfo{})
	if err != nil {
		return 0, errors.Wrap(err, "beginning command buffer")
	}

	err = d.deviceDriver.CmdBeginRenderPass(buffer, core1_0.SubpassContentsInline,
		core1_0.RenderPassBeginInfo{
			RenderPass:  d.renderPass,
			Framebuffer: d.framebuffers[imageIndex],
			RenderArea: core1_0.Rect2D{
				Offset: core1_0.Offset2D{X: 0, Y: 0},
				Extent: d.swapchainExtent,
			},
			ClearValues: []core1_0.ClearValue{
				core1_0.ClearValueFloat{r, g, b, a},
			},
		})
	if err != nil {
		return 0, errors.Wrap(err, "beginning render pass")
	}

	d.deviceDriver.CmdEndRenderPass(buffer)

	_, err = d.deviceDriver.EndCommandBuffer(buffer)
	if err != nil {
		return 0, errors.Wrap(err, "ending command buffer")
	}

	return pacer.CommandBuffer(imageIndex + 1), nil
}

func (d *Device) DestroySwapchain() {
	if len(d.commandBuffers) > 0 {
		d.deviceDriver.FreeCommandBuffers(d.commandBuffers...)
		d.commandBuffers = nil
	}

	for _, framebuffer := range d.framebuffers {
		d.deviceDriver.DestroyFramebuffer(framebuffer, nil)
	}
	d.framebuffers = nil

	if d.renderPass.Initialized() {
		d.deviceDriver.DestroyRenderPass(d.renderPass, nil)
		d.renderPass = core1_0.RenderPass{}
	}

	for _, imageView := range d.imageViews {
		d.deviceDriver.DestroyImageView(imageView, nil)
	}
	d.imageViews = nil
	d.images = nil

	if d.swapchain.Initialized() {
		d.swapchainExtension.DestroySwapchain(d.swapchain, nil)
		d.swapchain = khr_swapchain.Swapchain{}
	}
}

// Destroy releases everything below the swapchain. Callers close the
// scheduler first: it destroys the swapchain and the synchronization
// primitives through this Device before Destroy runs.
func (d *Device) Destroy() {
	for handle := range d.semaphores {
		d.DestroySemaphore(handle)
	}
	for handle := range d.fences {
		d.DestroyFence(handle)
	}

	if d.commandPool.Initialized() {
		d.deviceDriver.DestroyCommandPool(d.commandPool, nil)
	}

	if d.deviceDriver != nil {
		d.deviceDriver.DestroyDevice(nil)
	}

	if d.debugMessenger.Initialized() {
		d.debugDriver.DestroyDebugUtilsMessenger(d.debugMessenger, nil)
	}

	if d.surface.Initialized() {
		d.surfaceExtension.DestroySurface(d.surface, nil)
	}

	if d.instanceDriver != nil {
		d.instanceDriver.DestroyInstance(nil)
	}
}
