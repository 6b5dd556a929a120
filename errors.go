package pacer

import "github.com/cockroachdb/errors"

// ErrSkipFrame is returned by BeginFrame when the swapchain had to be rebuilt
// before an image could be acquired. The caller should skip the current
// iteration and call BeginFrame again.
var ErrSkipFrame = errors.New("swapchain rebuilt, skip this frame")

// ErrDeviceStalled is returned when a fence or device-idle wait exceeds its
// timeout. It indicates the GPU has stopped making progress; the session
// should be torn down rather than retried.
var ErrDeviceStalled = errors.New("device stalled: synchronization wait timed out")

// ErrClosed is returned by every Scheduler operation after Close.
var ErrClosed = errors.New("scheduler is closed")
