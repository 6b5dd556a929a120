package pacer

import "time"

// DefaultFramesInFlight bounds how many frames the CPU may record ahead of
// the GPU when no override is given.
const DefaultFramesInFlight = 2

// Options configures a Scheduler. The zero value of any field selects its
// default.
type Options struct {
	// FramesInFlight is the number of frame slots N. Defaults to
	// DefaultFramesInFlight.
	FramesInFlight int

	// FenceTimeout bounds the wait on a frame slot's completion fence at the
	// top of BeginFrame. Defaults to 5s.
	FenceTimeout time.Duration

	// IdleTimeout bounds the device-idle wait that precedes swapchain
	// teardown. Defaults to 10s.
	IdleTimeout time.Duration

	// AcquireTimeout bounds image acquisition. Defaults to FenceTimeout.
	AcquireTimeout time.Duration

	// SizePollInterval is how long to sleep between surface-size polls while
	// the surface is degenerate (zero width or height). Defaults to 50ms.
	// A negative value polls without sleeping, which is what the tests use.
	SizePollInterval time.Duration
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.FramesInFlight <= 0 {
		opts.FramesInFlight = DefaultFramesInFlight
	}
	if opts.FenceTimeout == 0 {
		opts.FenceTimeout = 5 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 10 * time.Second
	}
	if opts.AcquireTimeout == 0 {
		opts.AcquireTimeout = opts.FenceTimeout
	}
	if opts.SizePollInterval == 0 {
		opts.SizePollInterval = 50 * time.Millisecond
	}
	return opts
}
