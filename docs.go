// Package pacer paces frame submission and presentation for a double- or
// triple-buffered render loop. It owns a small ring of per-frame
// synchronization primitives (one "frame slot" per in-flight frame) and
// coordinates three external resources it does not own: a presentation
// swapchain, a graphics queue, and a present queue, all reached through the
// Device interface.
//
// The Scheduler guarantees that at most N frame slots' worth of submitted but
// unfinished work is outstanding at any time, and it rebuilds the swapchain
// wholesale whenever the surface is reported out of date or the application
// signals a resize.
//
// See https://vulkan-tutorial.com/ for a walkthrough of the synchronization
// scheme this package generalizes.
package pacer
