// Package udpstream bridges a controlling application layer and a media
// streaming engine: it builds and drives two independent real-time
// pipelines (video capture -> encode -> UDP, audio capture -> encode ->
// UDP), manages their lifecycle from a dedicated background goroutine,
// and notifies the controller of state and error events.
//
// # Architecture
//
//	Controller -> Session -> Pipeline (build once, reconfigure per start)
//	Engine graph -> bus messages -> event loop -> Controller callbacks
//
// The media backend sits behind the Engine interface: an opaque dataflow
// engine exposing create-element, link, set-property, set-state and
// bus-message primitives. Two implementations ship with the package:
//
//   - GStreamerEngine binds libgstreamer-1.0 at runtime via purego
//     (no cgo, darwin/linux).
//   - NativeEngine is a pure-Go engine with synthetic capture sources and
//     an RTP-over-UDP transport sink, usable anywhere.
//
// # Wire conventions
//
// Video streams to destination port 5000, audio to port 5001. Capture
// caps are fixed at 320x240. The four address bytes of StreamStart and
// AudioStart carry a +128 offset bias and are un-biased before use as
// IPv4 octets.
package udpstream
