package udpstream

import (
	"fmt"
)

// State represents the execution state of an engine graph or element.
type State int

const (
	StateNull    State = iota // Resources released, nothing scheduled
	StateReady                // Resources allocated, not processing
	StatePaused               // Prerolled, data held back
	StatePlaying              // Processing and pushing data
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// MessageKind identifies the kind of a bus message.
type MessageKind int

const (
	MessageError        MessageKind = iota // Element posted a runtime error
	MessageStateChanged                    // Element or graph changed state
	MessageEOS                             // End of stream
)

func (k MessageKind) String() string {
	switch k {
	case MessageError:
		return "error"
	case MessageStateChanged:
		return "state-changed"
	case MessageEOS:
		return "eos"
	default:
		return "unknown"
	}
}

// BusMessage is one asynchronous notification posted by a running graph.
// Messages are delivered on the graph's bus channel in the order the
// engine posts them.
type BusMessage struct {
	Kind   MessageKind
	Origin string // Name of the element (or the graph itself) that posted it
	Text   string // Human-readable description
	Old    State  // Previous state (state-changed only)
	New    State  // New state (state-changed only)
	Err    error  // Underlying error (error only)
}

// Pad is a single connection point on an element. Pads only need to be
// handled directly for sources whose output pad appears after the element
// goes live; everything else links element-to-element.
type Pad interface {
	Name() string
	Link(sink Pad) error
}

// Element is one named processing stage inside a graph. The stage topology
// is fixed once linked; only properties remain mutable.
type Element interface {
	Name() string
	Factory() string

	// Set updates a named property. Values are read by the element at
	// state-transition time, not continuously.
	Set(name string, value any) error

	// StaticPad returns the fixed pad with the given name, or false when
	// the element creates that pad dynamically.
	StaticPad(name string) (Pad, bool)

	// OnPadAdded registers a callback invoked when the element exposes a
	// new output pad at runtime. Elements with only static pads never
	// invoke it.
	OnPadAdded(fn func(Pad))
}

// Graph is a container of linked elements driven through states as one
// unit. Bus messages for the graph and all its elements are delivered on
// a single channel owned by the graph.
type Graph interface {
	Name() string

	Add(elements ...Element) error
	Link(src, dst Element) error

	// SetState requests a state transition. The request is synchronous at
	// the request layer; confirmation arrives asynchronously on the bus.
	SetState(s State) error

	// Bus returns the graph's message channel. The channel is closed when
	// the graph is released.
	Bus() <-chan BusMessage

	// Release tears the graph down and frees its elements. The bus channel
	// is closed once no further message will be posted.
	Release()
}

// Engine is the boundary to the media backend: an opaque dataflow engine
// exposing create-element, link, set-property, set-state and bus-message
// primitives. Implementations must be safe for use from multiple
// goroutines.
type Engine interface {
	Name() string
	NewGraph(name string) (Graph, error)
	NewElement(factory, name string) (Element, error)
	Close() error
}

// BuildError reports that a required stage could not be instantiated.
// Construction of the affected pipeline is aborted and not retried.
type BuildError struct {
	Factory string
	Stage   string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build: cannot create stage %q (factory %q): %v", e.Stage, e.Factory, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// LinkError reports that two stages could not be connected. It names both
// ends of the failed link.
type LinkError struct {
	Src string
	Dst string
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link: cannot connect %q to %q: %v", e.Src, e.Dst, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }
