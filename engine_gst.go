//go:build darwin || linux

package udpstream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// GStreamerEngine implements the Engine boundary on top of a system
// GStreamer installation loaded at runtime (no cgo). Element factories,
// linking, properties and state requests map directly onto the
// corresponding gst_* primitives; each graph's bus is polled from a
// dedicated goroutine and converted into BusMessage values.
type GStreamerEngine struct {
	log logrus.FieldLogger

	mu     sync.Mutex
	graphs []*gstGraph
	closed bool
}

// NewGStreamerEngine loads the GStreamer libraries (once per process)
// and initializes them. It fails when the libraries cannot be found, in
// which case the NativeEngine remains available.
func NewGStreamerEngine(logger logrus.FieldLogger) (*GStreamerEngine, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := loadGStreamer(); err != nil {
		return nil, fmt.Errorf("gstreamer unavailable: %w", err)
	}
	logger.WithField("version", goStringFromPtr(gstVersionString())).Debug("gstreamer loaded")
	return &GStreamerEngine{log: logger}, nil
}

func (e *GStreamerEngine) Name() string { return "gstreamer" }

func (e *GStreamerEngine) NewElement(factory, name string) (Element, error) {
	ptr := gstElementFactoryMake(factory, name)
	if ptr == 0 {
		return nil, fmt.Errorf("no such element factory %q", factory)
	}
	return &gstElement{ptr: ptr, factory: factory, name: name}, nil
}

func (e *GStreamerEngine) NewGraph(name string) (Graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("engine closed")
	}
	ptr := gstPipelineNew(name)
	if ptr == 0 {
		return nil, fmt.Errorf("cannot create pipeline %q", name)
	}
	g := &gstGraph{
		ptr:      ptr,
		busPtr:   gstElementGetBus(ptr),
		name:     name,
		log:      e.log.WithField("graph", name),
		bus:      make(chan BusMessage, 32),
		pollDone: make(chan struct{}),
	}
	go g.poll()
	e.graphs = append(e.graphs, g)
	return g, nil
}

func (e *GStreamerEngine) Close() error {
	e.mu.Lock()
	graphs := e.graphs
	e.graphs = nil
	e.closed = true
	e.mu.Unlock()
	for _, g := range graphs {
		g.Release()
	}
	return nil
}

// gstElement wraps one GstElement pointer. The containing graph owns the
// element once added.
type gstElement struct {
	ptr     uintptr
	factory string
	name    string
}

func (el *gstElement) Name() string    { return el.name }
func (el *gstElement) Factory() string { return el.factory }

func (el *gstElement) Set(name string, value any) error {
	return gstSetProperty(el.ptr, name, value)
}

func (el *gstElement) StaticPad(name string) (Pad, bool) {
	padPtr := gstElementGetStaticPad(el.ptr, name)
	if padPtr == 0 {
		return nil, false
	}
	return &gstPad{ptr: padPtr, owned: true}, true
}

func (el *gstElement) OnPadAdded(fn func(Pad)) {
	handle := registerPadHandler(func(padPtr uintptr) {
		fn(&gstPad{ptr: padPtr})
	})
	gSignalConnectData(el.ptr, "pad-added", gstPadAddedTrampoline(), handle, 0, 0)
}

// gstPad wraps one GstPad pointer. Pads obtained from StaticPad carry a
// reference that is dropped after the pad has been used for linking;
// pads delivered by the pad-added signal are borrowed.
type gstPad struct {
	ptr   uintptr
	owned bool
}

func (p *gstPad) Name() string {
	ptr := gstPadGetName(p.ptr)
	if ptr == 0 {
		return ""
	}
	name := goStringFromPtr(ptr)
	gFree(ptr)
	return name
}

func (p *gstPad) Link(sink Pad) error {
	dst, ok := sink.(*gstPad)
	if !ok {
		return errors.New("pad belongs to a different engine")
	}
	ret := gstPadLink(p.ptr, dst.ptr)
	if dst.owned {
		gstObjectUnref(dst.ptr)
		dst.owned = false
	}
	if ret != gstPadLinkOK {
		return fmt.Errorf("pad link refused (%d)", ret)
	}
	return nil
}

type gstGraph struct {
	ptr    uintptr
	busPtr uintptr
	name   string
	log    logrus.FieldLogger

	bus      chan BusMessage
	released atomic.Bool
	pollDone chan struct{}

	releaseOnce sync.Once
}

func (g *gstGraph) Name() string { return g.name }

func (g *gstGraph) Add(elements ...Element) error {
	for _, el := range elements {
		ge, ok := el.(*gstElement)
		if !ok {
			return fmt.Errorf("element %q was not created by this engine", el.Name())
		}
		if gstBinAdd(g.ptr, ge.ptr) == 0 {
			return fmt.Errorf("cannot add element %q to %q", el.Name(), g.name)
		}
	}
	return nil
}

func (g *gstGraph) Link(src, dst Element) error {
	s, ok := src.(*gstElement)
	if !ok {
		return fmt.Errorf("element %q was not created by this engine", src.Name())
	}
	d, ok := dst.(*gstElement)
	if !ok {
		return fmt.Errorf("element %q was not created by this engine", dst.Name())
	}
	if gstElementLink(s.ptr, d.ptr) == 0 {
		return errors.New("elements refused to link")
	}
	return nil
}

func (g *gstGraph) SetState(s State) error {
	if g.released.Load() {
		return errors.New("graph released")
	}
	if gstElementSetState(g.ptr, gstStateOf(s)) == gstStateChangeFailure {
		return fmt.Errorf("state change to %s failed", s)
	}
	return nil
}

func (g *gstGraph) Bus() <-chan BusMessage { return g.bus }

// poll drains the graph bus with a bounded timeout so release requests
// are noticed promptly, converting engine messages into BusMessage
// values. Messages are dropped rather than blocking when the consumer
// falls behind.
func (g *gstGraph) poll() {
	defer close(g.pollDone)
	defer close(g.bus)

	const pollInterval = uint64(100 * time.Millisecond)
	const mask = gstMessageMaskError | gstMessageMaskStateChanged | gstMessageMaskEOS

	for !g.released.Load() {
		msg := gstBusTimedPopFiltered(g.busPtr, pollInterval, mask)
		if msg == 0 {
			continue
		}
		if m, ok := g.convert(msg); ok {
			select {
			case g.bus <- m:
			default:
				g.log.Debug("bus full, message dropped")
			}
		}
		gstMiniObjectUnref(msg)
	}
}

func (g *gstGraph) convert(msg uintptr) (BusMessage, bool) {
	origin := gstObjectName(gstMessageSrc(msg))
	switch t := gstMessageType(msg); {
	case t&gstMessageMaskError != 0:
		text := parseErrorMessage(msg)
		return BusMessage{
			Kind:   MessageError,
			Origin: origin,
			Text:   text,
			Err:    errors.New(text),
		}, true
	case t&gstMessageMaskStateChanged != 0:
		old, newState := parseStateChanged(msg)
		return BusMessage{
			Kind:   MessageStateChanged,
			Origin: origin,
			Old:    old,
			New:    newState,
			Text:   fmt.Sprintf("state changed from %s to %s", old, newState),
		}, true
	case t&gstMessageMaskEOS != 0:
		return BusMessage{Kind: MessageEOS, Origin: origin}, true
	default:
		return BusMessage{}, false
	}
}

// Release drops the graph to null, stops the bus poller and unrefs the
// underlying objects. The bus channel is closed by the exiting poller.
func (g *gstGraph) Release() {
	g.releaseOnce.Do(func() {
		_ = g.SetState(StateNull)
		g.released.Store(true)
		<-g.pollDone
		gstObjectUnref(g.busPtr)
		gstObjectUnref(g.ptr)
	})
}
