package udpstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// NativeEngine is a pure-Go implementation of the Engine boundary. Stages
// run as goroutines passing buffers over channels; capture sources are
// synthetic (test pattern, sine tone) and the transport sink sends RTP
// over UDP. It exists so the lifecycle core can run and be exercised on
// machines without the native media stack.
type NativeEngine struct {
	log logrus.FieldLogger

	mu     sync.Mutex
	graphs []*nativeGraph
	closed bool
}

// NewNativeEngine creates a native engine. A nil logger selects the
// logrus standard logger.
func NewNativeEngine(logger logrus.FieldLogger) *NativeEngine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &NativeEngine{log: logger}
}

func (e *NativeEngine) Name() string { return "native" }

// NewElement instantiates a stage by factory name. Unknown factories are
// a creation failure, mirroring how a plugin-based engine behaves when a
// plugin is missing.
func (e *NativeEngine) NewElement(factory, name string) (Element, error) {
	ctor, ok := nativeFactories[factory]
	if !ok {
		return nil, fmt.Errorf("no such element factory %q", factory)
	}
	return ctor(factory, name, e.log), nil
}

func (e *NativeEngine) NewGraph(name string) (Graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("engine closed")
	}
	g := &nativeGraph{
		name: name,
		log:  e.log.WithField("graph", name),
		bus:  make(chan BusMessage, 32),
	}
	e.graphs = append(e.graphs, g)
	return g, nil
}

// Close releases every graph still alive.
func (e *NativeEngine) Close() error {
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

// buffer is one unit of media data flowing between native stages.
type buffer struct {
	data     []byte
	keyframe bool
	mime     string // set by the encoder, read by the transport sink
}

// nativeElement is the engine-internal contract of a stage: channel
// plumbing plus a lifecycle driven by the owning graph.
type nativeElement interface {
	Element

	setInput(ch chan buffer) error
	setOutput(ch chan buffer) error

	// start spawns the stage goroutine. paused is checked cooperatively
	// by data-producing stages.
	start(ctx context.Context, wg *sync.WaitGroup, g *nativeGraph, paused *atomic.Bool) error
}

type nativeGraph struct {
	name string
	log  logrus.FieldLogger

	mu       sync.Mutex
	elements []nativeElement
	state    State
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	paused   atomic.Bool
	released bool

	bus chan BusMessage
}

func (g *nativeGraph) Name() string { return g.name }

func (g *nativeGraph) Add(elements ...Element) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return errors.New("graph released")
	}
	for _, el := range elements {
		ne, ok := el.(*baseElement)
		if !ok {
			return fmt.Errorf("element %q was not created by this engine", el.Name())
		}
		g.elements = append(g.elements, ne)
	}
	return nil
}

func (g *nativeGraph) Link(src, dst Element) error {
	s, ok := src.(*baseElement)
	if !ok {
		return fmt.Errorf("element %q was not created by this engine", src.Name())
	}
	d, ok := dst.(*baseElement)
	if !ok {
		return fmt.Errorf("element %q was not created by this engine", dst.Name())
	}
	return linkNative(s, d)
}

func linkNative(src, dst nativeElement) error {
	ch := make(chan buffer, 16)
	if err := src.setOutput(ch); err != nil {
		return err
	}
	if err := dst.setInput(ch); err != nil {
		return err
	}
	return nil
}

// SetState drives the graph. Playing from null spawns every stage
// goroutine; paused stops data production cooperatively; null cancels
// and joins all stage goroutines. Element and graph state changes are
// posted to the bus the way a real engine announces them: one message
// per element, then one for the graph itself.
func (g *nativeGraph) SetState(s State) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return errors.New("graph released")
	}
	old := g.state
	switch s {
	case StatePlaying:
		if g.state == StateNull || g.state == StateReady {
			ctx, cancel := context.WithCancel(context.Background())
			for _, el := range g.elements {
				if err := el.start(ctx, &g.wg, g, &g.paused); err != nil {
					cancel()
					g.wg.Wait()
					return fmt.Errorf("stage %q refused to start: %w", el.Name(), err)
				}
			}
			g.cancel = cancel
		}
		g.paused.Store(false)
	case StatePaused:
		g.paused.Store(true)
	case StateNull, StateReady:
		if g.cancel != nil {
			g.cancel()
			g.cancel = nil
		}
		g.mu.Unlock()
		g.wg.Wait()
		g.mu.Lock()
		g.paused.Store(false)
	}
	g.state = s

	for _, el := range g.elements {
		g.post(BusMessage{Kind: MessageStateChanged, Origin: el.Name(), Old: old, New: s})
	}
	g.post(BusMessage{Kind: MessageStateChanged, Origin: g.name, Old: old, New: s,
		Text: fmt.Sprintf("state changed from %s to %s", old, s)})
	return nil
}

func (g *nativeGraph) Bus() <-chan BusMessage { return g.bus }

// post delivers a message to the bus without ever blocking a stage
// goroutine; when the consumer is behind the message is dropped.
func (g *nativeGraph) post(msg BusMessage) {
	select {
	case g.bus <- msg:
	default:
		g.log.WithField("kind", msg.Kind.String()).Debug("bus full, message dropped")
	}
}

// postError reports a stage runtime error on the bus.
func (g *nativeGraph) postError(origin string, err error) {
	g.post(BusMessage{Kind: MessageError, Origin: origin, Text: err.Error(), Err: err})
}

func (g *nativeGraph) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	g.mu.Unlock()
	g.wg.Wait()
	close(g.bus)
}
