package udpstream

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// quietLogger keeps test output clean.
func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeEngine is a scriptable Engine: element creation, linking and state
// transitions can be made to fail, and bus messages can be injected.
type fakeEngine struct {
	mu               sync.Mutex
	failFactories    map[string]error
	failLinks        map[string]error
	failStates       map[State]error
	dynamicFactories map[string]bool
	elements         []*fakeElement
	graphs           []*fakeGraph
	closed           bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		failFactories:    make(map[string]error),
		failLinks:        make(map[string]error),
		failStates:       make(map[State]error),
		dynamicFactories: make(map[string]bool),
	}
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) NewElement(factory, name string) (Element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failFactories[factory]; err != nil {
		return nil, err
	}
	el := &fakeElement{
		factory: factory,
		name:    name,
		props:   make(map[string]any),
		dynamic: e.dynamicFactories[factory],
	}
	e.elements = append(e.elements, el)
	return el, nil
}

func (e *fakeEngine) NewGraph(name string) (Graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g := &fakeGraph{
		engine: e,
		name:   name,
		bus:    make(chan BusMessage, 32),
	}
	e.graphs = append(e.graphs, g)
	return g, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) elementCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.elements)
}

func (e *fakeEngine) graph(i int) *fakeGraph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graphs[i]
}

func (e *fakeEngine) graphCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.graphs)
}

type fakeElement struct {
	mu       sync.Mutex
	factory  string
	name     string
	props    map[string]any
	dynamic  bool
	padAdded func(Pad)
}

func (el *fakeElement) Name() string    { return el.name }
func (el *fakeElement) Factory() string { return el.factory }

func (el *fakeElement) Set(name string, value any) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.props[name] = value
	return nil
}

func (el *fakeElement) prop(name string) any {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.props[name]
}

func (el *fakeElement) StaticPad(name string) (Pad, bool) {
	if name == "src" && el.dynamic {
		return nil, false
	}
	return &fakePad{el: el, name: name}, true
}

func (el *fakeElement) OnPadAdded(fn func(Pad)) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.padAdded = fn
}

func (el *fakeElement) firePadAdded(pad Pad) {
	el.mu.Lock()
	fn := el.padAdded
	el.mu.Unlock()
	if fn != nil {
		fn(pad)
	}
}

type fakePad struct {
	el   *fakeElement
	name string

	mu       sync.Mutex
	linkedTo *fakePad
	links    int
}

func (p *fakePad) Name() string { return p.name }

func (p *fakePad) Link(sink Pad) error {
	dst, ok := sink.(*fakePad)
	if !ok {
		return fmt.Errorf("foreign pad")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linkedTo = dst
	p.links++
	return nil
}

func (p *fakePad) linkTarget() *fakePad {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linkedTo
}

type fakeGraph struct {
	engine *fakeEngine
	name   string

	mu     sync.Mutex
	added  []Element
	links  [][2]string
	states []State

	bus         chan BusMessage
	releaseOnce sync.Once
}

func (g *fakeGraph) Name() string { return g.name }

func (g *fakeGraph) Add(elements ...Element) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.added = append(g.added, elements...)
	return nil
}

func (g *fakeGraph) Link(src, dst Element) error {
	key := src.Name() + "->" + dst.Name()
	g.engine.mu.Lock()
	err := g.engine.failLinks[key]
	g.engine.mu.Unlock()
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.links = append(g.links, [2]string{src.Name(), dst.Name()})
	return nil
}

func (g *fakeGraph) SetState(s State) error {
	g.engine.mu.Lock()
	err := g.engine.failStates[s]
	g.engine.mu.Unlock()
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states = append(g.states, s)
	return nil
}

func (g *fakeGraph) Bus() <-chan BusMessage { return g.bus }

func (g *fakeGraph) Release() {
	g.releaseOnce.Do(func() { close(g.bus) })
}

// post injects a bus message as if the engine had produced it.
func (g *fakeGraph) post(msg BusMessage) { g.bus <- msg }

func (g *fakeGraph) stateHistory() []State {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]State, len(g.states))
	copy(out, g.states)
	return out
}

func (g *fakeGraph) linkCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.links)
}

func (g *fakeGraph) addedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.added)
}

// fakeController records every callback it receives.
type fakeController struct {
	mu       sync.Mutex
	messages []string
	inits    int
	initCh   chan struct{}
}

func newFakeController() *fakeController {
	return &fakeController{initCh: make(chan struct{}, 8)}
}

func (c *fakeController) SetMessage(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, text)
}

func (c *fakeController) OnInitialized() {
	c.mu.Lock()
	c.inits++
	c.mu.Unlock()
	c.initCh <- struct{}{}
}

func (c *fakeController) messageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *fakeController) lastMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return ""
	}
	return c.messages[len(c.messages)-1]
}

func (c *fakeController) initCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inits
}

func (c *fakeController) waitInitialized(t *testing.T) {
	t.Helper()
	select {
	case <-c.initCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnInitialized")
	}
}

// bindingController additionally implements ThreadBinder.
type bindingController struct {
	fakeController
	mu       sync.Mutex
	binds    int
	releases int
}

func newBindingController() *bindingController {
	return &bindingController{fakeController: *newFakeController()}
}

func (c *bindingController) BindThread() (func(), error) {
	c.mu.Lock()
	c.binds++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.releases++
		c.mu.Unlock()
	}, nil
}

func (c *bindingController) counts() (binds, releases int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binds, c.releases
}

// waitFor polls a condition until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
