package udpstream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Role tags the function of a stage inside a pipeline.
type Role int

const (
	RoleSource Role = iota
	RoleQueue
	RoleFilter
	RoleConverter
	RoleEncoder
	RoleSink
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleQueue:
		return "queue"
	case RoleFilter:
		return "filter"
	case RoleConverter:
		return "converter"
	case RoleEncoder:
		return "encoder"
	case RoleSink:
		return "sink"
	default:
		return "unknown"
	}
}

// PipelineState is the state tracked by the pipeline controller. It
// reflects the last attempted transition; asynchronous confirmation
// arrives separately via bus state-changed messages.
type PipelineState int

const (
	PipelineUnbuilt PipelineState = iota // Graph not constructed yet
	PipelineIdle                         // Built, not streaming
	PipelinePlaying                      // Streaming
	PipelinePaused                       // Paused
)

func (s PipelineState) String() string {
	switch s {
	case PipelineUnbuilt:
		return "unbuilt"
	case PipelineIdle:
		return "idle"
	case PipelinePlaying:
		return "playing"
	case PipelinePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// stageSpec describes one stage of the fixed chain before construction.
type stageSpec struct {
	role     Role
	factory  string
	fallback string // alternate factory tried when the primary is unavailable
	name     string
	props    map[string]any
}

// stage is a constructed element plus its role tag.
type stage struct {
	role Role
	el   Element
}

// Pipeline is a fixed, linked chain of stages plus one transport sink,
// executed by the engine as a single unit. The topology is built exactly
// once; afterwards only stage properties (destination host/port, caps)
// are mutable.
type Pipeline struct {
	name   string
	engine Engine
	log    logrus.FieldLogger
	specs  []stageSpec

	mu      sync.Mutex
	graph   Graph
	stages  []stage
	sink    Element
	built   bool // build-once flag, never reset for the process lifetime
	destSet bool
	host    string
	port    int

	dynamicLinked atomic.Bool // at most one dynamic connection per pipeline
	state         atomic.Int32
}

// NewVideoPipeline prepares (but does not build) the video chain:
// capture source -> queue -> capsfilter -> videoconvert -> encoder ->
// udpsink. Capture caps are fixed by Config.Width/Height.
func NewVideoPipeline(engine Engine, cfg Config) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	caps := fmt.Sprintf("video/x-raw,width=%d,height=%d", cfg.Width, cfg.Height)
	return newPipeline(engine, cfg, "pipeline", []stageSpec{
		{role: RoleSource, factory: cfg.VideoSource, name: "videosrc"},
		{role: RoleQueue, factory: "queue", name: "srcqueue"},
		{role: RoleFilter, factory: "capsfilter", name: "capsfilter", props: map[string]any{"caps": caps}},
		{role: RoleConverter, factory: "videoconvert", name: "videoconvert"},
		{role: RoleEncoder, factory: cfg.VideoEncoder, name: "encoder"},
		{role: RoleSink, factory: "udpsink", name: "sink"},
	})
}

// NewAudioPipeline prepares (but does not build) the audio chain:
// capture source -> audioconvert -> speech encoder -> udpsink. When the
// primary capture source is unavailable a synthetic test source is used
// instead.
func NewAudioPipeline(engine Engine, cfg Config) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	return newPipeline(engine, cfg, "pipeline-audio", []stageSpec{
		{role: RoleSource, factory: cfg.AudioSource, fallback: "audiotestsrc", name: "audiosrc"},
		{role: RoleConverter, factory: "audioconvert", name: "audio-convert"},
		{role: RoleEncoder, factory: cfg.AudioEncoder, name: "audio-encoder"},
		{role: RoleSink, factory: "udpsink", name: "sink"},
	})
}

func newPipeline(engine Engine, cfg Config, name string, specs []stageSpec) (*Pipeline, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	p := &Pipeline{
		name:   name,
		engine: engine,
		log:    cfg.logger().WithField("pipeline", name),
		specs:  specs,
	}
	p.state.Store(int32(PipelineUnbuilt))
	return p, nil
}

// Build constructs and links the chain. It runs at most once per pipeline;
// a repeated call is a no-op returning success. A failed build leaves the
// pipeline unbuilt and may be attempted again.
func (p *Pipeline) Build() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.built {
		return nil
	}

	graph, err := p.engine.NewGraph(p.name)
	if err != nil {
		return fmt.Errorf("create graph %q: %w", p.name, err)
	}

	stages := make([]stage, 0, len(p.specs))
	for _, spec := range p.specs {
		el, err := p.engine.NewElement(spec.factory, spec.name)
		if err != nil && spec.fallback != "" {
			p.log.WithError(err).WithField("factory", spec.factory).
				Warnf("stage unavailable, falling back to %q", spec.fallback)
			el, err = p.engine.NewElement(spec.fallback, spec.name)
		}
		if err != nil {
			graph.Release()
			return &BuildError{Factory: spec.factory, Stage: spec.name, Err: err}
		}
		for k, v := range spec.props {
			if perr := el.Set(k, v); perr != nil {
				graph.Release()
				return &BuildError{Factory: spec.factory, Stage: spec.name, Err: perr}
			}
		}
		p.log.WithFields(logrus.Fields{"stage": spec.name, "factory": el.Factory()}).Debug("created stage")
		stages = append(stages, stage{role: spec.role, el: el})
	}

	els := make([]Element, len(stages))
	for i, st := range stages {
		els[i] = st.el
	}
	if err := graph.Add(els...); err != nil {
		graph.Release()
		return fmt.Errorf("add stages to %q: %w", p.name, err)
	}

	// Capture sources may expose their output pad only after going live.
	// Resolve that pad against the encoder's sink pad when it shows up.
	p.registerDynamicLink(stages)

	for i := 0; i+1 < len(stages); i++ {
		src, dst := stages[i].el, stages[i+1].el
		if err := graph.Link(src, dst); err != nil {
			graph.Release()
			return &LinkError{Src: src.Name(), Dst: dst.Name(), Err: err}
		}
		p.log.WithFields(logrus.Fields{"src": src.Name(), "dst": dst.Name()}).Debug("linked stages")
	}

	p.graph = graph
	p.stages = stages
	p.sink = stages[len(stages)-1].el
	p.built = true
	p.state.Store(int32(PipelineIdle))
	p.log.Info("pipeline built")
	return nil
}

// registerDynamicLink hooks the capture source's pad-added notification
// and connects new pads to the encoder's sink pad. A failed dynamic link
// is not fatal at the graph layer; it is logged so the resulting "no data
// flows" condition stays diagnosable.
func (p *Pipeline) registerDynamicLink(stages []stage) {
	var src, enc Element
	for _, st := range stages {
		switch st.role {
		case RoleSource:
			src = st.el
		case RoleEncoder:
			enc = st.el
		}
	}
	if src == nil || enc == nil {
		return
	}
	log := p.log
	dynamicLinked := &p.dynamicLinked
	src.OnPadAdded(func(pad Pad) {
		if !dynamicLinked.CompareAndSwap(false, true) {
			return
		}
		log.WithField("pad", pad.Name()).Debug("dynamic pad created, linking")
		sinkPad, ok := enc.StaticPad("sink")
		if !ok {
			log.WithField("pad", pad.Name()).Warn("downstream sink pad not found, dropping dynamic link")
			return
		}
		if err := pad.Link(sinkPad); err != nil {
			log.WithError(err).WithField("pad", pad.Name()).Warn("dynamic pad link failed")
		}
	})
}

// Built reports whether the graph has been constructed.
func (p *Pipeline) Built() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.built
}

// Name returns the graph name.
func (p *Pipeline) Name() string { return p.name }

// Bus returns the underlying graph's bus channel. It is only valid after
// a successful Build.
func (p *Pipeline) Bus() <-chan BusMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.graph == nil {
		return nil
	}
	return p.graph.Bus()
}

// SetDestination applies host and port as live properties on the
// transport sink. It must be called before every transition to playing;
// the last call before the transition determines the effective
// destination. No reachability validation is performed.
func (p *Pipeline) SetDestination(host string, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.built {
		return fmt.Errorf("pipeline %q: not built", p.name)
	}
	if err := p.sink.Set("host", host); err != nil {
		return fmt.Errorf("set destination host: %w", err)
	}
	if err := p.sink.Set("port", port); err != nil {
		return fmt.Errorf("set destination port: %w", err)
	}
	p.host, p.port = host, port
	p.destSet = true
	p.log.WithFields(logrus.Fields{"host": host, "port": port}).Debug("destination set")
	return nil
}

// Destination returns the last applied transport destination.
func (p *Pipeline) Destination() (host string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.host, p.port
}

// Start requests a transition to playing. The destination must have been
// applied first. A rejected request is returned as an error, is not
// retried, and leaves the tracked state unchanged.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.built {
		return fmt.Errorf("pipeline %q: not built", p.name)
	}
	if !p.destSet {
		return fmt.Errorf("pipeline %q: destination not set", p.name)
	}
	if err := p.graph.SetState(StatePlaying); err != nil {
		return fmt.Errorf("pipeline %q: start rejected: %w", p.name, err)
	}
	p.state.Store(int32(PipelinePlaying))
	p.log.Info("pipeline playing")
	return nil
}

// Stop drives the pipeline through paused to null so stages flush and
// release gracefully instead of being cut synchronously. The pipeline
// ends idle regardless of its prior state.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.built {
		return fmt.Errorf("pipeline %q: not built", p.name)
	}
	var firstErr error
	if err := p.graph.SetState(StatePaused); err != nil {
		firstErr = fmt.Errorf("pipeline %q: pause rejected: %w", p.name, err)
	} else {
		p.state.Store(int32(PipelinePaused))
		p.log.Debug("pipeline paused")
	}
	if err := p.graph.SetState(StateNull); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("pipeline %q: stop rejected: %w", p.name, err)
		}
	} else {
		p.state.Store(int32(PipelineIdle))
		p.log.Info("pipeline stopped")
	}
	return firstErr
}

// forceNull drops the pipeline to the null state as a safety reaction to
// a runtime error. The pipeline is left idle and inert, not restarted.
func (p *Pipeline) forceNull() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.built {
		return
	}
	if err := p.graph.SetState(StateNull); err != nil {
		p.log.WithError(err).Error("forcing null state failed")
	}
	p.state.Store(int32(PipelineIdle))
}

// State returns the tracked pipeline state.
func (p *Pipeline) State() PipelineState {
	return PipelineState(p.state.Load())
}

// Release tears the whole pipeline object down. Only called at session
// shutdown; there is no teardown-and-rebuild path.
func (p *Pipeline) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.built {
		return
	}
	if err := p.graph.SetState(StateNull); err != nil {
		p.log.WithError(err).Debug("null transition during release failed")
	}
	p.graph.Release()
	p.state.Store(int32(PipelineIdle))
	p.log.Debug("pipeline released")
}
