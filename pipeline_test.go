package udpstream

import (
	"errors"
	"testing"
)

func TestVideoPipelineBuildOnce(t *testing.T) {
	engine := newFakeEngine()
	p, err := NewVideoPipeline(engine, Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewVideoPipeline: %v", err)
	}
	if p.State() != PipelineUnbuilt {
		t.Fatalf("initial state = %v, want unbuilt", p.State())
	}

	if err := p.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := p.Build(); err != nil {
		t.Fatalf("second Build: %v", err)
	}

	if got := engine.elementCount(); got != 6 {
		t.Errorf("element count = %d, want 6 (stages must not be recreated)", got)
	}
	if got := engine.graphCount(); got != 1 {
		t.Errorf("graph count = %d, want 1", got)
	}
	if got := engine.graph(0).linkCount(); got != 5 {
		t.Errorf("link count = %d, want 5", got)
	}
	if p.State() != PipelineIdle {
		t.Errorf("state after build = %v, want idle", p.State())
	}
}

func TestVideoPipelineCapsFromConfig(t *testing.T) {
	engine := newFakeEngine()
	p, err := NewVideoPipeline(engine, Config{Width: 640, Height: 480, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewVideoPipeline: %v", err)
	}
	if err := p.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	engine.mu.Lock()
	var filter *fakeElement
	for _, el := range engine.elements {
		if el.Factory() == "capsfilter" {
			filter = el
		}
	}
	engine.mu.Unlock()
	if filter == nil {
		t.Fatal("no capsfilter stage created")
	}
	want := "video/x-raw,width=640,height=480"
	if got := filter.prop("caps"); got != want {
		t.Errorf("caps = %v, want %q", got, want)
	}
}

func TestPipelineLinkFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.failLinks["videoconvert->encoder"] = errors.New("caps not negotiable")
	p, err := NewVideoPipeline(engine, Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewVideoPipeline: %v", err)
	}

	err = p.Build()
	if err == nil {
		t.Fatal("Build succeeded, want link failure")
	}
	var le *LinkError
	if !errors.As(err, &le) {
		t.Fatalf("error %v is not a LinkError", err)
	}
	if le.Src != "videoconvert" || le.Dst != "encoder" {
		t.Errorf("LinkError names %s->%s, want videoconvert->encoder", le.Src, le.Dst)
	}
	if p.Built() {
		t.Error("pipeline marked built after failed link")
	}
	if p.State() != PipelineUnbuilt {
		t.Errorf("state = %v, want unbuilt", p.State())
	}
}

func TestPipelineStartRequiresDestination(t *testing.T) {
	engine := newFakeEngine()
	p, err := NewVideoPipeline(engine, Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewVideoPipeline: %v", err)
	}

	if err := p.Start(); err == nil {
		t.Error("Start before build succeeded, want error")
	}
	if err := p.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := p.Start(); err == nil {
		t.Error("Start without destination succeeded, want error")
	}

	if err := p.SetDestination("192.168.1.100", 5000); err != nil {
		t.Fatalf("SetDestination: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.State() != PipelinePlaying {
		t.Errorf("state = %v, want playing", p.State())
	}
}

func TestPipelineSetDestinationBeforeBuild(t *testing.T) {
	engine := newFakeEngine()
	p, err := NewVideoPipeline(engine, Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewVideoPipeline: %v", err)
	}
	if err := p.SetDestination("192.168.1.100", 5000); err == nil {
		t.Error("SetDestination before build succeeded, want error")
	}
}

// Sources that expose their output pad only at runtime are linked to the
// encoder when the pad appears, exactly once.
func TestPipelineDynamicSourceLink(t *testing.T) {
	engine := newFakeEngine()
	engine.dynamicFactories["autovideosrc"] = true
	p, err := NewVideoPipeline(engine, Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewVideoPipeline: %v", err)
	}
	if err := p.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	engine.mu.Lock()
	src := engine.elements[0]
	engine.mu.Unlock()
	if src.Factory() != "autovideosrc" {
		t.Fatalf("first stage factory = %q, want autovideosrc", src.Factory())
	}

	pad := &fakePad{el: src, name: "src_0"}
	src.firePadAdded(pad)

	target := pad.linkTarget()
	if target == nil {
		t.Fatal("dynamic pad was not linked")
	}
	if target.el.Name() != "encoder" || target.Name() != "sink" {
		t.Errorf("dynamic pad linked to %s.%s, want encoder.sink", target.el.Name(), target.Name())
	}

	// A second pad announcement must not relink.
	second := &fakePad{el: src, name: "src_1"}
	src.firePadAdded(second)
	if second.linkTarget() != nil {
		t.Error("second dynamic pad was linked, want exactly one dynamic connection")
	}
}

func TestAudioPipelineShape(t *testing.T) {
	engine := newFakeEngine()
	p, err := NewAudioPipeline(engine, Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewAudioPipeline: %v", err)
	}
	if err := p.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if got := engine.elementCount(); got != 4 {
		t.Errorf("element count = %d, want 4", got)
	}
	if got := engine.graph(0).linkCount(); got != 3 {
		t.Errorf("link count = %d, want 3", got)
	}

	engine.mu.Lock()
	factories := make([]string, 0, len(engine.elements))
	for _, el := range engine.elements {
		factories = append(factories, el.Factory())
	}
	engine.mu.Unlock()
	want := []string{"autoaudiosrc", "audioconvert", "speexenc", "udpsink"}
	for i := range want {
		if factories[i] != want[i] {
			t.Fatalf("stage factories = %v, want %v", factories, want)
		}
	}
}

func TestPipelineStopSequence(t *testing.T) {
	engine := newFakeEngine()
	p, err := NewVideoPipeline(engine, Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewVideoPipeline: %v", err)
	}
	if err := p.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := p.SetDestination("10.0.0.1", 5000); err != nil {
		t.Fatalf("SetDestination: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []State{StatePlaying, StatePaused, StateNull}
	got := engine.graph(0).stateHistory()
	if len(got) != len(want) {
		t.Fatalf("state history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state history = %v, want %v", got, want)
		}
	}
	if p.State() != PipelineIdle {
		t.Errorf("state after stop = %v, want idle", p.State())
	}
}

// When pausing is rejected the stop still forces null so the pipeline
// cannot keep streaming.
func TestPipelineStopPauseRejected(t *testing.T) {
	engine := newFakeEngine()
	p, err := NewVideoPipeline(engine, Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewVideoPipeline: %v", err)
	}
	if err := p.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := p.SetDestination("10.0.0.1", 5000); err != nil {
		t.Fatalf("SetDestination: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	engine.mu.Lock()
	engine.failStates[StatePaused] = errors.New("pause rejected")
	engine.mu.Unlock()

	if err := p.Stop(); err == nil {
		t.Fatal("Stop succeeded, want pause rejection error")
	}
	hist := engine.graph(0).stateHistory()
	if hist[len(hist)-1] != StateNull {
		t.Errorf("state history %v does not end in null", hist)
	}
	if p.State() != PipelineIdle {
		t.Errorf("state = %v, want idle", p.State())
	}
}

func TestBuildErrorMessage(t *testing.T) {
	cause := errors.New("plugin not found")
	err := &BuildError{Factory: "openh264enc", Stage: "encoder", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("BuildError does not unwrap to its cause")
	}
	le := &LinkError{Src: "videoconvert", Dst: "encoder", Err: cause}
	if !errors.Is(le, cause) {
		t.Error("LinkError does not unwrap to its cause")
	}
}
