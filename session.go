package udpstream

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// Fixed wire parameters.
const (
	DefaultVideoPort = 5000
	DefaultAudioPort = 5001

	DefaultWidth  = 320
	DefaultHeight = 240
)

// Controller receives notifications from the session. All callbacks are
// invoked from the session's background goroutine, never concurrently,
// and never after Finalize has returned.
type Controller interface {
	// SetMessage delivers a human-readable status or error message.
	SetMessage(text string)

	// OnInitialized is called exactly once per session, after the event
	// loop has been created.
	OnInitialized()
}

// ThreadBinder is an optional interface a Controller may implement when
// its runtime requires the calling thread to be attached before callbacks
// are delivered. The session acquires the binding on its background
// goroutine (with the OS thread locked) before the first callback and
// releases it exactly once when the goroutine exits.
type ThreadBinder interface {
	BindThread() (release func(), err error)
}

// Config carries the tunable parameters of a session. The zero value is
// usable; unset fields take the fixed defaults of the reference wiring.
type Config struct {
	VideoPort int // Destination UDP port for video (default 5000)
	AudioPort int // Destination UDP port for audio (default 5001)

	Width  int // Video capture width (default 320)
	Height int // Video capture height (default 240)

	VideoSource  string // Capture source factory (default "autovideosrc")
	AudioSource  string // Capture source factory (default "autoaudiosrc")
	VideoEncoder string // Video encoder factory (default "openh264enc")
	AudioEncoder string // Speech encoder factory (default "speexenc")

	Logger logrus.FieldLogger // Defaults to the logrus standard logger
}

func (c Config) withDefaults() Config {
	if c.VideoPort == 0 {
		c.VideoPort = DefaultVideoPort
	}
	if c.AudioPort == 0 {
		c.AudioPort = DefaultAudioPort
	}
	if c.Width == 0 {
		c.Width = DefaultWidth
	}
	if c.Height == 0 {
		c.Height = DefaultHeight
	}
	if c.VideoSource == "" {
		c.VideoSource = "autovideosrc"
	}
	if c.AudioSource == "" {
		c.AudioSource = "autoaudiosrc"
	}
	if c.VideoEncoder == "" {
		c.VideoEncoder = "openh264enc"
	}
	if c.AudioEncoder == "" {
		c.AudioEncoder = "speexenc"
	}
	return c
}

func (c Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

// busEvent pairs a bus message with the pipeline it originated from.
type busEvent struct {
	pipeline *Pipeline
	msg      BusMessage
}

// Session owns one dedicated background goroutine running the event loop,
// plus the video and audio pipelines built lazily on first start. The
// controller reference is borrowed for the session's lifetime.
//
// Commands may be issued from any goroutine; they are serialized
// internally. Event delivery is single-threaded: no two callbacks for the
// same session ever run concurrently.
type Session struct {
	engine Engine
	ctrl   Controller
	cfg    Config
	log    logrus.FieldLogger

	mu        sync.Mutex
	video     *Pipeline
	audio     *Pipeline
	running   bool
	finalized bool

	events   chan busEvent
	quit     chan struct{}
	loopDone chan struct{}
	watchWG  sync.WaitGroup

	initialized bool // loop-local: initialization notified already
}

// NewSession creates a session bound to an engine and a controller. The
// background goroutine is not started until Init.
func NewSession(engine Engine, ctrl Controller, cfg Config) (*Session, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if ctrl == nil {
		return nil, errors.New("controller is required")
	}
	cfg = cfg.withDefaults()
	return &Session{
		engine: engine,
		ctrl:   ctrl,
		cfg:    cfg,
		log:    cfg.logger().WithField("engine", engine.Name()),
	}, nil
}

// Init spawns the background goroutine and its event loop. Exactly one
// background goroutine exists per session. A session cannot be
// re-initialized after Finalize.
func (s *Session) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return errors.New("session already finalized")
	}
	if s.running {
		return errors.New("session already initialized")
	}
	s.events = make(chan busEvent, 32)
	s.quit = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.running = true
	go s.run()
	s.log.Debug("session initialized")
	return nil
}

// run is the session's background goroutine: it binds the controller
// runtime to this thread if required, reports initialization once, then
// drains pipeline events until told to quit.
func (s *Session) run() {
	defer close(s.loopDone)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if binder, ok := s.ctrl.(ThreadBinder); ok {
		release, err := binder.BindThread()
		if err != nil {
			s.log.WithError(err).Error("failed to bind controller thread")
		} else {
			defer release()
		}
	}

	if !s.initialized {
		s.log.Debug("initialization complete, notifying controller")
		s.ctrl.OnInitialized()
		s.initialized = true
	}

	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

// dispatch is the event bridge: it translates one bus message into
// controller callbacks. Runs on the background goroutine only.
func (s *Session) dispatch(ev busEvent) {
	switch ev.msg.Kind {
	case MessageError:
		text := fmt.Sprintf("Error received from element %s: %s", ev.msg.Origin, ev.msg.Text)
		s.log.WithField("origin", ev.msg.Origin).Error(text)
		// Safety reaction: drop the affected pipeline to a safe, inert
		// state. It is not restarted.
		ev.pipeline.forceNull()
		s.ctrl.SetMessage(text)
	case MessageStateChanged:
		// Only messages originating from the top-level graph are
		// forwarded; intermediate stage transitions would flood the
		// controller.
		if ev.msg.Origin != ev.pipeline.Name() {
			return
		}
		s.ctrl.SetMessage(fmt.Sprintf("State changed to %s", ev.msg.New))
	case MessageEOS:
		s.log.WithField("pipeline", ev.pipeline.Name()).Debug("end of stream")
	}
}

// watch forwards one pipeline's bus into the session event channel. The
// forwarder exits when the bus closes (graph released) or the session
// quits.
func (s *Session) watch(p *Pipeline) {
	bus := p.Bus()
	if bus == nil {
		return
	}
	s.watchWG.Add(1)
	go func() {
		defer s.watchWG.Done()
		for msg := range bus {
			select {
			case s.events <- busEvent{pipeline: p, msg: msg}:
			case <-s.quit:
				return
			}
		}
	}()
}

// Finalize signals the event loop to stop, waits for the background
// goroutine to fully exit, then releases all pipeline and engine
// resources. After Finalize returns no controller callback will ever be
// invoked for this session.
func (s *Session) Finalize() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.finalized = true
	s.mu.Unlock()

	s.log.Debug("quitting event loop")
	close(s.quit)
	<-s.loopDone

	s.mu.Lock()
	if s.video != nil {
		s.video.Release()
	}
	if s.audio != nil {
		s.audio.Release()
	}
	s.mu.Unlock()

	// Bus channels are closed by the graph releases above.
	s.watchWG.Wait()

	if err := s.engine.Close(); err != nil {
		s.log.WithError(err).Warn("engine close failed")
	}
	s.log.Debug("session finalized")
}

// decodeHost rebuilds a dotted-quad address from the four biased bytes of
// the wire convention: each octet is transmitted with a +128 offset and
// un-biased here (byte arithmetic wraps, so the bias is its own inverse
// direction).
func decodeHost(b0, b1, b2, b3 byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", b0+128, b1+128, b2+128, b3+128)
}

// StreamStart builds the video pipeline if needed, points it at the
// decoded destination address on the fixed video port, and starts it.
// The four bytes carry the +128 offset bias of the wire convention.
func (s *Session) StreamStart(b0, b1, b2, b3 byte) error {
	host := decodeHost(b0, b1, b2, b3)
	s.log.WithField("host", host).Info("stream start requested")

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errors.New("session not initialized")
	}
	if s.video == nil {
		p, err := NewVideoPipeline(s.engine, s.cfg)
		if err != nil {
			return err
		}
		s.video = p
	}
	return s.startLocked(s.video, host, s.cfg.VideoPort)
}

// StreamStop transitions the video pipeline through paused to idle.
func (s *Session) StreamStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.video == nil || !s.video.Built() {
		return errors.New("video pipeline not built")
	}
	return s.video.Stop()
}

// AudioStart is the audio counterpart of StreamStart, using the fixed
// audio port. The address bytes follow the same bias convention.
func (s *Session) AudioStart(b0, b1, b2, b3 byte) error {
	host := decodeHost(b0, b1, b2, b3)
	s.log.WithField("host", host).Info("audio start requested")

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errors.New("session not initialized")
	}
	if s.audio == nil {
		p, err := NewAudioPipeline(s.engine, s.cfg)
		if err != nil {
			return err
		}
		s.audio = p
	}
	return s.startLocked(s.audio, host, s.cfg.AudioPort)
}

// AudioStop transitions the audio pipeline through paused to idle.
func (s *Session) AudioStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == nil || !s.audio.Built() {
		return errors.New("audio pipeline not built")
	}
	return s.audio.Stop()
}

// startLocked runs the per-start sequence: build-if-needed (registering
// the new graph's bus with the event loop on first build), apply the
// destination, then request playing. Caller holds s.mu.
func (s *Session) startLocked(p *Pipeline, host string, port int) error {
	if !p.Built() {
		if err := p.Build(); err != nil {
			s.log.WithError(err).Error("pipeline build failed")
			return err
		}
		s.watch(p)
	}
	if err := p.SetDestination(host, port); err != nil {
		return err
	}
	return p.Start()
}

// VideoState returns the tracked state of the video pipeline.
func (s *Session) VideoState() PipelineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.video == nil {
		return PipelineUnbuilt
	}
	return s.video.State()
}

// AudioState returns the tracked state of the audio pipeline.
func (s *Session) AudioState() PipelineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == nil {
		return PipelineUnbuilt
	}
	return s.audio.State()
}
