package udpstream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// MIME type for the narrow/wideband speech codec; pion/webrtc has no
// constant for it.
const mimeTypeSpeex = "audio/speex"

// encoderMimes maps encoder factory names to the MIME type their output
// is tagged with. The transport sink picks RTP parameters from the tag.
var encoderMimes = map[string]string{
	"openh264enc": webrtc.MimeTypeH264,
	"x264enc":     webrtc.MimeTypeH264,
	"opusenc":     webrtc.MimeTypeOpus,
	"speexenc":    mimeTypeSpeex,
}

// rtpParams returns payload type, clock rate and per-buffer sample count
// for a MIME type.
func rtpParams(mime string) (pt uint8, clockRate uint32, samples uint32) {
	switch mime {
	case webrtc.MimeTypeH264:
		return 96, 90000, 90000 / nativeVideoFPS
	case webrtc.MimeTypeOpus:
		return 97, 48000, 960
	case mimeTypeSpeex:
		return 97, 16000, 320
	default:
		return 96, 90000, 90000 / nativeVideoFPS
	}
}

const (
	nativeVideoFPS   = 15
	nativeAudioRate  = 16000
	nativeChunkMs    = 20
	nativeSinkMTU    = 1200
	nativeQueueDepth = 16
)

type elemKind int

const (
	kindSource elemKind = iota
	kindFilter
	kindSink
)

// runFunc is the body of a stage goroutine.
type runFunc func(ctx context.Context, el *baseElement, g *nativeGraph, paused *atomic.Bool)

type elementCtor func(factory, name string, log logrus.FieldLogger) Element

// nativeFactories is the plugin registry of the native engine.
var nativeFactories = map[string]elementCtor{
	"videotestsrc": newVideoTestSrc,
	"autovideosrc": newVideoTestSrc,
	"audiotestsrc": newAudioTestSrc,
	"autoaudiosrc": newAudioTestSrc,
	"queue":        newPassthrough,
	"videoconvert": newPassthrough,
	"audioconvert": newPassthrough,
	"capsfilter":   newCapsFilter,
	"openh264enc":  newEncoder,
	"x264enc":      newEncoder,
	"opusenc":      newEncoder,
	"speexenc":     newEncoder,
	"udpsink":      newUDPSink,
}

// baseElement is the single concrete element type of the native engine;
// factories differ only in kind and run body.
type baseElement struct {
	factory string
	name    string
	kind    elemKind
	log     logrus.FieldLogger
	run     runFunc

	mu       sync.Mutex
	props    map[string]any
	in       chan buffer
	out      chan buffer
	padAdded func(Pad)
}

func newBaseElement(factory, name string, kind elemKind, log logrus.FieldLogger, run runFunc) *baseElement {
	return &baseElement{
		factory: factory,
		name:    name,
		kind:    kind,
		log:     log.WithField("element", name),
		run:     run,
		props:   make(map[string]any),
	}
}

func (b *baseElement) Name() string    { return b.name }
func (b *baseElement) Factory() string { return b.factory }

func (b *baseElement) Set(name string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.props[name] = value
	return nil
}

func (b *baseElement) prop(name string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.props[name]
	return v, ok
}

func (b *baseElement) intProp(name string, def int) int {
	if v, ok := b.prop(name); ok {
		if i, ok := v.(int); ok {
			return i
		}
	}
	return def
}

func (b *baseElement) stringProp(name string, def string) string {
	if v, ok := b.prop(name); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// StaticPad exposes "src" and "sink" pads where the element's kind allows
// data to flow in that direction. Native elements have no dynamic pads.
func (b *baseElement) StaticPad(name string) (Pad, bool) {
	switch name {
	case "src":
		if b.kind != kindSink {
			return &nativePad{el: b, name: name}, true
		}
	case "sink":
		if b.kind != kindSource {
			return &nativePad{el: b, name: name}, true
		}
	}
	return nil, false
}

func (b *baseElement) OnPadAdded(fn func(Pad)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.padAdded = fn
}

func (b *baseElement) setInput(ch chan buffer) error {
	if b.kind == kindSource {
		return fmt.Errorf("element %q has no sink pad", b.name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.in != nil {
		return fmt.Errorf("element %q sink pad already linked", b.name)
	}
	b.in = ch
	return nil
}

func (b *baseElement) setOutput(ch chan buffer) error {
	if b.kind == kindSink {
		return fmt.Errorf("element %q has no src pad", b.name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.out != nil {
		return fmt.Errorf("element %q src pad already linked", b.name)
	}
	b.out = ch
	return nil
}

func (b *baseElement) input() chan buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.in
}

func (b *baseElement) output() chan buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out
}

func (b *baseElement) start(ctx context.Context, wg *sync.WaitGroup, g *nativeGraph, paused *atomic.Bool) error {
	if b.kind != kindSource && b.input() == nil {
		return fmt.Errorf("sink pad of %q not linked", b.name)
	}
	if b.kind != kindSink && b.output() == nil {
		return fmt.Errorf("src pad of %q not linked", b.name)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.run(ctx, b, g, paused)
	}()
	return nil
}

// push forwards one buffer downstream without wedging on cancellation.
func (b *baseElement) push(ctx context.Context, buf buffer) bool {
	select {
	case b.output() <- buf:
		return true
	case <-ctx.Done():
		return false
	}
}

// nativePad implements Pad for the dynamic-link path; linking a src pad
// to a sink pad wires the same channel a graph-level link would.
type nativePad struct {
	el   *baseElement
	name string
}

func (p *nativePad) Name() string { return p.name }

func (p *nativePad) Link(sink Pad) error {
	dst, ok := sink.(*nativePad)
	if !ok {
		return errors.New("pad belongs to a different engine")
	}
	return linkNative(p.el, dst.el)
}

// newVideoTestSrc produces a moving-gradient I420 test pattern, the
// native stand-in for camera capture.
func newVideoTestSrc(factory, name string, log logrus.FieldLogger) Element {
	return newBaseElement(factory, name, kindSource, log, func(ctx context.Context, el *baseElement, g *nativeGraph, paused *atomic.Bool) {
		width := el.intProp("width", DefaultWidth)
		height := el.intProp("height", DefaultHeight)
		ticker := time.NewTicker(time.Second / nativeVideoFPS)
		defer ticker.Stop()
		frame := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if paused.Load() {
					continue
				}
				data := make([]byte, width*height*3/2)
				fillGradient(data, width, height, frame)
				if !el.push(ctx, buffer{data: data, keyframe: frame%30 == 0}) {
					return
				}
				frame++
			}
		}
	})
}

// fillGradient writes a diagonal gradient into the luma plane and flat
// chroma, shifting per frame so receivers see motion.
func fillGradient(data []byte, width, height, frame int) {
	for y := 0; y < height; y++ {
		row := y * width
		for x := 0; x < width; x++ {
			data[row+x] = byte(x + y + frame*4)
		}
	}
	for i := width * height; i < len(data); i++ {
		data[i] = 128
	}
}

// newAudioTestSrc produces a 440 Hz sine in 20 ms S16LE mono chunks at
// 16 kHz, the native stand-in for microphone capture.
func newAudioTestSrc(factory, name string, log logrus.FieldLogger) Element {
	return newBaseElement(factory, name, kindSource, log, func(ctx context.Context, el *baseElement, g *nativeGraph, paused *atomic.Bool) {
		const samplesPerChunk = nativeAudioRate * nativeChunkMs / 1000
		freq := float64(el.intProp("freq", 440))
		ticker := time.NewTicker(nativeChunkMs * time.Millisecond)
		defer ticker.Stop()
		pos := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if paused.Load() {
					continue
				}
				chunk := make([]byte, samplesPerChunk*2)
				for i := 0; i < samplesPerChunk; i++ {
					v := int16(8000 * math.Sin(2*math.Pi*freq*float64(pos+i)/nativeAudioRate))
					binary.LittleEndian.PutUint16(chunk[2*i:], uint16(v))
				}
				pos += samplesPerChunk
				if !el.push(ctx, buffer{data: chunk, keyframe: true}) {
					return
				}
			}
		}
	})
}

// newPassthrough forwards buffers unchanged (queue, videoconvert,
// audioconvert). The link channel itself provides the queue depth.
func newPassthrough(factory, name string, log logrus.FieldLogger) Element {
	return newBaseElement(factory, name, kindFilter, log, forwardLoop(nil))
}

// newCapsFilter forwards buffers unchanged; the native sources already
// produce the negotiated format, so enforcement is nominal and the caps
// are only logged.
func newCapsFilter(factory, name string, log logrus.FieldLogger) Element {
	return newBaseElement(factory, name, kindFilter, log, func(ctx context.Context, el *baseElement, g *nativeGraph, paused *atomic.Bool) {
		if caps := el.stringProp("caps", ""); caps != "" {
			el.log.WithField("caps", caps).Debug("enforcing caps")
		}
		forwardLoop(nil)(ctx, el, g, paused)
	})
}

// newEncoder tags buffers with the codec MIME of its factory. The native
// engine does not transcode; real encoding belongs to the GStreamer
// engine.
func newEncoder(factory, name string, log logrus.FieldLogger) Element {
	mime := encoderMimes[factory]
	return newBaseElement(factory, name, kindFilter, log, forwardLoop(func(buf *buffer) {
		buf.mime = mime
	}))
}

// forwardLoop builds the standard filter body: pull, optionally mutate,
// push.
func forwardLoop(mutate func(*buffer)) runFunc {
	return func(ctx context.Context, el *baseElement, g *nativeGraph, paused *atomic.Bool) {
		in := el.input()
		for {
			select {
			case <-ctx.Done():
				return
			case buf := <-in:
				if mutate != nil {
					mutate(&buf)
				}
				if !el.push(ctx, buf) {
					return
				}
			}
		}
	}
}

// newUDPSink sends incoming buffers as RTP packets over UDP. The
// destination host/port properties are read when the stage starts, not
// continuously; reconfiguring the destination takes effect on the next
// transition to playing. Delivery is best effort with no retransmission.
func newUDPSink(factory, name string, log logrus.FieldLogger) Element {
	return newBaseElement(factory, name, kindSink, log, func(ctx context.Context, el *baseElement, g *nativeGraph, paused *atomic.Bool) {
		host := el.stringProp("host", "127.0.0.1")
		port := el.intProp("port", 5004)

		addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
		raddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			g.postError(el.name, fmt.Errorf("resolve destination %s: %w", addr, err))
			return
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			g.postError(el.name, fmt.Errorf("dial %s: %w", addr, err))
			return
		}
		defer conn.Close()
		el.log.WithField("destination", addr).Debug("transport sink connected")

		var packetizer rtp.Packetizer
		var samples uint32
		in := el.input()
		for {
			select {
			case <-ctx.Done():
				return
			case buf := <-in:
				if packetizer == nil {
					pt, clockRate, n := rtpParams(buf.mime)
					packetizer = rtp.NewPacketizer(nativeSinkMTU, pt, rand.Uint32(),
						&chunkPayloader{}, rtp.NewRandomSequencer(), clockRate)
					samples = n
				}
				for _, pkt := range packetizer.Packetize(buf.data, samples) {
					raw, err := pkt.Marshal()
					if err != nil {
						g.postError(el.name, fmt.Errorf("marshal rtp packet: %w", err))
						continue
					}
					if _, err := conn.Write(raw); err != nil {
						g.postError(el.name, fmt.Errorf("udp send: %w", err))
					}
				}
			}
		}
	})
}

// chunkPayloader is a codec-agnostic rtp.Payloader that splits a buffer
// into MTU-sized payloads.
type chunkPayloader struct{}

func (p *chunkPayloader) Payload(mtu uint16, payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	var out [][]byte
	for len(payload) > 0 {
		n := int(mtu)
		if n > len(payload) {
			n = len(payload)
		}
		chunk := make([]byte, n)
		copy(chunk, payload[:n])
		out = append(out, chunk)
		payload = payload[n:]
	}
	return out
}
