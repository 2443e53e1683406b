//go:build !darwin && !linux

package udpstream

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// GStreamerEngine is only available on darwin and linux; this stub keeps
// the constructor callable everywhere.
type GStreamerEngine struct{}

func NewGStreamerEngine(logger logrus.FieldLogger) (*GStreamerEngine, error) {
	return nil, errors.New("gstreamer engine is not supported on this platform")
}

func (e *GStreamerEngine) Name() string { return "gstreamer" }

func (e *GStreamerEngine) NewGraph(name string) (Graph, error) {
	return nil, errors.New("gstreamer engine is not supported on this platform")
}

func (e *GStreamerEngine) NewElement(factory, name string) (Element, error) {
	return nil, errors.New("gstreamer engine is not supported on this platform")
}

func (e *GStreamerEngine) Close() error { return nil }
