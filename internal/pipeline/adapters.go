package pipeline

import (
	"fmt"

	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"
	"github.com/alanagoyal/ghostbusters-sub001/internal/detect"
	"github.com/alanagoyal/ghostbusters-sub001/internal/stream"
)

// CameraSource adapts the RTSP source to the driver's Source interface.
type CameraSource struct {
	src *stream.Source
}

// NewCameraSource wraps an RTSP stream source.
func NewCameraSource(src *stream.Source) *CameraSource {
	return &CameraSource{src: src}
}

func (c *CameraSource) Open() error { return c.src.Open() }

func (c *CameraSource) Read() (Frame, bool) {
	frame, ok := c.src.Read()
	if !ok {
		return nil, false
	}
	return frame, true
}

func (c *CameraSource) Close() { c.src.Close() }

// DNNAdapter adapts the OpenCV detector to the driver's Detector interface.
// It only works with frames produced by the camera source, which carry the
// underlying pixel matrix.
type DNNAdapter struct {
	det *detect.DNNDetector
}

// NewDNNAdapter wraps an initialized DNN detector.
func NewDNNAdapter(det *detect.DNNDetector) *DNNAdapter {
	return &DNNAdapter{det: det}
}

func (a *DNNAdapter) Detect(frame Frame, classes []int, minConfidence float64, pass model.Pass) ([]model.Candidate, error) {
	sf, ok := frame.(*stream.Frame)
	if !ok {
		return nil, fmt.Errorf("frame %T does not expose a pixel matrix", frame)
	}
	return a.det.Detect(sf.Mat(), classes, minConfidence, pass), nil
}
