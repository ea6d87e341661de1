package model

import (
	"strings"
	"time"
)

// Pass identifies which detection pass produced a candidate.
type Pass string

const (
	// PassPrimary is the pass restricted to the literal person class.
	PassPrimary Pass = "primary"
	// PassSecondary is the pass over classes the model is known to confuse
	// with people in bulky or inflatable costumes. Its candidates must be
	// validated by the classifier before they are persisted.
	PassSecondary Pass = "secondary"
)

// Box is a bounding box in frame pixel coordinates.
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Center returns the box center point.
func (b Box) Center() (float64, float64) {
	return float64(b.X1+b.X2) / 2, float64(b.Y1+b.Y2) / 2
}

// Clamp limits the box to the given frame dimensions.
func (b Box) Clamp(width, height int) Box {
	if b.X1 < 0 {
		b.X1 = 0
	}
	if b.Y1 < 0 {
		b.Y1 = 0
	}
	if b.X2 > width {
		b.X2 = width
	}
	if b.Y2 > height {
		b.Y2 = height
	}
	return b
}

// Empty reports whether the box has no area.
func (b Box) Empty() bool {
	return b.X2 <= b.X1 || b.Y2 <= b.Y1
}

// ROI is a normalized region of interest, expressed as fractions of the
// frame dimensions. It is configured once at startup and never changes.
type ROI struct {
	X0, Y0, X1, Y1 float64
}

// FullFrame is the ROI covering the entire frame.
func FullFrame() ROI {
	return ROI{X0: 0, Y0: 0, X1: 1, Y1: 1}
}

// ContainsCenter reports whether the center of box b falls inside the
// region, for a frame of the given dimensions.
func (r ROI) ContainsCenter(b Box, width, height int) bool {
	if width <= 0 || height <= 0 {
		return false
	}
	cx, cy := b.Center()
	fx := cx / float64(width)
	fy := cy / float64(height)
	return fx >= r.X0 && fx <= r.X1 && fy >= r.Y0 && fy <= r.Y1
}

// Candidate is one raw detector output within a single pipeline tick.
type Candidate struct {
	Class      int
	ClassName  string
	Confidence float64
	Box        Box
	Pass       Pass
}

// FrameRef gives access to the pixels of the frame a visit was detected in.
// The concrete implementation owns the decode buffer; Release must be called
// exactly once when the visit has been fully dispatched.
type FrameRef interface {
	// Size returns the frame dimensions in pixels.
	Size() (width, height int)
	// Crop encodes the given region as JPEG bytes.
	Crop(b Box) ([]byte, error)
	// Release frees the underlying buffer.
	Release()
}

// Visit is one deduplicated, debounced arrival event. It is immutable once
// emitted by the tracker and consumed exactly once by the dispatcher.
type Visit struct {
	ID        string
	FrameSeq  uint64
	Timestamp time.Time
	Frame     FrameRef
	Persons   []Candidate
}

// Classification is the vision-language service's verdict for one crop.
// Confidence is nil when the service did not report one.
type Classification struct {
	Label       string
	Confidence  *float64
	Description string
}

// IsCostume reports whether the classification describes an actual costume
// rather than an uncostumed person or a plain background object. Used as
// the validation gate for secondary-pass candidates.
func (c Classification) IsCostume() bool {
	if c.Label == "" {
		return false
	}
	if strings.EqualFold(c.Label, "person") &&
		strings.Contains(strings.ToLower(c.Description), "no costume") {
		return false
	}
	return true
}

// PersonRecord is the outcome of processing one candidate within a visit.
type PersonRecord struct {
	VisitID            string
	DeviceID           string
	Timestamp          time.Time
	Box                Box
	DetectorConfidence float64
	Pass               Pass
	Label              string
	ClassConfidence    *float64
	Description        string
	ImageURL           string // empty when the upload was skipped or failed
	BlurredFaces       int
}
