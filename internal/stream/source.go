package stream

import (
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/alanagoyal/ghostbusters-sub001/config"
	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"

	log "github.com/sirupsen/logrus"
)

// Frame is one decoded video frame. It owns a gocv.Mat; Release must be
// called exactly once, after which the frame must not be used again.
type Frame struct {
	mat  gocv.Mat
	seq  uint64
	ts   time.Time
	once sync.Once
}

// Seq returns the monotonically increasing decode sequence number.
func (f *Frame) Seq() uint64 { return f.seq }

// Time returns the wall-clock time the frame was read.
func (f *Frame) Time() time.Time { return f.ts }

// Mat exposes the underlying pixel buffer for detector input. The caller
// must not close it; ownership stays with the frame.
func (f *Frame) Mat() gocv.Mat { return f.mat }

// Size returns the frame dimensions in pixels.
func (f *Frame) Size() (int, int) {
	return f.mat.Cols(), f.mat.Rows()
}

// Crop encodes the given region of the frame as JPEG bytes.
func (f *Frame) Crop(b model.Box) ([]byte, error) {
	w, h := f.Size()
	b = b.Clamp(w, h)
	if b.Empty() {
		return nil, fmt.Errorf("crop region is empty after clamping to %dx%d", w, h)
	}

	region := f.mat.Region(image.Rect(b.X1, b.Y1, b.X2, b.Y2))
	defer region.Close()

	buf, err := gocv.IMEncode(".jpg", region)
	if err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	defer buf.Close()

	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())
	return data, nil
}

// Encode returns the whole frame as JPEG bytes.
func (f *Frame) Encode() ([]byte, error) {
	buf, err := gocv.IMEncode(".jpg", f.mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	defer buf.Close()

	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())
	return data, nil
}

// Release frees the underlying pixel buffer. Safe to call once only via the
// FrameRef contract; the sync.Once guards against dispatcher/driver races
// during shutdown.
func (f *Frame) Release() {
	f.once.Do(func() {
		f.mat.Close()
	})
}

// Source reads frames from an RTSP camera via OpenCV's FFmpeg backend. It is
// not safe for concurrent use; the pipeline driver is its only caller.
type Source struct {
	url         string
	openTimeout time.Duration
	readTimeout time.Duration
	width       int
	height      int
	capture     *gocv.VideoCapture
	seq         uint64
}

// NewSource creates a source for the given RTSP URL. Open must be called
// before the first Read.
func NewSource(url string, cfg config.StreamConfig) *Source {
	return &Source{
		url:         url,
		openTimeout: cfg.OpenTimeout,
		readTimeout: cfg.ReadTimeout,
		width:       cfg.Width,
		height:      cfg.Height,
	}
}

// Open connects to the camera. The FFmpeg open call can block for minutes on
// an unreachable host, so it runs under a bounded timeout.
func (s *Source) Open() error {
	if s.capture != nil {
		return fmt.Errorf("source is already open")
	}

	type openResult struct {
		capture *gocv.VideoCapture
		err     error
	}
	done := make(chan openResult, 1)

	go func() {
		capture, err := gocv.OpenVideoCapture(s.url)
		done <- openResult{capture, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("failed to open stream: %w", res.err)
		}
		if !res.capture.IsOpened() {
			res.capture.Close()
			return fmt.Errorf("stream opened but reports closed")
		}
		// Keep the decode buffer tiny so frames stay current, and pin the
		// decode resolution when one is configured.
		res.capture.Set(gocv.VideoCaptureBufferSize, 1)
		if s.width > 0 {
			res.capture.Set(gocv.VideoCaptureFrameWidth, float64(s.width))
		}
		if s.height > 0 {
			res.capture.Set(gocv.VideoCaptureFrameHeight, float64(s.height))
		}
		s.capture = res.capture
		log.Info("Stream opened")
		return nil
	case <-time.After(s.openTimeout):
		// The goroutine will eventually finish and leak one capture; close
		// it when it does so the FFmpeg context is not orphaned.
		go func() {
			if res := <-done; res.capture != nil {
				res.capture.Close()
			}
		}()
		return fmt.Errorf("timed out opening stream after %s", s.openTimeout)
	}
}

// Read decodes the next frame. ok is false when the stream has ended, the
// decoder failed or a single decode exceeded the read timeout; the caller
// should close and reopen the source. The returned frame is owned by the
// caller and must be released.
func (s *Source) Read() (*Frame, bool) {
	if s.capture == nil {
		return nil, false
	}

	capture := s.capture
	mat := gocv.NewMat()
	done := make(chan bool, 1)
	go func() {
		done <- capture.Read(&mat)
	}()

	ok, timedOut := awaitRead(done, s.readTimeout)
	if timedOut {
		// A stalled decoder holds the capture hostage. Abandon the handle;
		// the leaked read releases everything whenever it finally unblocks.
		s.capture = nil
		go func() {
			<-done
			mat.Close()
			capture.Close()
		}()
		log.Warnf("Stream read timed out after %s", s.readTimeout)
		return nil, false
	}
	if !ok || mat.Empty() {
		mat.Close()
		return nil, false
	}

	s.seq++
	return &Frame{mat: mat, seq: s.seq, ts: time.Now()}, true
}

// awaitRead waits for a decode result for at most timeout. timedOut reports
// that the deadline fired first; ok is only meaningful when it did not. A
// non-positive timeout waits forever.
func awaitRead(done <-chan bool, timeout time.Duration) (ok bool, timedOut bool) {
	if timeout <= 0 {
		return <-done, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ok := <-done:
		return ok, false
	case <-timer.C:
		return false, true
	}
}

// Close releases the capture handle. Read sequence numbers continue across
// reconnects so frame identity stays monotonic for the whole process.
func (s *Source) Close() {
	if s.capture != nil {
		s.capture.Close()
		s.capture = nil
		log.Debug("Stream closed")
	}
}
