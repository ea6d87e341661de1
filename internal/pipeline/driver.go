package pipeline

import (
	"context"
	"time"

	"github.com/alanagoyal/ghostbusters-sub001/config"
	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"
	"github.com/alanagoyal/ghostbusters-sub001/internal/detect"
	"github.com/alanagoyal/ghostbusters-sub001/internal/visit"

	log "github.com/sirupsen/logrus"
)

// Frame is one decoded frame with its identity. It extends the pixel access
// contract with the sequence number and read time the tracker needs.
type Frame interface {
	model.FrameRef
	Seq() uint64
	Time() time.Time
}

// Source abstracts the camera connection so the driver can be exercised
// without a live stream.
type Source interface {
	Open() error
	Read() (Frame, bool)
	Close()
}

// Detector runs one detection pass over a frame.
type Detector interface {
	Detect(frame Frame, classes []int, minConfidence float64, pass model.Pass) ([]model.Candidate, error)
}

// VisitSink consumes confirmed visits. Dispatch blocks until the visit is
// fully processed; the driver reads no frames in the meantime.
type VisitSink interface {
	Dispatch(ctx context.Context, visit *model.Visit)
}

// Monitor receives pipeline lifecycle events for the health report.
type Monitor interface {
	FrameRead()
	FrameProcessed()
	ReadFailure()
	Reconnect()
	VisitEmitted()
	PersonProcessed()
}

// Driver owns the single-threaded read/detect/track loop and the stream
// reconnection policy. Run is the blocking entry point; everything else
// hangs off it.
type Driver struct {
	cfg      config.Config
	source   Source
	detector Detector
	tracker  *visit.Tracker
	sink     VisitSink
	monitor  Monitor
	roi      model.ROI
}

// NewDriver wires a driver. monitor may be nil.
func NewDriver(cfg config.Config, source Source, detector Detector, tracker *visit.Tracker, sink VisitSink, monitor Monitor) *Driver {
	roi := model.ROI{
		X0: cfg.Detector.ROI.X0,
		Y0: cfg.Detector.ROI.Y0,
		X1: cfg.Detector.ROI.X1,
		Y1: cfg.Detector.ROI.Y1,
	}
	return &Driver{
		cfg:      cfg,
		source:   source,
		detector: detector,
		tracker:  tracker,
		sink:     sink,
		monitor:  monitor,
		roi:      roi,
	}
}

// Run reads frames until the context is cancelled. A lost stream is never
// fatal here: the driver closes, waits and reopens indefinitely. An in-flight
// visit dispatch finishes before shutdown completes.
func (d *Driver) Run(ctx context.Context) error {
	for {
		if err := d.openUntilCancelled(ctx); err != nil {
			return err
		}

		d.readSession(ctx)
		d.source.Close()

		select {
		case <-ctx.Done():
			log.Info("Pipeline stopped")
			return ctx.Err()
		default:
		}

		if d.monitor != nil {
			d.monitor.Reconnect()
		}
		if !sleepCtx(ctx, d.cfg.Stream.ReconnectDelay) {
			log.Info("Pipeline stopped")
			return ctx.Err()
		}
	}
}

// openUntilCancelled retries the stream open with a fixed delay until it
// succeeds or the context ends.
func (d *Driver) openUntilCancelled(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := d.source.Open()
		if err == nil {
			return nil
		}
		log.Warnf("Failed to open stream, retrying in %s: %v", d.cfg.Stream.ReopenDelay, err)
		if !sleepCtx(ctx, d.cfg.Stream.ReopenDelay) {
			return ctx.Err()
		}
	}
}

// readSession reads from an open source until a read fails, the proactive
// refresh interval elapses or the context ends.
func (d *Driver) readSession(ctx context.Context) {
	sessionStart := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}
		if d.cfg.Stream.RefreshInterval > 0 && time.Since(sessionStart) >= d.cfg.Stream.RefreshInterval {
			log.Info("Refreshing stream connection")
			return
		}

		frame, ok := d.source.Read()
		if !ok {
			log.Warn("Stream read failed")
			if d.monitor != nil {
				d.monitor.ReadFailure()
			}
			return
		}
		if d.monitor != nil {
			d.monitor.FrameRead()
		}

		// Decode every frame so the RTSP buffer never backs up, but run
		// detection only on every Nth.
		if frame.Seq()%uint64(d.cfg.Stream.FrameInterval) != 0 {
			frame.Release()
			continue
		}

		d.processFrame(ctx, frame)
	}
}

// processFrame runs the dual-pass detection and feeds the tracker. Frame
// ownership transfers to the emitted visit; otherwise it is released here.
func (d *Driver) processFrame(ctx context.Context, frame Frame) {
	if d.monitor != nil {
		d.monitor.FrameProcessed()
	}

	candidates, err := d.detectBoth(frame)
	if err != nil {
		log.Errorf("Detection failed: %v", err)
		frame.Release()
		return
	}

	width, height := frame.Size()
	inRegion := detect.FilterRegion(candidates, d.roi, width, height)

	v := d.tracker.Observe(frame.Time(), frame, frame.Seq(), inRegion)
	if v == nil {
		frame.Release()
		return
	}

	if d.monitor != nil {
		d.monitor.VisitEmitted()
	}

	// Shutdown must not abort a visit that is already being dispatched, so
	// the barrier runs on a detached context with its own grace window. The
	// loop notices the cancellation on its next iteration.
	dctx := context.WithoutCancel(ctx)
	if grace := d.cfg.Dispatch.GracePeriod; grace > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(dctx, grace)
		defer cancel()
	}
	d.sink.Dispatch(dctx, v)
	if d.monitor != nil {
		for range v.Persons {
			d.monitor.PersonProcessed()
		}
	}
}

// detectBoth runs the primary and secondary passes. Primary candidates are
// held to the strict final threshold; secondary candidates stay at the loose
// detector threshold because the classifier validates them later.
func (d *Driver) detectBoth(frame Frame) ([]model.Candidate, error) {
	det := d.cfg.Detector

	primary, err := d.detector.Detect(frame, det.PrimaryClasses, det.Threshold, model.PassPrimary)
	if err != nil {
		return nil, err
	}
	confirmed := primary[:0]
	for _, c := range primary {
		if c.Confidence >= det.FinalThreshold {
			confirmed = append(confirmed, c)
		}
	}

	if len(det.SecondaryClasses) == 0 {
		return confirmed, nil
	}
	secondary, err := d.detector.Detect(frame, det.SecondaryClasses, det.Threshold, model.PassSecondary)
	if err != nil {
		// Primary results are still usable; a person should not be lost
		// because the secondary pass errored.
		log.Warnf("Secondary detection pass failed: %v", err)
		return confirmed, nil
	}
	return append(confirmed, secondary...), nil
}

// sleepCtx waits for d or the context, reporting false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
