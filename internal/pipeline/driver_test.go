package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanagoyal/ghostbusters-sub001/config"
	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"
	"github.com/alanagoyal/ghostbusters-sub001/internal/visit"
)

type testFrame struct {
	seq uint64
	ts  time.Time
}

func (f *testFrame) Seq() uint64 { return f.seq }

func (f *testFrame) Time() time.Time { return f.ts }

func (f *testFrame) Size() (int, int) { return 640, 480 }

func (f *testFrame) Crop(model.Box) ([]byte, error) { return []byte("crop"), nil }

func (f *testFrame) Release() {}

// scriptedSource plays back a fixed set of read sessions. Each session ends
// with a failed read; when all sessions are spent it signals done and keeps
// failing until the driver gives up via context.
type scriptedSource struct {
	mu       sync.Mutex
	openErrs []error
	sessions [][]uint64
	session  int
	idx      int
	opens    int
	done     func()
	doneOnce sync.Once
}

func (s *scriptedSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if len(s.openErrs) > 0 {
		err := s.openErrs[0]
		s.openErrs = s.openErrs[1:]
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *scriptedSource) Read() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session >= len(s.sessions) {
		s.doneOnce.Do(s.done)
		return nil, false
	}
	frames := s.sessions[s.session]
	if s.idx >= len(frames) {
		s.session++
		s.idx = 0
		if s.session >= len(s.sessions) {
			s.doneOnce.Do(s.done)
		}
		return nil, false
	}
	seq := frames[s.idx]
	s.idx++
	return &testFrame{seq: seq, ts: time.Now()}, true
}

func (s *scriptedSource) Close() {}

func (s *scriptedSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// scriptedDetector returns the configured candidates for every processed
// frame and records which sequence numbers each pass saw.
type scriptedDetector struct {
	mu        sync.Mutex
	primary   []model.Candidate
	secondary []model.Candidate
	seen      map[model.Pass][]uint64
}

func (d *scriptedDetector) Detect(frame Frame, _ []int, _ float64, pass model.Pass) ([]model.Candidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[model.Pass][]uint64)
	}
	d.seen[pass] = append(d.seen[pass], frame.Seq())
	if pass == model.PassPrimary {
		return append([]model.Candidate(nil), d.primary...), nil
	}
	return append([]model.Candidate(nil), d.secondary...), nil
}

// steadySource reads successfully forever, so only the scheduled refresh
// can end a session. It stops the test once enough opens have been seen.
type steadySource struct {
	mu       sync.Mutex
	seq      uint64
	opens    int
	maxOpens int
	done     func()
	doneOnce sync.Once
}

func (s *steadySource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.opens >= s.maxOpens {
		s.doneOnce.Do(s.done)
	}
	return nil
}

func (s *steadySource) Read() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return &testFrame{seq: s.seq, ts: time.Now()}, true
}

func (s *steadySource) Close() {}

func (s *steadySource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

type countingMonitor struct {
	readFailures atomic.Int32
	reconnects   atomic.Int32
}

func (m *countingMonitor) FrameRead() {}

func (m *countingMonitor) FrameProcessed() {}

func (m *countingMonitor) ReadFailure() { m.readFailures.Add(1) }

func (m *countingMonitor) Reconnect() { m.reconnects.Add(1) }

func (m *countingMonitor) VisitEmitted() {}

func (m *countingMonitor) PersonProcessed() {}

type collectingSink struct {
	mu     sync.Mutex
	visits []*model.Visit
}

func (s *collectingSink) Dispatch(_ context.Context, v *model.Visit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits = append(s.visits, v)
	v.Frame.Release()
}

func testDriverConfig() config.Config {
	var cfg config.Config
	cfg.Stream.FrameInterval = 2
	cfg.Stream.ReconnectDelay = time.Millisecond
	cfg.Stream.ReopenDelay = time.Millisecond
	cfg.Stream.RefreshInterval = time.Hour
	cfg.Detector.PrimaryClasses = []int{0}
	cfg.Detector.SecondaryClasses = []int{2, 14, 16, 17}
	cfg.Detector.Threshold = 0.5
	cfg.Detector.FinalThreshold = 0.7
	cfg.Detector.ROI = config.ROIConfig{X0: 0, Y0: 0, X1: 1, Y1: 1}
	cfg.Tracker.ConfirmationTicks = 2
	cfg.Tracker.Cooldown = 30 * time.Second
	return cfg
}

func person(conf float64) model.Candidate {
	return model.Candidate{
		Class: 0, ClassName: "person", Confidence: conf,
		Box: model.Box{X1: 100, Y1: 100, X2: 200, Y2: 300}, Pass: model.PassPrimary,
	}
}

func runDriver(t *testing.T, cfg config.Config, source *scriptedSource, detector *scriptedDetector, sink VisitSink) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	source.done = cancel

	tracker := visit.NewTracker(cfg.Tracker)
	driver := NewDriver(cfg, source, detector, tracker, sink, nil)
	if err := driver.Run(ctx); err != context.Canceled && err != context.DeadlineExceeded {
		t.Fatalf("Run returned %v", err)
	}
	if ctx.Err() == context.DeadlineExceeded {
		t.Fatal("driver did not drain the scripted source in time")
	}
}

func TestDriverSamplesEveryNthFrame(t *testing.T) {
	source := &scriptedSource{sessions: [][]uint64{{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}}}
	detector := &scriptedDetector{}
	runDriver(t, testDriverConfig(), source, detector, &collectingSink{})

	want := []uint64{2, 4, 6, 8, 10}
	got := detector.seen[model.PassPrimary]
	if len(got) != len(want) {
		t.Fatalf("processed seqs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("processed seqs = %v, want %v", got, want)
		}
	}
}

func TestDriverReconnectsAfterReadFailure(t *testing.T) {
	// Two sessions means one mid-run reconnect; sequence numbers keep
	// increasing across it.
	source := &scriptedSource{sessions: [][]uint64{{1, 2, 3}, {4, 5, 6}}}
	detector := &scriptedDetector{}
	runDriver(t, testDriverConfig(), source, detector, &collectingSink{})

	if source.openCount() < 2 {
		t.Errorf("source opened %d times, want at least 2", source.openCount())
	}
	got := detector.seen[model.PassPrimary]
	want := []uint64{2, 4, 6}
	if len(got) != len(want) {
		t.Fatalf("processed seqs = %v, want %v", got, want)
	}
}

func TestDriverRetriesFailedOpens(t *testing.T) {
	source := &scriptedSource{
		openErrs: []error{fmt.Errorf("connection refused"), fmt.Errorf("connection refused"), nil},
		sessions: [][]uint64{{1, 2}},
	}
	detector := &scriptedDetector{}
	runDriver(t, testDriverConfig(), source, detector, &collectingSink{})

	if source.openCount() < 3 {
		t.Errorf("source opened %d times, want at least 3", source.openCount())
	}
}

func TestDriverEmitsConfirmedVisit(t *testing.T) {
	source := &scriptedSource{sessions: [][]uint64{{2, 4, 6, 8}}}
	detector := &scriptedDetector{primary: []model.Candidate{person(0.9)}}
	sink := &collectingSink{}
	runDriver(t, testDriverConfig(), source, detector, sink)

	if len(sink.visits) != 1 {
		t.Fatalf("dispatched %d visits, want 1 (confirmation then cooldown)", len(sink.visits))
	}
	v := sink.visits[0]
	if v.ID == "" {
		t.Error("visit has no ID")
	}
	if len(v.Persons) != 1 || v.Persons[0].Pass != model.PassPrimary {
		t.Errorf("visit persons = %+v", v.Persons)
	}
	// Confirmation takes two processed frames: seq 2 and 4.
	if v.FrameSeq != 4 {
		t.Errorf("visit frame seq = %d, want 4", v.FrameSeq)
	}
}

func TestFinalThresholdAppliesToPrimaryOnly(t *testing.T) {
	detector := &scriptedDetector{
		primary: []model.Candidate{person(0.6)}, // above loose, below final
		secondary: []model.Candidate{{
			Class: 2, ClassName: "car", Confidence: 0.6,
			Box: model.Box{X1: 10, Y1: 10, X2: 60, Y2: 60}, Pass: model.PassSecondary,
		}},
	}
	cfg := testDriverConfig()
	driver := NewDriver(cfg, nil, detector, visit.NewTracker(cfg.Tracker), nil, nil)

	got, err := driver.detectBoth(&testFrame{seq: 2, ts: time.Now()})
	if err != nil {
		t.Fatalf("detectBoth: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("candidates = %+v, want only the secondary one", got)
	}
	if got[0].Pass != model.PassSecondary {
		t.Errorf("surviving candidate pass = %s, want secondary", got[0].Pass)
	}
}

func TestDriverRefreshesStreamOnSchedule(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testDriverConfig()
	cfg.Stream.RefreshInterval = 25 * time.Millisecond

	source := &steadySource{maxOpens: 2, done: cancel}
	mon := &countingMonitor{}
	tracker := visit.NewTracker(cfg.Tracker)
	driver := NewDriver(cfg, source, &scriptedDetector{}, tracker, &collectingSink{}, mon)
	if err := driver.Run(ctx); err != context.Canceled && err != context.DeadlineExceeded {
		t.Fatalf("Run returned %v", err)
	}
	if ctx.Err() == context.DeadlineExceeded {
		t.Fatal("driver never reached the scheduled refresh")
	}

	if source.openCount() < 2 {
		t.Errorf("source opened %d times, want at least 2", source.openCount())
	}
	if got := mon.readFailures.Load(); got != 0 {
		t.Errorf("read failures = %d, want 0 (the reopen must come from the schedule)", got)
	}
	if mon.reconnects.Load() == 0 {
		t.Error("no reconnect recorded for the scheduled refresh")
	}
}

// shutdownSink cancels the pipeline context from inside Dispatch, the way a
// signal arriving mid-visit would, and records whether its own context was
// still usable afterwards.
type shutdownSink struct {
	cancel     context.CancelFunc
	dispatched bool
	ctxErr     error
}

func (s *shutdownSink) Dispatch(ctx context.Context, v *model.Visit) {
	s.cancel()
	s.dispatched = true
	s.ctxErr = ctx.Err()
	v.Frame.Release()
}

func TestDispatchContextOutlivesShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testDriverConfig()
	cfg.Dispatch.GracePeriod = time.Minute
	source := &scriptedSource{sessions: [][]uint64{{2, 4}}, done: cancel}
	detector := &scriptedDetector{primary: []model.Candidate{person(0.9)}}
	sink := &shutdownSink{cancel: cancel}

	tracker := visit.NewTracker(cfg.Tracker)
	driver := NewDriver(cfg, source, detector, tracker, sink, nil)
	if err := driver.Run(ctx); err != context.Canceled {
		t.Fatalf("Run returned %v", err)
	}

	if !sink.dispatched {
		t.Fatal("visit was never dispatched")
	}
	if sink.ctxErr != nil {
		t.Errorf("dispatch context already dead during shutdown: %v", sink.ctxErr)
	}
}

func TestDriverFiltersCandidatesOutsideRegion(t *testing.T) {
	outside := person(0.9)
	outside.Box = model.Box{X1: 0, Y1: 0, X2: 60, Y2: 60} // center at ~(30,30)

	cfg := testDriverConfig()
	cfg.Detector.ROI = config.ROIConfig{X0: 0.5, Y0: 0.5, X1: 1, Y1: 1}
	cfg.Tracker.ConfirmationTicks = 1

	source := &scriptedSource{sessions: [][]uint64{{2, 4}}}
	detector := &scriptedDetector{primary: []model.Candidate{outside}}
	sink := &collectingSink{}
	runDriver(t, cfg, source, detector, sink)

	if len(sink.visits) != 0 {
		t.Errorf("dispatched %d visits for out-of-region candidates, want 0", len(sink.visits))
	}
}
