package health

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	log "github.com/sirupsen/logrus"
)

// Reporter collects pipeline counters and periodically logs an operational
// summary. All counter methods are safe for concurrent use; the hot path
// pays one atomic add per event.
type Reporter struct {
	startedAt time.Time

	framesRead       atomic.Uint64
	framesProcessed  atomic.Uint64
	readFailures     atomic.Uint64
	reconnects       atomic.Uint64
	visitsEmitted    atomic.Uint64
	personsProcessed atomic.Uint64
	dispatchFailures atomic.Uint64
}

// NewReporter creates a reporter with its uptime clock started.
func NewReporter() *Reporter {
	return &Reporter{startedAt: time.Now()}
}

// Counter hooks, one per pipeline event.

func (r *Reporter) FrameRead() { r.framesRead.Add(1) }

func (r *Reporter) FrameProcessed() { r.framesProcessed.Add(1) }

func (r *Reporter) ReadFailure() { r.readFailures.Add(1) }

func (r *Reporter) Reconnect() { r.reconnects.Add(1) }

func (r *Reporter) VisitEmitted() { r.visitsEmitted.Add(1) }

func (r *Reporter) PersonProcessed() { r.personsProcessed.Add(1) }

func (r *Reporter) DispatchFailure() { r.dispatchFailures.Add(1) }

// Snapshot is a point-in-time view of the pipeline's health.
type Snapshot struct {
	Uptime           string  `json:"uptime"`
	FramesRead       uint64  `json:"frames_read"`
	FramesProcessed  uint64  `json:"frames_processed"`
	ReadFailures     uint64  `json:"read_failures"`
	Reconnects       uint64  `json:"reconnects"`
	VisitsEmitted    uint64  `json:"visits_emitted"`
	PersonsProcessed uint64  `json:"persons_processed"`
	DispatchFailures uint64  `json:"dispatch_failures"`
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryMB         float64 `json:"memory_mb"`
}

// Snapshot returns the current counters plus process resource usage. The
// gopsutil calls are best effort; a probe failure leaves the field at zero.
func (r *Reporter) Snapshot() Snapshot {
	s := Snapshot{
		Uptime:           time.Since(r.startedAt).Round(time.Second).String(),
		FramesRead:       r.framesRead.Load(),
		FramesProcessed:  r.framesProcessed.Load(),
		ReadFailures:     r.readFailures.Load(),
		Reconnects:       r.reconnects.Load(),
		VisitsEmitted:    r.visitsEmitted.Load(),
		PersonsProcessed: r.personsProcessed.Load(),
		DispatchFailures: r.dispatchFailures.Load(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			s.MemoryMB = float64(info.RSS) / 1024 / 1024
		}
	} else if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryMB = float64(vm.Used) / 1024 / 1024
	}
	return s
}

// Run logs a health report every interval until the context is cancelled.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := r.Snapshot()
			log.WithFields(log.Fields{
				"uptime":            s.Uptime,
				"frames_read":       s.FramesRead,
				"frames_processed":  s.FramesProcessed,
				"read_failures":     s.ReadFailures,
				"reconnects":        s.Reconnects,
				"visits":            s.VisitsEmitted,
				"persons":           s.PersonsProcessed,
				"dispatch_failures": s.DispatchFailures,
				"cpu_percent":       s.CPUPercent,
				"memory_mb":         s.MemoryMB,
			}).Info("Health report")
		}
	}
}
