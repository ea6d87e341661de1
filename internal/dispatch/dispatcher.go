package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alanagoyal/ghostbusters-sub001/config"
	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"

	log "github.com/sirupsen/logrus"
)

// Classifier is the vision-language service.
type Classifier interface {
	Classify(ctx context.Context, imageData []byte) (model.Classification, error)
}

// Anonymizer blurs faces in a JPEG crop and reports how many it found.
type Anonymizer interface {
	Blur(imageData []byte) ([]byte, int, error)
}

// Store is the remote persistence backend.
type Store interface {
	Enabled() bool
	UploadImage(ctx context.Context, imageData []byte, ts time.Time, suffix string) (string, error)
	InsertRecord(ctx context.Context, rec model.PersonRecord) error
}

// Spool is the local offline-first database.
type Spool interface {
	SaveVisit(event *model.VisitEvent) error
	SaveDetection(det *model.Detection) error
}

// Notifier receives a summary of each fully processed visit.
type Notifier interface {
	NotifyVisit(visit *model.Visit, records []model.PersonRecord)
}

// FailureMonitor counts per-person processing failures for the health report.
type FailureMonitor interface {
	DispatchFailure()
}

// Dispatcher fans a confirmed visit out to classification and persistence.
// Each person in the visit is processed independently; one person's failure
// never drops the others. Dispatch returns only when every person is done,
// so the caller gets a natural back-pressure barrier.
type Dispatcher struct {
	cfg         config.Config
	deviceID    string
	classifier  Classifier
	anonymizer  Anonymizer
	store       Store
	spool       Spool
	notifier    Notifier
	monitor     FailureMonitor
	snapshotDir string
	sem         chan struct{}
}

// New creates a dispatcher. classifier, anonymizer, store, spool, notifier
// and monitor may each be nil, in which case that stage is skipped.
func New(cfg config.Config, classifier Classifier, anonymizer Anonymizer, store Store, spool Spool, notifier Notifier, monitor FailureMonitor) *Dispatcher {
	concurrency := cfg.Dispatch.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		cfg:         cfg,
		deviceID:    cfg.Device.ID,
		classifier:  classifier,
		anonymizer:  anonymizer,
		store:       store,
		spool:       spool,
		notifier:    notifier,
		monitor:     monitor,
		snapshotDir: cfg.Server.SnapshotDir,
		sem:         make(chan struct{}, concurrency),
	}
}

// Dispatch processes one visit to completion and releases its frame. The
// visit's frame must not be used by the caller afterwards.
func (d *Dispatcher) Dispatch(ctx context.Context, visit *model.Visit) {
	defer visit.Frame.Release()

	logger := log.WithFields(log.Fields{
		"visit_id": visit.ID,
		"persons":  len(visit.Persons),
	})
	logger.Info("Dispatching visit")

	if d.spool != nil {
		event := &model.VisitEvent{
			VisitID:     visit.ID,
			DeviceID:    d.deviceID,
			Timestamp:   visit.Timestamp,
			FrameSeq:    visit.FrameSeq,
			PersonCount: len(visit.Persons),
		}
		if err := d.spool.SaveVisit(event); err != nil {
			logger.Errorf("Failed to spool visit: %v", err)
		}
	}

	d.saveSnapshot(visit)

	records := make([]model.PersonRecord, len(visit.Persons))
	kept := make([]bool, len(visit.Persons))

	var wg sync.WaitGroup
	for i, person := range visit.Persons {
		wg.Add(1)
		d.sem <- struct{}{}
		go func(idx int, cand model.Candidate) {
			defer wg.Done()
			defer func() { <-d.sem }()

			rec, ok, err := d.processPerson(ctx, visit, idx, cand)
			if err != nil {
				logger.WithField("person", idx).Errorf("Failed to process person: %v", err)
				if d.monitor != nil {
					d.monitor.DispatchFailure()
				}
				return
			}
			records[idx] = rec
			kept[idx] = ok
		}(i, person)
	}
	wg.Wait()

	persisted := make([]model.PersonRecord, 0, len(records))
	for i, ok := range kept {
		if ok {
			persisted = append(persisted, records[i])
		}
	}
	logger.WithField("persisted", len(persisted)).Info("Visit dispatched")

	if d.notifier != nil && len(persisted) > 0 {
		d.notifier.NotifyVisit(visit, persisted)
	}
}

// processPerson runs the crop/classify/anonymize/persist chain for a single
// candidate. ok is false when the candidate was rejected by the secondary
// validation gate; that is not an error.
func (d *Dispatcher) processPerson(ctx context.Context, visit *model.Visit, idx int, cand model.Candidate) (model.PersonRecord, bool, error) {
	crop, err := visit.Frame.Crop(cand.Box)
	if err != nil {
		return model.PersonRecord{}, false, fmt.Errorf("failed to crop person: %w", err)
	}

	rec := model.PersonRecord{
		VisitID:            visit.ID,
		DeviceID:           d.deviceID,
		Timestamp:          visit.Timestamp,
		Box:                cand.Box,
		DetectorConfidence: cand.Confidence,
		Pass:               cand.Pass,
	}

	// Classification runs on the raw crop. The anonymized copy would hide
	// exactly the detail a costume judgment needs.
	if d.classifier != nil {
		classification, err := d.classifier.Classify(ctx, crop)
		switch {
		case err != nil && cand.Pass == model.PassSecondary:
			// Secondary candidates exist only on the classifier's word.
			return rec, false, fmt.Errorf("classification failed for secondary candidate: %w", err)
		case err != nil:
			log.WithField("visit_id", visit.ID).Warnf("Classification failed, persisting without label: %v", err)
		default:
			rec.Label = classification.Label
			rec.ClassConfidence = classification.Confidence
			rec.Description = classification.Description
			if cand.Pass == model.PassSecondary && !classification.IsCostume() {
				log.WithFields(log.Fields{
					"visit_id": visit.ID,
					"class":    cand.ClassName,
					"label":    classification.Label,
				}).Debug("Secondary candidate rejected by classifier")
				return rec, false, nil
			}
		}
	} else if cand.Pass == model.PassSecondary {
		// No classifier means no way to validate; drop rather than persist
		// a likely parked car.
		return rec, false, nil
	}

	// Only anonymized pixels may leave the process. If blurring fails the
	// record is persisted without any image at all.
	persistable := []byte(nil)
	if d.anonymizer != nil {
		blurred, faces, err := d.anonymizer.Blur(crop)
		if err != nil {
			log.WithField("visit_id", visit.ID).Warnf("Anonymization failed, dropping image: %v", err)
		} else {
			persistable = blurred
			rec.BlurredFaces = faces
		}
	}

	if d.store != nil && d.store.Enabled() {
		if persistable != nil {
			url, err := d.store.UploadImage(ctx, persistable, visit.Timestamp, fmt.Sprintf("p%d", idx))
			if err != nil {
				log.WithField("visit_id", visit.ID).Warnf("Image upload failed, inserting record without URL: %v", err)
			} else {
				rec.ImageURL = url
			}
		}
		if err := d.store.InsertRecord(ctx, rec); err != nil {
			log.WithField("visit_id", visit.ID).Errorf("Remote insert failed, record stays local-only: %v", err)
			d.spoolDetection(rec, false)
			return rec, true, nil
		}
		d.spoolDetection(rec, true)
		return rec, true, nil
	}

	d.spoolDetection(rec, false)
	return rec, true, nil
}

func (d *Dispatcher) spoolDetection(rec model.PersonRecord, remoteSynced bool) {
	if d.spool == nil {
		return
	}
	det := model.NewDetection(rec, remoteSynced)
	if err := d.spool.SaveDetection(&det); err != nil {
		log.WithField("visit_id", rec.VisitID).Errorf("Failed to spool detection: %v", err)
	}
}

// saveSnapshot writes the full visit frame to the local snapshot directory
// for the status API. Best effort.
func (d *Dispatcher) saveSnapshot(visit *model.Visit) {
	if d.snapshotDir == "" {
		return
	}
	w, h := visit.Frame.Size()
	data, err := visit.Frame.Crop(model.Box{X1: 0, Y1: 0, X2: w, Y2: h})
	if err != nil {
		log.Debugf("Failed to encode snapshot: %v", err)
		return
	}
	name := fmt.Sprintf("%s_%s.jpg", visit.Timestamp.Format("20060102_150405"), visit.ID)
	if err := os.WriteFile(filepath.Join(d.snapshotDir, name), data, 0644); err != nil {
		log.Debugf("Failed to write snapshot: %v", err)
	}
}
