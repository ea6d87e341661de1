package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/alanagoyal/ghostbusters-sub001/config"
	"github.com/alanagoyal/ghostbusters-sub001/internal/anonymize"
	"github.com/alanagoyal/ghostbusters-sub001/internal/classify"
	"github.com/alanagoyal/ghostbusters-sub001/internal/cleanup"
	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"
	"github.com/alanagoyal/ghostbusters-sub001/internal/db"
	"github.com/alanagoyal/ghostbusters-sub001/internal/detect"
	"github.com/alanagoyal/ghostbusters-sub001/internal/dispatch"
	"github.com/alanagoyal/ghostbusters-sub001/internal/health"
	"github.com/alanagoyal/ghostbusters-sub001/internal/logger"
	"github.com/alanagoyal/ghostbusters-sub001/internal/notify"
	"github.com/alanagoyal/ghostbusters-sub001/internal/pipeline"
	"github.com/alanagoyal/ghostbusters-sub001/internal/server"
	"github.com/alanagoyal/ghostbusters-sub001/internal/server/sse"
	"github.com/alanagoyal/ghostbusters-sub001/internal/storage"
	"github.com/alanagoyal/ghostbusters-sub001/internal/stream"
	"github.com/alanagoyal/ghostbusters-sub001/internal/visit"
)

// multiNotifier fans visit notifications out to every configured sink.
type multiNotifier []dispatch.Notifier

func (m multiNotifier) NotifyVisit(visit *model.Visit, records []model.PersonRecord) {
	for _, n := range m {
		n.NotifyVisit(visit, records)
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// .env is optional; real deployments use environment variables directly.
	if err := godotenv.Load(); err == nil {
		log.Info("Loaded environment from .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}

	log.WithFields(log.Fields{
		"device_id": cfg.Device.ID,
		"stream":    cfg.Stream.Host,
	}).Info("Starting doorwatch")

	// Local spool database.
	spool, err := db.Open(cfg.DB)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer spool.Close()

	// Person detector. A missing model file is a startup failure, not
	// something to retry.
	detector := detect.NewDNNDetector(cfg.Detector)
	if err := detector.Initialize(); err != nil {
		log.Fatalf("Failed to initialize detector: %v", err)
	}
	defer detector.Close()

	// Face anonymizer.
	var anonymizer dispatch.Anonymizer
	if cfg.Anonymize.Enabled {
		blurrer, err := anonymize.NewFaceBlurrer(cfg.Anonymize.CascadePath, cfg.Anonymize.KernelSize, cfg.Anonymize.Padding)
		if err != nil {
			log.Fatalf("Failed to initialize face blurrer: %v", err)
		}
		defer blurrer.Close()
		anonymizer = blurrer
	} else {
		log.Warn("Face anonymization is disabled; images will not be persisted")
	}

	// Classification service, probed once at startup so credential problems
	// surface immediately instead of on the first visitor.
	var classifier dispatch.Classifier
	if cfg.Classify.Enabled {
		client := classify.NewClient(cfg.Classify)
		probeCtx, cancel := context.WithTimeout(context.Background(), cfg.Classify.Timeout)
		if err := client.Ping(probeCtx); err != nil {
			cancel()
			log.Fatalf("Classification service probe failed: %v", err)
		}
		cancel()
		log.Info("Classification service reachable")
		classifier = client
	} else {
		log.Info("Classification is disabled in config")
	}

	// Remote persistence.
	var store dispatch.Store
	if cfg.Storage.Enabled {
		store = storage.NewClient(cfg.Storage, cfg.Device.ID)
	} else {
		log.Info("Remote storage is disabled, records stay local-only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SSE hub for the status API's live feed.
	hub := sse.NewHub()
	go hub.Run()

	// Optional MQTT notifier.
	notifiers := multiNotifier{hub}
	mqttNotifier := notify.NewMQTTNotifier(cfg.MQTT)
	if cfg.MQTT.Enabled {
		if err := mqttNotifier.Start(); err != nil {
			log.Warnf("Failed to start MQTT notifier, continuing without it: %v", err)
		} else {
			defer mqttNotifier.Stop()
			notifiers = append(notifiers, mqttNotifier)
		}
	}

	reporter := health.NewReporter()
	go reporter.Run(ctx, cfg.Health.Interval)

	cleanupService := cleanup.NewService(spool, cfg.Cleanup, cfg.Server.SnapshotDir)
	go cleanupService.Start(ctx)

	if cfg.Server.Enabled {
		apiServer := server.New(cfg.Server, spool, reporter, hub)
		apiServer.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			apiServer.Stop(shutdownCtx)
		}()
	}

	// Camera stream, probed with a bounded retry budget before the pipeline
	// takes over with its unbounded reconnect policy.
	source := stream.NewSource(cfg.StreamURL(), cfg.Stream)
	if err := probeStream(ctx, source, cfg); err != nil {
		log.Errorf("Stream startup probe failed: %v", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(*cfg, classifier, anonymizer, store, spool, notifiers, reporter)
	tracker := visit.NewTracker(cfg.Tracker)
	driver := pipeline.NewDriver(
		*cfg,
		pipeline.NewCameraSource(source),
		pipeline.NewDNNAdapter(detector),
		tracker,
		dispatcher,
		reporter,
	)

	log.Info("Pipeline running")
	err = driver.Run(ctx)

	final := reporter.Snapshot()
	log.WithFields(log.Fields{
		"uptime":  final.Uptime,
		"frames":  final.FramesRead,
		"visits":  final.VisitsEmitted,
		"persons": final.PersonsProcessed,
	}).Info("Final health report")

	if err == context.Canceled {
		log.Info("Shutdown complete")
		return
	}
	if err != nil {
		log.Errorf("Pipeline stopped with error: %v", err)
		os.Exit(1)
	}
}

// probeStream verifies the camera is reachable at startup. Unlike runtime
// reconnects this has a bounded retry budget; a camera that is down at boot
// usually means bad credentials or a bad URL.
func probeStream(ctx context.Context, source *stream.Source, cfg *config.Config) error {
	retries := cfg.Startup.OpenRetries
	if retries < 1 {
		retries = 1
	}

	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		if err = source.Open(); err == nil {
			source.Close()
			log.Info("Stream startup probe succeeded")
			return nil
		}
		log.Warnf("Stream probe attempt %d/%d failed: %v", attempt, retries, err)
		if attempt < retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Stream.ReopenDelay):
			}
		}
	}
	return err
}
