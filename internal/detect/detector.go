package detect

import (
	"fmt"
	"image"
	"os"

	"github.com/alanagoyal/ghostbusters-sub001/config"
	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"

	log "github.com/sirupsen/logrus"
	gocv "gocv.io/x/gocv"
)

// DNN input dimensions for the SSD MobileNet model.
const (
	dnnInputWidth  = 300
	dnnInputHeight = 300
)

// DNN backend/target names accepted in the configuration.
const (
	BackendDefault = "default"
	BackendCUDA    = "cuda"
	BackendOpenCL  = "opencl"
	TargetCPU      = "cpu"
	TargetCUDA     = "cuda"
	TargetOpenCL   = "opencl"
)

// DNNDetector runs object detection over frames with an OpenCV DNN model.
// It is deliberately class-agnostic: the caller chooses the class filter per
// call, so one detector instance serves both the primary (person) pass and
// the secondary (costume-silhouette) pass within the same tick. The two
// passes are independent calls; results are unioned by the caller.
type DNNDetector struct {
	cfg         config.DetectorConfig
	net         gocv.Net
	initialized bool
}

// NewDNNDetector creates a detector for the configured model. Initialize
// must be called before the first Detect.
func NewDNNDetector(cfg config.DetectorConfig) *DNNDetector {
	return &DNNDetector{cfg: cfg}
}

// Initialize loads the DNN model and selects the compute backend.
func (d *DNNDetector) Initialize() error {
	if d.initialized {
		return nil
	}

	if !fileExists(d.cfg.ModelPath) || !fileExists(d.cfg.ConfigPath) {
		return fmt.Errorf("detector model files not found: %s / %s", d.cfg.ModelPath, d.cfg.ConfigPath)
	}

	net := gocv.ReadNet(d.cfg.ModelPath, d.cfg.ConfigPath)
	if net.Empty() {
		return fmt.Errorf("failed to load DNN model: %s", d.cfg.ModelPath)
	}

	backend, target := resolveBackend(d.cfg.Backend, d.cfg.Target)
	net.SetPreferableBackend(backend)
	net.SetPreferableTarget(target)

	d.net = net
	d.initialized = true
	log.Infof("Detector initialized (model: %s, backend: %s, target: %s)",
		d.cfg.ModelPath, d.cfg.Backend, d.cfg.Target)
	return nil
}

// Detect runs one detection pass over the frame, returning candidates whose
// class is in classes and whose confidence is at least minConfidence. The
// threshold here is the loose detector acceptance threshold; the pipeline
// applies its stricter final threshold downstream so borderline detections
// stay visible to the secondary pass's validation step.
func (d *DNNDetector) Detect(img gocv.Mat, classes []int, minConfidence float64, pass model.Pass) []model.Candidate {
	if !d.initialized || img.Empty() {
		return nil
	}

	wanted := make(map[int]bool, len(classes))
	for _, c := range classes {
		wanted[c] = true
	}

	width := img.Cols()
	height := img.Rows()

	blob := gocv.BlobFromImage(
		img,
		1.0,
		image.Point{X: dnnInputWidth, Y: dnnInputHeight},
		gocv.NewScalar(127.5, 127.5, 127.5, 0),
		true,  // swap BGR to RGB
		false, // no crop
	)
	defer blob.Close()

	d.net.SetInput(blob, "")
	prob := d.net.Forward("")
	defer prob.Close()

	var candidates []model.Candidate

	// SSD output rows: [img_id, class_id, confidence, left, top, right, bottom]
	rows := prob.Total() / 7
	flat := prob.Reshape(1, rows)
	defer flat.Close()

	for i := 0; i < rows; i++ {
		confidence := float64(flat.GetFloatAt(i, 2))
		if confidence < minConfidence {
			continue
		}

		// The model reports raw COCO labels (1-based, with gaps); the
		// configuration uses contiguous 80-class IDs.
		classID, known := classFromLabel(int(flat.GetFloatAt(i, 1)))
		if !known || !wanted[classID] {
			continue
		}

		box := model.Box{
			X1: int(flat.GetFloatAt(i, 3) * float32(width)),
			Y1: int(flat.GetFloatAt(i, 4) * float32(height)),
			X2: int(flat.GetFloatAt(i, 5) * float32(width)),
			Y2: int(flat.GetFloatAt(i, 6) * float32(height)),
		}.Clamp(width, height)
		if box.Empty() {
			continue
		}

		candidates = append(candidates, model.Candidate{
			Class:      classID,
			ClassName:  ClassName(classID),
			Confidence: confidence,
			Box:        box,
			Pass:       pass,
		})
	}

	log.Debugf("Detector %s pass: %d candidate(s)", pass, len(candidates))
	return candidates
}

// Close releases the DNN network.
func (d *DNNDetector) Close() error {
	if d.initialized {
		d.initialized = false
		return d.net.Close()
	}
	return nil
}

func resolveBackend(backend, target string) (gocv.NetBackendType, gocv.NetTargetType) {
	b := gocv.NetBackendDefault
	t := gocv.NetTargetCPU
	switch backend {
	case BackendCUDA:
		b = gocv.NetBackendCUDA
	case BackendOpenCL:
		b = gocv.NetBackendOpenCV
	case BackendDefault, "":
	default:
		log.Warnf("Unknown detector backend '%s', using default", backend)
	}
	switch target {
	case TargetCUDA:
		t = gocv.NetTargetCUDA
	case TargetOpenCL:
		t = gocv.NetTargetFP32 // OpenCL target in OpenCV's DNN numbering
	case TargetCPU, "":
	default:
		log.Warnf("Unknown detector target '%s', using CPU", target)
	}
	return b, t
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
