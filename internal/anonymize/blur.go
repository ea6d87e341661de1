package anonymize

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	log "github.com/sirupsen/logrus"
)

// FaceBlurrer blurs detected faces in person crops before they leave the
// device. Detection uses a Haar cascade; anything it finds gets a heavy
// Gaussian blur over a padded region so ears and hairlines are covered too.
type FaceBlurrer struct {
	cascade    gocv.CascadeClassifier
	kernelSize int
	padding    float64
	loaded     bool
}

// NewFaceBlurrer loads the frontal-face cascade from cascadePath. kernelSize
// is forced odd as OpenCV requires; padding is the fractional margin added
// around each detected face box.
func NewFaceBlurrer(cascadePath string, kernelSize int, padding float64) (*FaceBlurrer, error) {
	if kernelSize < 3 {
		kernelSize = 51
	}
	if kernelSize%2 == 0 {
		kernelSize++
	}
	if padding <= 0 {
		padding = 0.2
	}

	cascade := gocv.NewCascadeClassifier()
	if !cascade.Load(cascadePath) {
		cascade.Close()
		return nil, fmt.Errorf("failed to load face cascade from %s", cascadePath)
	}

	log.Infof("Face blurrer initialized with cascade %s", cascadePath)
	return &FaceBlurrer{
		cascade:    cascade,
		kernelSize: kernelSize,
		padding:    padding,
		loaded:     true,
	}, nil
}

// Blur returns a copy of the JPEG image with every detected face blurred,
// along with the number of faces found. An image with no detectable faces is
// returned re-encoded but otherwise unchanged.
func (b *FaceBlurrer) Blur(imageData []byte) ([]byte, int, error) {
	if !b.loaded {
		return nil, 0, fmt.Errorf("face blurrer is not initialized")
	}

	img, err := gocv.IMDecode(imageData, gocv.IMReadColor)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode image: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, 0, fmt.Errorf("decoded image is empty")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	faces := b.cascade.DetectMultiScale(gray)
	for _, face := range faces {
		region := img.Region(b.padRect(face, img.Cols(), img.Rows()))
		gocv.GaussianBlur(region, &region, image.Pt(b.kernelSize, b.kernelSize), 0, 0, gocv.BorderDefault)
		region.Close()
	}

	buf, err := gocv.IMEncode(".jpg", img)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode blurred image: %w", err)
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, len(faces), nil
}

// padRect grows the face rectangle by the configured margin and clamps it to
// the image bounds.
func (b *FaceBlurrer) padRect(r image.Rectangle, width, height int) image.Rectangle {
	padX := int(float64(r.Dx()) * b.padding)
	padY := int(float64(r.Dy()) * b.padding)
	padded := image.Rect(r.Min.X-padX, r.Min.Y-padY, r.Max.X+padX, r.Max.Y+padY)
	return padded.Intersect(image.Rect(0, 0, width, height))
}

// Close releases the cascade.
func (b *FaceBlurrer) Close() {
	if b.loaded {
		b.cascade.Close()
		b.loaded = false
	}
}
