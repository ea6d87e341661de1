package detect

// cocoClassNames are the 80 COCO class labels in YOLO ordering, where
// class 0 is "person".
var cocoClassNames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train",
	"truck", "boat", "traffic light", "fire hydrant", "stop sign", "parking meter", "bench",
	"bird", "cat", "dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe",
	"backpack", "umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard",
	"sports ball", "kite", "baseball bat", "baseball glove", "skateboard", "surfboard",
	"tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl",
	"banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza",
	"donut", "cake", "chair", "couch", "potted plant", "bed", "dining table", "toilet",
	"tv", "laptop", "mouse", "remote", "keyboard", "cell phone", "microwave", "oven",
	"toaster", "sink", "refrigerator", "book", "clock", "vase", "scissors", "teddy bear",
	"hair drier", "toothbrush",
}

// ClassName returns the COCO label for a class ID, or "unknown" for IDs
// outside the model's class list.
func ClassName(id int) string {
	if id < 0 || id >= len(cocoClassNames) {
		return "unknown"
	}
	return cocoClassNames[id]
}

// cocoLabelGaps are the raw COCO label IDs with no entry in the 80-class
// set (street sign, hat, shoe and so on were annotated but never released).
// SSD models trained on COCO emit the raw 91-label numbering, so the gaps
// must be skipped when converting to the contiguous IDs above.
var cocoLabelGaps = [...]int{12, 26, 29, 30, 45, 66, 68, 69, 71, 83, 91}

// classFromLabel converts a raw SSD output label to the contiguous 80-class
// ID used by the configuration and ClassName. ok is false for the background
// label (0) and for labels with no 80-class equivalent.
func classFromLabel(label int) (int, bool) {
	if label < 1 {
		return 0, false
	}
	offset := 1
	for _, gap := range cocoLabelGaps {
		if label == gap {
			return 0, false
		}
		if label > gap {
			offset++
		}
	}
	id := label - offset
	if id >= len(cocoClassNames) {
		return 0, false
	}
	return id, true
}
