package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// VisitEvent is the local spool row for one emitted visit.
type VisitEvent struct {
	gorm.Model
	VisitID     string    `gorm:"uniqueIndex;not null"`
	DeviceID    string    `gorm:"index"`
	Timestamp   time.Time `gorm:"index"`
	FrameSeq    uint64
	PersonCount int
}

// Detection is the local spool row for one processed person within a visit.
// Rows are written before the remote insert is attempted, so a night with a
// dead uplink still leaves a complete record on disk.
type Detection struct {
	gorm.Model
	VisitID            string         `gorm:"index;not null"`
	DeviceID           string         `gorm:"index"`
	Timestamp          time.Time      `gorm:"index"`
	BoundingBox        datatypes.JSON `gorm:"type:json"`
	DetectorConfidence float64
	Pass               string `gorm:"index"`
	Label              string `gorm:"index"`
	ClassConfidence    *float64
	Description        string
	ImageURL           string
	BlurredFaces       int
	RemoteSynced       bool `gorm:"index"`
}

// NewDetection converts a PersonRecord into its spool row.
func NewDetection(r PersonRecord, remoteSynced bool) Detection {
	boxJSON, _ := json.Marshal(r.Box)
	return Detection{
		VisitID:            r.VisitID,
		DeviceID:           r.DeviceID,
		Timestamp:          r.Timestamp,
		BoundingBox:        datatypes.JSON(boxJSON),
		DetectorConfidence: r.DetectorConfidence,
		Pass:               string(r.Pass),
		Label:              r.Label,
		ClassConfidence:    r.ClassConfidence,
		Description:        r.Description,
		ImageURL:           r.ImageURL,
		BlurredFaces:       r.BlurredFaces,
		RemoteSynced:       remoteSynced,
	}
}
