package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/alanagoyal/ghostbusters-sub001/config"
	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"

	log "github.com/sirupsen/logrus"
)

// Client talks to the remote persistence service: object storage for the
// anonymized crops and an append-only table for the detection records. The
// two operations are individually retryable and individually omittable; a
// failed upload never blocks the record insert.
type Client struct {
	config     config.StorageConfig
	deviceID   string
	httpClient *http.Client
}

// NewClient creates a persistence client for the given device identity.
func NewClient(cfg config.StorageConfig, deviceID string) *Client {
	return &Client{
		config:   cfg,
		deviceID: deviceID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Enabled reports whether the remote backend is configured.
func (c *Client) Enabled() bool {
	return c.config.Enabled && c.config.URL != ""
}

// UploadImage stores an anonymized crop and returns its public URL. The
// storage path is <device_id>/<timestamp>_<suffix>.jpg so one device's
// images stay grouped.
func (c *Client) UploadImage(ctx context.Context, imageData []byte, ts time.Time, suffix string) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("storage is not enabled in config")
	}

	objectPath := fmt.Sprintf("%s/%s_%s.jpg", c.deviceID, ts.Format("20060102_150405"), suffix)

	uploadURL, err := url.JoinPath(c.config.URL, "/storage/v1/object/", c.config.Bucket, objectPath)
	if err != nil {
		return "", fmt.Errorf("failed to create upload URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", uploadURL, bytes.NewReader(imageData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("image upload failed (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	publicURL, err := url.JoinPath(c.config.URL, "/storage/v1/object/public/", c.config.Bucket, objectPath)
	if err != nil {
		return "", fmt.Errorf("failed to create public URL: %w", err)
	}

	log.Debugf("Uploaded image to %s", objectPath)
	return publicURL, nil
}

// detectionRow is the wire shape of one inserted record.
type detectionRow struct {
	VisitID            string    `json:"visit_id"`
	DeviceID           string    `json:"device_id"`
	Timestamp          string    `json:"timestamp"`
	Confidence         float64   `json:"confidence"`
	BoundingBox        model.Box `json:"bounding_box"`
	DetectionType      string    `json:"detection_type"`
	ImageURL           *string   `json:"image_url,omitempty"`
	CostumeLabel       *string   `json:"costume_classification,omitempty"`
	CostumeConfidence  *float64  `json:"costume_confidence,omitempty"`
	CostumeDescription *string   `json:"costume_description,omitempty"`
}

// InsertRecord appends one person record to the detection table. A record
// with an empty ImageURL is inserted with a null image reference rather
// than being dropped.
func (c *Client) InsertRecord(ctx context.Context, rec model.PersonRecord) error {
	if !c.Enabled() {
		return fmt.Errorf("storage is not enabled in config")
	}

	row := detectionRow{
		VisitID:       rec.VisitID,
		DeviceID:      rec.DeviceID,
		Timestamp:     rec.Timestamp.UTC().Format(time.RFC3339),
		Confidence:    rec.DetectorConfidence,
		BoundingBox:   rec.Box,
		DetectionType: string(rec.Pass),
	}
	if rec.ImageURL != "" {
		row.ImageURL = &rec.ImageURL
	}
	if rec.Label != "" {
		row.CostumeLabel = &rec.Label
		row.CostumeConfidence = rec.ClassConfidence
	}
	if rec.Description != "" {
		row.CostumeDescription = &rec.Description
	}

	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	insertURL, err := url.JoinPath(c.config.URL, "/rest/v1/", c.config.Table)
	if err != nil {
		return fmt.Errorf("failed to create insert URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", insertURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("record insert failed (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	log.WithFields(log.Fields{
		"visit_id": rec.VisitID,
		"label":    rec.Label,
	}).Debug("Record inserted")
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("apikey", c.config.APIKey)
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
}
