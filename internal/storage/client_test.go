package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanagoyal/ghostbusters-sub001/config"
	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"
)

func testStorageConfig(url string) config.StorageConfig {
	return config.StorageConfig{
		Enabled: true,
		URL:     url,
		APIKey:  "service-key",
		Bucket:  "detection-images",
		Table:   "person_detections",
	}
}

func TestUploadImage(t *testing.T) {
	var gotPath string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "service-key" {
			t.Errorf("apikey header = %q", r.Header.Get("apikey"))
		}
		if r.Header.Get("Authorization") != "Bearer service-key" {
			t.Errorf("Authorization header = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "image/jpeg" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(testStorageConfig(server.URL), "porch-cam")
	ts := time.Date(2025, 10, 31, 19, 30, 0, 0, time.UTC)
	url, err := client.UploadImage(context.Background(), []byte("jpeg-bytes"), ts, "p1")
	if err != nil {
		t.Fatalf("UploadImage: %v", err)
	}

	wantPath := "/storage/v1/object/detection-images/porch-cam/20251031_193000_p1.jpg"
	if gotPath != wantPath {
		t.Errorf("upload path = %q, want %q", gotPath, wantPath)
	}
	if !bytes.Equal(gotBody, []byte("jpeg-bytes")) {
		t.Errorf("uploaded body = %q", gotBody)
	}
	if !strings.HasSuffix(url, "/storage/v1/object/public/detection-images/porch-cam/20251031_193000_p1.jpg") {
		t.Errorf("public URL = %q", url)
	}
}

func TestUploadImageFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bucket not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(testStorageConfig(server.URL), "porch-cam")
	if _, err := client.UploadImage(context.Background(), []byte("x"), time.Now(), "p1"); err == nil {
		t.Fatal("expected an error for a 404 upload")
	}
}

func TestInsertRecord(t *testing.T) {
	var gotRow map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/person_detections" {
			t.Errorf("insert path = %q", r.URL.Path)
		}
		if r.Header.Get("Prefer") != "return=minimal" {
			t.Errorf("Prefer header = %q", r.Header.Get("Prefer"))
		}
		if err := json.NewDecoder(r.Body).Decode(&gotRow); err != nil {
			t.Fatalf("body is not JSON: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	conf := 0.91
	client := NewClient(testStorageConfig(server.URL), "porch-cam")
	rec := model.PersonRecord{
		VisitID:            "visit-1",
		DeviceID:           "porch-cam",
		Timestamp:          time.Date(2025, 10, 31, 19, 30, 0, 0, time.UTC),
		Box:                model.Box{X1: 10, Y1: 20, X2: 110, Y2: 220},
		DetectorConfidence: 0.82,
		Pass:               model.PassPrimary,
		Label:              "witch",
		ClassConfidence:    &conf,
		Description:        "A witch with a pointed hat",
		ImageURL:           "https://example.com/img.jpg",
	}
	if err := client.InsertRecord(context.Background(), rec); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}

	if gotRow["visit_id"] != "visit-1" {
		t.Errorf("visit_id = %v", gotRow["visit_id"])
	}
	if gotRow["costume_classification"] != "witch" {
		t.Errorf("costume_classification = %v", gotRow["costume_classification"])
	}
	if gotRow["image_url"] != "https://example.com/img.jpg" {
		t.Errorf("image_url = %v", gotRow["image_url"])
	}
	if gotRow["detection_type"] != "primary" {
		t.Errorf("detection_type = %v", gotRow["detection_type"])
	}
}

func TestInsertRecordWithoutImageOmitsURL(t *testing.T) {
	var gotRow map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotRow)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(testStorageConfig(server.URL), "porch-cam")
	rec := model.PersonRecord{
		VisitID:            "visit-2",
		DeviceID:           "porch-cam",
		Timestamp:          time.Now(),
		DetectorConfidence: 0.75,
		Pass:               model.PassPrimary,
	}
	if err := client.InsertRecord(context.Background(), rec); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	if _, present := gotRow["image_url"]; present {
		t.Errorf("image_url should be omitted, got %v", gotRow["image_url"])
	}
}

func TestDisabledStorage(t *testing.T) {
	client := NewClient(config.StorageConfig{Enabled: false}, "porch-cam")
	if client.Enabled() {
		t.Fatal("Enabled() should be false")
	}
	if _, err := client.UploadImage(context.Background(), nil, time.Now(), "p1"); err == nil {
		t.Fatal("expected error when disabled")
	}
	if err := client.InsertRecord(context.Background(), model.PersonRecord{}); err == nil {
		t.Fatal("expected error when disabled")
	}
}
