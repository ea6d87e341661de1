package classify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanagoyal/ghostbusters-sub001/config"
)

func testConfig(url string) config.ClassifyConfig {
	return config.ClassifyConfig{
		Enabled:     true,
		URL:         url,
		APIKey:      "test-key",
		Model:       "gemma",
		MaxTokens:   512,
		Temperature: 0.5,
		Timeout:     5 * time.Second,
	}
}

func chatReply(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
}

func TestClassifyParsesNoisyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Api-Key test-key" {
			t.Errorf("Authorization header = %q", got)
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("request body is not JSON: %v", err)
		}
		if req["model"] != "gemma" {
			t.Errorf("model = %v, want gemma", req["model"])
		}

		json.NewEncoder(w).Encode(chatReply(
			"```json\n{\"classification\": \"skeleton\", \"confidence\": 0.88, \"description\": \"A glowing skeleton suit\"}\n```<end_of_turn>",
		))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	got, err := client.Classify(context.Background(), []byte("fake-jpeg"))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Label != "skeleton" {
		t.Errorf("label = %q, want skeleton", got.Label)
	}
	if got.Confidence == nil || *got.Confidence != 0.88 {
		t.Errorf("confidence = %v, want 0.88", got.Confidence)
	}
}

func TestClassifyRejectsUnparseableContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatReply("I cannot help with that."))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	if _, err := client.Classify(context.Background(), []byte("fake-jpeg")); err == nil {
		t.Fatal("expected an error for unparseable content")
	}
}

func TestClassifySurfacesHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model is scaling up", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	if _, err := client.Classify(context.Background(), []byte("fake-jpeg")); err == nil {
		t.Fatal("expected an error for a 503 response")
	}
}

func TestClassifyDisabled(t *testing.T) {
	cfg := testConfig("http://unused.invalid")
	cfg.Enabled = false
	client := NewClient(cfg)
	if _, err := client.Classify(context.Background(), []byte("fake-jpeg")); err == nil {
		t.Fatal("expected an error when classification is disabled")
	}
}

func TestPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatReply("Hello"))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	client = NewClient(testConfig("http://127.0.0.1:1"))
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected ping failure for unreachable service")
	}
}
