package classify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanagoyal/ghostbusters-sub001/config"
	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"

	log "github.com/sirupsen/logrus"
)

// Client talks to the vision-language classification service. The service
// exposes an OpenAI-style chat completion endpoint; the image travels as a
// base64 data URI inside the message content.
type Client struct {
	config     config.ClassifyConfig
	httpClient *http.Client
}

// NewClient creates a classification client. The request timeout covers
// service-side cold starts, which can take tens of seconds.
func NewClient(cfg config.ClassifyConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Stream      bool          `json:"stream"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify sends a person crop to the classification service and returns
// its verdict. The crop must be the pre-anonymization image: the classifier
// needs full visual detail to judge the costume.
func (c *Client) Classify(ctx context.Context, imageData []byte) (model.Classification, error) {
	if !c.config.Enabled {
		return model.Classification{}, fmt.Errorf("classification is not enabled in config")
	}

	dataURI := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(imageData)

	reqBody := chatRequest{
		Model:  c.config.Model,
		Stream: false,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: defaultPrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURI}},
			},
		}},
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return model.Classification{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.config.URL, bytes.NewReader(payload))
	if err != nil {
		return model.Classification{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Api-Key "+c.config.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.Classification{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	log.Debugf("Classification request took %s", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return model.Classification{}, fmt.Errorf("classification service returned error (status %d): %s",
			resp.StatusCode, string(bodyBytes))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return model.Classification{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return model.Classification{}, fmt.Errorf("classification response has no choices")
	}

	result := ParseClassification(chat.Choices[0].Message.Content)
	if !result.OK {
		return model.Classification{}, fmt.Errorf("failed to parse classification from response: %q", result.Raw)
	}

	log.Debugf("Classified crop as %q", result.Classification.Label)
	return result.Classification, nil
}

// Ping sends a minimal text-only request to verify the service is reachable
// and the credentials are accepted. Used by the startup probe.
func (c *Client) Ping(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	reqBody := chatRequest{
		Model:  c.config.Model,
		Stream: false,
		Messages: []chatMessage{{
			Role:    "user",
			Content: []contentPart{{Type: "text", Text: "Hello"}},
		}},
		MaxTokens: 10,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Api-Key "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach classification service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("classification service ping failed (status %d): %s",
			resp.StatusCode, string(bodyBytes))
	}
	return nil
}
