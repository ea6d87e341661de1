package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanagoyal/ghostbusters-sub001/config"
	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// MQTTNotifier publishes a summary of each processed visit so home
// automation can react (ring a chime, flip the porch light, ...).
type MQTTNotifier struct {
	config config.MQTTConfig
	client mqtt.Client
}

// VisitMessage is the published payload.
type VisitMessage struct {
	VisitID   string          `json:"visit_id"`
	Timestamp time.Time       `json:"timestamp"`
	Persons   []PersonSummary `json:"persons"`
}

// PersonSummary is one person within a visit message.
type PersonSummary struct {
	Label       string   `json:"label,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
	Description string   `json:"description,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
}

// NewMQTTNotifier creates an unconnected notifier.
func NewMQTTNotifier(cfg config.MQTTConfig) *MQTTNotifier {
	return &MQTTNotifier{config: cfg}
}

// Start connects to the broker. Disabled configuration is not an error.
func (n *MQTTNotifier) Start() error {
	if !n.config.Enabled {
		log.Info("MQTT notifier is disabled in configuration")
		return nil
	}

	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", n.config.Broker, n.config.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(n.config.ClientID)
	if n.config.Username != "" {
		opts.SetUsername(n.config.Username)
		opts.SetPassword(n.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Errorf("MQTT connection lost: %v", err)
	})

	n.client = mqtt.NewClient(opts)

	log.Infof("Connecting to MQTT broker at %s", brokerURL)
	if token := n.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	log.Info("MQTT notifier connected")
	return nil
}

// NotifyVisit publishes the visit summary. Implements dispatch.Notifier;
// failures are logged and swallowed, a flaky broker must not stall the
// pipeline.
func (n *MQTTNotifier) NotifyVisit(visit *model.Visit, records []model.PersonRecord) {
	if n.client == nil || !n.client.IsConnected() {
		return
	}

	msg := VisitMessage{
		VisitID:   visit.ID,
		Timestamp: visit.Timestamp,
		Persons:   make([]PersonSummary, 0, len(records)),
	}
	for _, rec := range records {
		msg.Persons = append(msg.Persons, PersonSummary{
			Label:       rec.Label,
			Confidence:  rec.ClassConfidence,
			Description: rec.Description,
			ImageURL:    rec.ImageURL,
		})
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("Failed to marshal visit message: %v", err)
		return
	}

	token := n.client.Publish(n.config.Topic, 1, false, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Errorf("Failed to publish visit message: %v", token.Error())
		}
	}()
}

// Stop disconnects from the broker.
func (n *MQTTNotifier) Stop() {
	if n.client != nil && n.client.IsConnected() {
		n.client.Disconnect(250)
		log.Info("MQTT notifier disconnected")
	}
}
