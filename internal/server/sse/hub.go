package sse

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"

	log "github.com/sirupsen/logrus"
)

// Client is a single connected SSE subscriber.
type Client chan []byte

// Hub fans visit events out to all connected SSE clients.
type Hub struct {
	clients    map[Client]bool
	broadcast  chan []byte
	register   chan Client
	unregister chan Client
	mu         sync.Mutex
}

// VisitData is the event payload pushed to subscribers.
type VisitData struct {
	VisitID   string      `json:"visit_id"`
	Timestamp time.Time   `json:"timestamp"`
	Persons   []PersonRow `json:"persons"`
}

// PersonRow is one classified person within a visit event.
type PersonRow struct {
	Label       string   `json:"label,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
	Description string   `json:"description,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
}

// NewHub creates a hub with a buffered broadcast queue.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 100),
		register:   make(chan Client),
		unregister: make(chan Client),
		clients:    make(map[Client]bool),
	}
}

// Run is the hub's processing loop; start it in its own goroutine.
func (h *Hub) Run() {
	log.Info("SSE hub started")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Infof("SSE client registered, total clients: %d", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
				log.Infof("SSE client unregistered, total clients: %d", len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- message:
				default:
					// Channel full or abandoned; drop the client.
					log.Warn("SSE client channel full, removing client")
					delete(h.clients, client)
					close(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client Client) {
	h.unregister <- client
}

// Broadcast queues a raw message for all clients without blocking.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		log.Warn("SSE broadcast channel full, message dropped")
	}
}

// NotifyVisit pushes a processed visit to all clients. Implements
// dispatch.Notifier.
func (h *Hub) NotifyVisit(visit *model.Visit, records []model.PersonRecord) {
	data := VisitData{
		VisitID:   visit.ID,
		Timestamp: visit.Timestamp,
		Persons:   make([]PersonRow, 0, len(records)),
	}
	for _, rec := range records {
		data.Persons = append(data.Persons, PersonRow{
			Label:       rec.Label,
			Confidence:  rec.ClassConfidence,
			Description: rec.Description,
			ImageURL:    rec.ImageURL,
		})
	}

	payload, err := json.Marshal(data)
	if err != nil {
		log.Errorf("Failed to marshal visit data for SSE: %v", err)
		return
	}
	h.Broadcast(payload)
}
