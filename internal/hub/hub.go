package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"buseta/internal/domain"
	"buseta/internal/metrics"
)

type Client struct {
	ID    string
	Send  chan []byte
	stops map[string]struct{}
	mu    sync.RWMutex
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:    id,
		Send:  make(chan []byte, bufferSize),
		stops: make(map[string]struct{}),
	}
}

func (c *Client) Watches(stopID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.stops[stopID]
	return ok
}

func (c *Client) addStops(stopIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range stopIDs {
		c.stops[id] = struct{}{}
	}
}

func (c *Client) removeStops(stopIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range stopIDs {
		delete(c.stops, id)
	}
}

func (c *Client) Stops() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stops := make([]string, 0, len(c.stops))
	for id := range c.stops {
		stops = append(stops, id)
	}
	return stops
}

// Update is an ETA or arrival change for one stop.
type Update struct {
	StopID  string
	ETA     *domain.ETA
	Arrival *domain.StopArrival
}

// Hub fans ETA and arrival updates out to websocket clients watching the
// affected stop.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	stopClients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan Update

	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger, m *metrics.Collector) *Hub {
	return &Hub{
		clients:     make(map[*Client]struct{}),
		stopClients: make(map[string]map[*Client]struct{}),
		register:    make(chan *Client, 16),
		unregister:  make(chan *Client, 16),
		broadcast:   make(chan Update, 256),
		metrics:     m,
		logger:      logger.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetWSClients(total)
			h.logger.Debug("client registered", "client_id", client.ID, "total", total)

		case client := <-h.unregister:
			h.removeClient(client)

		case u := <-h.broadcast:
			h.fanout(u)
		}
	}
}

func (h *Hub) Subscribe(client *Client, stopIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.addStops(stopIDs)

	for _, stopID := range stopIDs {
		if h.stopClients[stopID] == nil {
			h.stopClients[stopID] = make(map[*Client]struct{})
		}
		h.stopClients[stopID][client] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(client *Client, stopIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.removeStops(stopIDs)
	h.detach(client, stopIDs)
}

func (h *Hub) detach(client *Client, stopIDs []string) {
	for _, stopID := range stopIDs {
		if h.stopClients[stopID] != nil {
			delete(h.stopClients[stopID], client)
			if len(h.stopClients[stopID]) == 0 {
				delete(h.stopClients, stopID)
			}
		}
	}
}

func (h *Hub) BroadcastETA(e *domain.ETA) {
	h.Broadcast(Update{StopID: e.StopID, ETA: e})
}

func (h *Hub) BroadcastArrival(a *domain.StopArrival) {
	h.Broadcast(Update{StopID: a.StopID, Arrival: a})
}

// Broadcast queues an update without blocking. Updates are dropped when
// the queue is full.
func (h *Hub) Broadcast(u Update) {
	select {
	case h.broadcast <- u:
	default:
		h.logger.Warn("broadcast channel full, dropping update", "stop_id", u.StopID)
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func buildMessage(u Update) Message {
	if u.Arrival != nil {
		return Message{Type: "arrival", Payload: u.Arrival}
	}
	return Message{Type: "eta", Payload: u.ETA}
}

func (h *Hub) fanout(u Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.stopClients[u.StopID]
	if !ok {
		return
	}

	data, err := json.Marshal(buildMessage(u))
	if err != nil {
		h.logger.Error("failed to encode update", "stop_id", u.StopID, "error", err)
		return
	}

	for client := range clients {
		select {
		case client.Send <- data:
		default:
			h.logger.Debug("client send buffer full", "client_id", client.ID)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	h.detach(client, client.Stops())
	delete(h.clients, client)
	close(client.Send)
	h.metrics.SetWSClients(len(h.clients))
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", len(h.clients))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[*Client]struct{})
	h.stopClients = make(map[string]map[*Client]struct{})
	h.metrics.SetWSClients(0)
}
