package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"fleettrack/internal/domain"
)

// ErrBacklog is returned by Notify when the alert queue is full.
var ErrBacklog = errors.New("hub alert queue full")

type Client struct {
	ID     string
	Send   chan []byte
	tiles  map[string]struct{}
	alerts bool
	mu     sync.RWMutex
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:    id,
		Send:  make(chan []byte, bufferSize),
		tiles: make(map[string]struct{}),
	}
}

func (c *Client) HasTile(tileID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tiles[tileID]
	return ok
}

func (c *Client) AddTiles(tileIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range tileIDs {
		c.tiles[id] = struct{}{}
	}
}

func (c *Client) RemoveTiles(tileIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range tileIDs {
		delete(c.tiles, id)
	}
}

func (c *Client) GetTiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tiles := make([]string, 0, len(c.tiles))
	for id := range c.tiles {
		tiles = append(tiles, id)
	}
	return tiles
}

func (c *Client) WantsAlerts() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alerts
}

// Hub fans position deltas out to clients by map tile and alerts to every
// client that opted in.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	tileClients map[string]map[*Client]struct{}
	// stopped is set once Run returns; Send channels are closed only under
	// mu, so a client found in clients always has an open channel.
	stopped     bool

	broadcast chan []domain.PositionDelta
	alerts    chan domain.Alert

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]struct{}),
		tileClients: make(map[string]map[*Client]struct{}),
		broadcast:   make(chan []domain.PositionDelta, 256),
		alerts:      make(chan domain.Alert, 64),
		logger:      logger.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case deltas := <-h.broadcast:
			h.fanoutDeltas(deltas)

		case alert := <-h.alerts:
			h.fanoutAlert(alert)
		}
	}
}

func (h *Hub) Subscribe(client *Client, tileIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	client.AddTiles(tileIDs)

	for _, tileID := range tileIDs {
		if h.tileClients[tileID] == nil {
			h.tileClients[tileID] = make(map[*Client]struct{})
		}
		h.tileClients[tileID][client] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(client *Client, tileIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.RemoveTiles(tileIDs)

	for _, tileID := range tileIDs {
		if h.tileClients[tileID] != nil {
			delete(h.tileClients[tileID], client)
			if len(h.tileClients[tileID]) == 0 {
				delete(h.tileClients, tileID)
			}
		}
	}
}

// SetAlerts toggles alert delivery for a client.
func (h *Hub) SetAlerts(client *Client, enabled bool) {
	client.mu.Lock()
	client.alerts = enabled
	client.mu.Unlock()
}

func (h *Hub) Broadcast(deltas []domain.PositionDelta) {
	if len(deltas) == 0 {
		return
	}
	select {
	case h.broadcast <- deltas:
	default:
		h.logger.Warn("broadcast channel full, dropping deltas", "count", len(deltas))
	}
}

// Notify queues an alert for websocket delivery.
func (h *Hub) Notify(_ context.Context, alert domain.Alert) error {
	select {
	case h.alerts <- alert:
		return nil
	default:
		return ErrBacklog
	}
}

// Register adds a client. After Run has returned the client's Send channel
// is closed immediately.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		close(client.Send)
		return
	}
	h.clients[client] = struct{}{}
	h.logger.Debug("client registered", "client_id", client.ID, "total", len(h.clients))
}

// Unregister removes a client and closes its Send channel. It is safe to
// call more than once.
func (h *Hub) Unregister(client *Client) {
	h.removeClient(client)
}

// Send queues data for one client without blocking. It reports false when
// the client is gone or its buffer is full.
func (h *Hub) Send(client *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.clients[client]; !ok {
		return false
	}
	return h.deliverLocked(client, data)
}

func (h *Hub) deliverLocked(client *Client, data []byte) bool {
	select {
	case client.Send <- data:
		return true
	default:
		h.logger.Debug("client send buffer full", "client_id", client.ID)
		return false
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type DeltaMessage struct {
	Type    string       `json:"type"`
	Payload DeltaPayload `json:"payload"`
}

type DeltaPayload struct {
	Updates []*domain.PositionSample `json:"updates,omitempty"`
	Removes []string                 `json:"removes,omitempty"`
}

type AlertMessage struct {
	Type    string       `json:"type"`
	Payload domain.Alert `json:"payload"`
}

func (h *Hub) fanoutDeltas(deltas []domain.PositionDelta) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clientDeltas := make(map[*Client][]domain.PositionDelta)

	for _, d := range deltas {
		if clients, ok := h.tileClients[d.TileID]; ok {
			for client := range clients {
				clientDeltas[client] = append(clientDeltas[client], d)
			}
		}
	}

	for client, ds := range clientDeltas {
		data, err := json.Marshal(buildDeltaMessage(ds))
		if err != nil {
			continue
		}

		h.deliverLocked(client, data)
	}
}

func (h *Hub) fanoutAlert(alert domain.Alert) {
	data, err := json.Marshal(AlertMessage{Type: "alert", Payload: alert})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.WantsAlerts() {
			continue
		}
		h.deliverLocked(client, data)
	}
}

func buildDeltaMessage(deltas []domain.PositionDelta) DeltaMessage {
	var updates []*domain.PositionSample
	var removes []string

	for _, d := range deltas {
		switch d.Type {
		case domain.DeltaUpdate:
			updates = append(updates, d.Sample)
		case domain.DeltaRemove:
			removes = append(removes, d.Key)
		}
	}

	return DeltaMessage{
		Type: "delta",
		Payload: DeltaPayload{
			Updates: updates,
			Removes: removes,
		},
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	for _, tileID := range client.GetTiles() {
		if h.tileClients[tileID] != nil {
			delete(h.tileClients[tileID], client)
			if len(h.tileClients[tileID]) == 0 {
				delete(h.tileClients, tileID)
			}
		}
	}

	delete(h.clients, client)
	close(client.Send)
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", len(h.clients))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	for client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[*Client]struct{})
	h.tileClients = make(map[string]map[*Client]struct{})
}
