package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"fleettrack/internal/domain"
	"fleettrack/internal/hub"
	"fleettrack/internal/store"
)

type WSHandler struct {
	hub    *hub.Hub
	store  *store.Store
	zoom   int
	logger *slog.Logger
}

func NewWSHandler(h *hub.Hub, s *store.Store, zoom int, logger *slog.Logger) *WSHandler {
	return &WSHandler{hub: h, store: s, zoom: zoom, logger: logger.With("handler", "websocket")}
}

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload selects tiles directly, by bounding box, or around a
// point. Alerts opts in to alert messages.
type SubscribePayload struct {
	TileIDs []string            `json:"tileIds"`
	BBox    *domain.BoundingBox `json:"bbox,omitempty"`
	Near    *domain.Coordinate  `json:"near,omitempty"`
	Alerts  bool                `json:"alerts"`
}

type UnsubscribePayload struct {
	TileIDs []string `json:"tileIds"`
	Alerts  bool     `json:"alerts"`
}

type SnapshotMessage struct {
	Type    string          `json:"type"`
	Payload SnapshotPayload `json:"payload"`
}

type SnapshotPayload struct {
	Vehicles []domain.PositionSample `json:"vehicles"`
}

type PongMessage struct {
	Type string `json:"type"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	clientID := uuid.New().String()
	client := hub.NewClient(clientID, 256)

	h.hub.Register(client)
	ServerStats.IncWSConnections()
	defer ServerStats.DecWSConnections()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}
		ServerStats.IncWSMessagesIn()

		if msgType != websocket.MessageText {
			continue
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid message format", "client_id", client.ID, "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			var payload SubscribePayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			if payload.Alerts {
				h.hub.SetAlerts(client, true)
			}
			tiles := h.resolveTiles(payload)
			if len(tiles) > 0 {
				h.hub.Subscribe(client, tiles)
				h.sendSnapshot(client, tiles)
			}

		case "unsubscribe":
			var payload UnsubscribePayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			if payload.Alerts {
				h.hub.SetAlerts(client, false)
			}
			if len(payload.TileIDs) > 0 {
				h.hub.Unsubscribe(client, payload.TileIDs)
			}

		case "ping":
			h.sendPong(client)
		}
	}
}

func (h *WSHandler) resolveTiles(p SubscribePayload) []string {
	tiles := append([]string(nil), p.TileIDs...)
	if p.BBox != nil {
		tiles = append(tiles, hub.TilesInBBox(*p.BBox, h.zoom)...)
	}
	if p.Near != nil && p.Near.Valid() {
		tiles = append(tiles, hub.TilesAround(p.Near.Lat, p.Near.Lon, h.zoom)...)
	}
	return tiles
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
			ServerStats.IncWSMessagesOut()

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) sendSnapshot(client *hub.Client, tileIDs []string) {
	vehicles := h.store.SnapshotForTiles(tileIDs)
	if vehicles == nil {
		vehicles = []domain.PositionSample{}
	}

	data, err := json.Marshal(SnapshotMessage{
		Type:    "snapshot",
		Payload: SnapshotPayload{Vehicles: vehicles},
	})
	if err != nil {
		return
	}

	if !h.hub.Send(client, data) {
		h.logger.Debug("snapshot not delivered", "client_id", client.ID)
	}
}

func (h *WSHandler) sendPong(client *hub.Client) {
	data, err := json.Marshal(PongMessage{Type: "pong"})
	if err != nil {
		return
	}

	h.hub.Send(client, data)
}
