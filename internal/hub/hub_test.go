package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/domain"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func receive(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case data := <-c.Send:
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestHub_DeltasByTile(t *testing.T) {
	h := startHub(t)

	tile := TileID(52.23, 21.01, 14)
	inTile := NewClient("a", 8)
	elsewhere := NewClient("b", 8)
	h.Register(inTile)
	h.Register(elsewhere)
	h.Subscribe(inTile, []string{tile})
	h.Subscribe(elsewhere, []string{"14/0/0"})

	sample := &domain.PositionSample{VehicleID: "bus-1", Coordinate: domain.Coordinate{Lat: 52.23, Lon: 21.01}}
	h.Broadcast([]domain.PositionDelta{
		{Type: domain.DeltaUpdate, Sample: sample, TileID: tile},
		{Type: domain.DeltaRemove, Key: "bus-2", TileID: tile},
	})

	msg := receive(t, inTile)
	assert.Equal(t, "delta", msg["type"])
	payload := msg["payload"].(map[string]any)
	assert.Len(t, payload["updates"], 1)
	assert.Equal(t, []any{"bus-2"}, payload["removes"])

	assert.Empty(t, elsewhere.Send)
}

func TestHub_AlertsToOptedInClients(t *testing.T) {
	h := startHub(t)

	listener := NewClient("a", 8)
	quiet := NewClient("b", 8)
	h.Register(listener)
	h.Register(quiet)
	h.SetAlerts(listener, true)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	err := h.Notify(context.Background(), domain.Alert{Kind: domain.AlertOffRoute, TripID: "trip-1", DistanceMeters: 620})
	require.NoError(t, err)

	msg := receive(t, listener)
	assert.Equal(t, "alert", msg["type"])
	assert.Equal(t, "off_route", msg["payload"].(map[string]any)["kind"])

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, quiet.Send)
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	h := startHub(t)

	c := NewClient("a", 1)
	h.Register(c)
	h.Subscribe(c, []string{"14/1/1"})
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	h.Unregister(c)

	select {
	case _, ok := <-c.Send:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("send channel not closed")
	}
	assert.Equal(t, 0, h.ClientCount())
}

func TestTiles(t *testing.T) {
	tile := TileID(52.23, 21.01, 14)
	z, _, _, ok := ParseTileID(tile)
	require.True(t, ok)
	assert.Equal(t, 14, z)

	around := TilesAround(52.23, 21.01, 14)
	assert.Len(t, around, 9)
	assert.Contains(t, around, tile)

	bbox := TilesInBBox(domain.BoundingBox{MinLat: 52.22, MaxLat: 52.24, MinLon: 21.00, MaxLon: 21.02}, 14)
	assert.Contains(t, bbox, tile)

	edge := TilesAround(85, -180, 2)
	assert.Len(t, edge, 4)
}

func TestParseTileID_Invalid(t *testing.T) {
	_, _, _, ok := ParseTileID("not-a-tile")
	assert.False(t, ok)
}

func TestHub_SendAfterShutdown(t *testing.T) {
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	c := NewClient("a", 4)
	h.Register(c)
	assert.True(t, h.Send(c, []byte(`{"type":"pong"}`)))
	<-c.Send

	cancel()
	<-done

	_, ok := <-c.Send
	assert.False(t, ok)

	assert.NotPanics(t, func() {
		assert.False(t, h.Send(c, []byte(`{"type":"pong"}`)))
		h.Subscribe(c, []string{"14/1/1"})
		h.Unregister(c)
		h.Unregister(c)
	})

	late := NewClient("b", 4)
	h.Register(late)
	_, ok = <-late.Send
	assert.False(t, ok)
	assert.Equal(t, 0, h.ClientCount())
}

func TestHub_SendToUnregisteredClient(t *testing.T) {
	h := startHub(t)

	c := NewClient("a", 1)
	assert.False(t, h.Send(c, []byte("x")))

	h.Register(c)
	assert.True(t, h.Send(c, []byte("x")))
	assert.False(t, h.Send(c, []byte("y")))
}
