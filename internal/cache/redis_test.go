package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	err    error
	closed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{values: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeClient) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeClient) Ping(context.Context) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewStatusResult("PONG", f.err)
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

type doc struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func TestGzipRoundTrip(t *testing.T) {
	in := []byte(`{"name":"depot","items":["a","b","c","a","b","c"]}`)

	compressed, err := gzipCompress(in)
	require.NoError(t, err)
	assert.NotEqual(t, in, compressed)

	out, err := gzipDecompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = gzipDecompress([]byte("not gzip"))
	assert.Error(t, err)
}

func TestRedisCache_JSON(t *testing.T) {
	client := newFakeClient()
	c := NewWithClient(client, "test:", slog.Default())
	ctx := context.Background()

	require.NoError(t, c.SetJSON(ctx, "doc", doc{Name: "depot", Items: []string{"a"}}, time.Minute))
	assert.Contains(t, client.values, "test:doc")
	assert.Equal(t, time.Minute, client.ttls["test:doc"])
	assert.JSONEq(t, `{"name":"depot","items":["a"]}`, client.values["test:doc"])

	var got doc
	found, err := c.GetJSON(ctx, "doc", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "depot", got.Name)
}

func TestRedisCache_Compressed(t *testing.T) {
	client := newFakeClient()
	c := NewWithClient(client, "test:", slog.Default())
	ctx := context.Background()

	want := doc{Name: "trail", Items: []string{"x", "y", "z"}}
	require.NoError(t, c.SetJSONCompressed(ctx, "snap", want, time.Hour))

	raw, err := gzipDecompress([]byte(client.values["test:snap"]))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"trail","items":["x","y","z"]}`, string(raw))

	var got doc
	found, err := c.GetJSONCompressed(ctx, "snap", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)

	client.values["test:plain"] = `{"name":"x"}`
	_, err = c.GetJSONCompressed(ctx, "plain", &got)
	assert.Error(t, err)
}

func TestRedisCache_Miss(t *testing.T) {
	c := NewWithClient(newFakeClient(), "test:", slog.Default())
	ctx := context.Background()

	var got doc
	found, err := c.GetJSON(ctx, "absent", &got)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = c.GetJSONCompressed(ctx, "absent", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_Errors(t *testing.T) {
	client := newFakeClient()
	c := NewWithClient(client, "test:", slog.Default())
	ctx := context.Background()

	assert.Error(t, c.SetJSON(ctx, "bad", make(chan int), 0))

	client.values["test:garbled"] = "{"
	var got doc
	_, err := c.GetJSON(ctx, "garbled", &got)
	assert.Error(t, err)

	client.err = errors.New("connection refused")
	assert.ErrorIs(t, c.SetJSON(ctx, "doc", doc{}, 0), client.err)
	_, err = c.GetJSON(ctx, "doc", &got)
	assert.ErrorIs(t, err, client.err)
	assert.ErrorIs(t, c.Ping(ctx), client.err)

	require.NoError(t, c.Close())
	assert.True(t, client.closed)
}
