package gtfsrt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"fleettrack/internal/domain"
)

// ErrUnauthorized is returned when the feed rejects the API key.
var ErrUnauthorized = errors.New("feed access denied")

type Client struct {
	feedURL    string
	apiKey     string
	httpClient *http.Client
}

func New(feedURL, apiKey string) *Client {
	return &Client{
		feedURL: feedURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Fetch downloads the VehiclePositions feed and returns one sample per
// vehicle entity that carries a position.
func (c *Client) Fetch(ctx context.Context) ([]domain.PositionSample, error) {
	reqURL := c.feedURL
	if c.apiKey != "" {
		u, err := url.Parse(c.feedURL)
		if err != nil {
			return nil, fmt.Errorf("parsing feed url: %w", err)
		}
		q := u.Query()
		q.Set("apikey", c.apiKey)
		u.RawQuery = q.Encode()
		reqURL = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/x-protobuf")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return Decode(body, time.Now())
}

// Decode parses a GTFS-Realtime FeedMessage. Entities without a timestamp
// fall back to the header timestamp and then to now.
func Decode(data []byte, now time.Time) ([]domain.PositionSample, error) {
	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(data, &fm); err != nil {
		return nil, fmt.Errorf("decoding feed: %w", err)
	}

	fallback := now
	if ts := fm.GetHeader().GetTimestamp(); ts > 0 {
		fallback = time.Unix(int64(ts), 0)
	}

	result := make([]domain.PositionSample, 0, len(fm.GetEntity()))
	for _, e := range fm.GetEntity() {
		vp := e.GetVehicle()
		if vp == nil || vp.GetPosition() == nil {
			continue
		}

		id := vp.GetVehicle().GetId()
		if id == "" {
			id = e.GetId()
		}
		if id == "" {
			continue
		}

		pos := vp.GetPosition()
		sample := domain.PositionSample{
			VehicleID: id,
			Coordinate: domain.Coordinate{
				Lat: float64(pos.GetLatitude()),
				Lon: float64(pos.GetLongitude()),
			},
			Heading:   domain.HeadingUnknown,
			Speed:     float64(pos.GetSpeed()),
			Timestamp: fallback,
		}
		if pos.Bearing != nil {
			sample.Heading = float64(pos.GetBearing())
		}
		if ts := vp.GetTimestamp(); ts > 0 {
			sample.Timestamp = time.Unix(int64(ts), 0)
		}

		result = append(result, sample)
	}

	return result, nil
}
