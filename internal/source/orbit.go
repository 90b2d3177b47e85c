package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tlammers/skyfeed/internal/domain"
)

// The ISS is the only tracked satellite; the discriminator stays "current"
// so every subscriber shares one topic.
const issSatelliteID = "25544"

// OrbitAdapter retrieves the current orbital position of the station.
type OrbitAdapter struct {
	client  *Client
	baseURL string
}

func NewOrbitAdapter(client *Client, baseURL string) *OrbitAdapter {
	return &OrbitAdapter{client: client, baseURL: baseURL}
}

func (a *OrbitAdapter) Source() domain.SourceType { return domain.SourceOrbitPosition }

type orbitResponse struct {
	Name       string  `json:"name"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Altitude   float64 `json:"altitude"`
	Velocity   float64 `json:"velocity"`
	Visibility string  `json:"visibility"`
	Timestamp  int64   `json:"timestamp"`
}

type orbitPosition struct {
	Satellite   string  `json:"satellite"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	AltitudeKm  float64 `json:"altitudeKm"`
	VelocityKph float64 `json:"velocityKph"`
	Visibility  string  `json:"visibility,omitempty"`
	Timestamp   int64   `json:"timestamp"`
}

func (a *OrbitAdapter) Fetch(ctx context.Context, params map[string]string) (domain.Payload, error) {
	satellite := params["satellite"]
	if satellite == "" {
		satellite = issSatelliteID
	}

	body, err := a.client.getJSON(ctx, a.Source(), a.baseURL+"/v1/satellites/"+satellite)
	if err != nil {
		return domain.Payload{}, err
	}

	var resp orbitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Payload{}, &domain.UpstreamError{Source: a.Source(), Err: fmt.Errorf("decode response: %w", err)}
	}

	normalized, err := json.Marshal(orbitPosition{
		Satellite:   resp.Name,
		Latitude:    resp.Latitude,
		Longitude:   resp.Longitude,
		AltitudeKm:  resp.Altitude,
		VelocityKph: resp.Velocity,
		Visibility:  resp.Visibility,
		Timestamp:   resp.Timestamp,
	})
	if err != nil {
		return domain.Payload{}, fmt.Errorf("marshal orbit position: %w", err)
	}
	return domain.Payload{Body: normalized, ContentType: "application/json"}, nil
}
