package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"

	"github.com/tlammers/skyfeed/internal/domain"
)

// NeoFeedAdapter retrieves the near-earth-object feed for a single day.
type NeoFeedAdapter struct {
	client  *Client
	baseURL string
}

func NewNeoFeedAdapter(client *Client, baseURL string) *NeoFeedAdapter {
	return &NeoFeedAdapter{client: client, baseURL: baseURL}
}

func (a *NeoFeedAdapter) Source() domain.SourceType { return domain.SourceNearObjects }

type neoFeedResponse struct {
	ElementCount int `json:"element_count"`
	NearObjects  map[string][]struct {
		ID                string `json:"id"`
		Name              string `json:"name"`
		Hazardous         bool   `json:"is_potentially_hazardous_asteroid"`
		EstimatedDiameter struct {
			Meters struct {
				Min float64 `json:"estimated_diameter_min"`
				Max float64 `json:"estimated_diameter_max"`
			} `json:"meters"`
		} `json:"estimated_diameter"`
		CloseApproaches []struct {
			FullDate     string `json:"close_approach_date_full"`
			MissDistance struct {
				Kilometers string `json:"kilometers"`
			} `json:"miss_distance"`
			RelativeVelocity struct {
				KilometersPerHour string `json:"kilometers_per_hour"`
			} `json:"relative_velocity"`
		} `json:"close_approach_data"`
	} `json:"near_earth_objects"`
}

type nearObject struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Hazardous        bool    `json:"hazardous"`
	DiameterMinM     float64 `json:"diameterMinMeters"`
	DiameterMaxM     float64 `json:"diameterMaxMeters"`
	CloseApproachAt  string  `json:"closeApproachAt,omitempty"`
	MissDistanceKm   string  `json:"missDistanceKm,omitempty"`
	RelativeSpeedKph string  `json:"relativeSpeedKph,omitempty"`
}

type nearObjectFeed struct {
	Date         string       `json:"date"`
	ElementCount int          `json:"elementCount"`
	Objects      []nearObject `json:"objects"`
}

func (a *NeoFeedAdapter) Fetch(ctx context.Context, params map[string]string) (domain.Payload, error) {
	date := params["date"]
	if date == "" {
		date = a.client.clock.Now().UTC().Format("2006-01-02")
	}

	values := a.client.withKey(url.Values{})
	values.Set("start_date", date)
	values.Set("end_date", date)

	body, err := a.client.getJSON(ctx, a.Source(), a.baseURL+"/neo/rest/v1/feed?"+values.Encode())
	if err != nil {
		return domain.Payload{}, err
	}

	var resp neoFeedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Payload{}, &domain.UpstreamError{Source: a.Source(), Err: fmt.Errorf("decode response: %w", err)}
	}

	feed := nearObjectFeed{Date: date, ElementCount: resp.ElementCount, Objects: []nearObject{}}
	for _, objects := range resp.NearObjects {
		for _, o := range objects {
			no := nearObject{
				ID:           o.ID,
				Name:         o.Name,
				Hazardous:    o.Hazardous,
				DiameterMinM: o.EstimatedDiameter.Meters.Min,
				DiameterMaxM: o.EstimatedDiameter.Meters.Max,
			}
			if len(o.CloseApproaches) > 0 {
				ca := o.CloseApproaches[0]
				no.CloseApproachAt = ca.FullDate
				no.MissDistanceKm = ca.MissDistance.Kilometers
				no.RelativeSpeedKph = ca.RelativeVelocity.KilometersPerHour
			}
			feed.Objects = append(feed.Objects, no)
		}
	}
	sort.Slice(feed.Objects, func(i, j int) bool { return feed.Objects[i].ID < feed.Objects[j].ID })

	normalized, err := json.Marshal(feed)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("marshal near-object feed: %w", err)
	}
	return domain.Payload{Body: normalized, ContentType: "application/json"}, nil
}
