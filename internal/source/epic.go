package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/tlammers/skyfeed/internal/domain"
)

// EarthImageryAdapter retrieves the latest full-disc earth imagery set.
type EarthImageryAdapter struct {
	client  *Client
	baseURL string
}

func NewEarthImageryAdapter(client *Client, baseURL string) *EarthImageryAdapter {
	return &EarthImageryAdapter{client: client, baseURL: baseURL}
}

func (a *EarthImageryAdapter) Source() domain.SourceType { return domain.SourceEarthImagery }

type epicEntry struct {
	Identifier string `json:"identifier"`
	Image      string `json:"image"`
	Caption    string `json:"caption"`
	Date       string `json:"date"`
	Centroid   struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"centroid_coordinates"`
}

type earthImage struct {
	Identifier string  `json:"identifier"`
	Caption    string  `json:"caption"`
	Date       string  `json:"date"`
	ImageURL   string  `json:"imageUrl"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

type earthImagerySet struct {
	Images []earthImage `json:"images"`
}

func (a *EarthImageryAdapter) Fetch(ctx context.Context, params map[string]string) (domain.Payload, error) {
	endpoint := a.baseURL + "/EPIC/api/natural"
	if date := params["date"]; date != "" {
		endpoint += "/date/" + url.PathEscape(date)
	}
	endpoint += "?" + a.client.withKey(url.Values{}).Encode()

	body, err := a.client.getJSON(ctx, a.Source(), endpoint)
	if err != nil {
		return domain.Payload{}, err
	}

	var entries []epicEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return domain.Payload{}, &domain.UpstreamError{Source: a.Source(), Err: fmt.Errorf("decode response: %w", err)}
	}

	set := earthImagerySet{Images: []earthImage{}}
	for _, e := range entries {
		set.Images = append(set.Images, earthImage{
			Identifier: e.Identifier,
			Caption:    e.Caption,
			Date:       e.Date,
			ImageURL:   a.archiveURL(e),
			Lat:        e.Centroid.Lat,
			Lon:        e.Centroid.Lon,
		})
	}

	normalized, err := json.Marshal(set)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("marshal earth imagery: %w", err)
	}
	return domain.Payload{Body: normalized, ContentType: "application/json"}, nil
}

// archiveURL builds the PNG archive location from the entry date
// ("2006-01-02 15:04:05") and image name.
func (a *EarthImageryAdapter) archiveURL(e epicEntry) string {
	datePart, _, _ := strings.Cut(e.Date, " ")
	parts := strings.Split(datePart, "-")
	if len(parts) != 3 {
		return ""
	}
	values := a.client.withKey(url.Values{})
	return fmt.Sprintf("%s/EPIC/archive/natural/%s/%s/%s/png/%s.png?%s",
		a.baseURL, parts[0], parts[1], parts[2], e.Image, values.Encode())
}
