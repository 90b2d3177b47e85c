package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/tlammers/skyfeed/internal/domain"
)

// APODAdapter retrieves the astronomy picture of the day.
type APODAdapter struct {
	client  *Client
	baseURL string
}

func NewAPODAdapter(client *Client, baseURL string) *APODAdapter {
	return &APODAdapter{client: client, baseURL: baseURL}
}

func (a *APODAdapter) Source() domain.SourceType { return domain.SourceDailyImage }

type apodResponse struct {
	Date        string `json:"date"`
	Title       string `json:"title"`
	Explanation string `json:"explanation"`
	URL         string `json:"url"`
	HDURL       string `json:"hdurl"`
	MediaType   string `json:"media_type"`
	Copyright   string `json:"copyright"`
}

type dailyImage struct {
	Date        string `json:"date"`
	Title       string `json:"title"`
	Explanation string `json:"explanation"`
	URL         string `json:"url"`
	HDURL       string `json:"hdUrl,omitempty"`
	MediaType   string `json:"mediaType"`
	Copyright   string `json:"copyright,omitempty"`
}

func (a *APODAdapter) Fetch(ctx context.Context, params map[string]string) (domain.Payload, error) {
	values := a.client.withKey(url.Values{})
	if date := params["date"]; date != "" {
		values.Set("date", date)
	}

	body, err := a.client.getJSON(ctx, a.Source(), a.baseURL+"/planetary/apod?"+values.Encode())
	if err != nil {
		return domain.Payload{}, err
	}

	var resp apodResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Payload{}, &domain.UpstreamError{Source: a.Source(), Err: fmt.Errorf("decode response: %w", err)}
	}

	normalized, err := json.Marshal(dailyImage{
		Date:        resp.Date,
		Title:       resp.Title,
		Explanation: resp.Explanation,
		URL:         resp.URL,
		HDURL:       resp.HDURL,
		MediaType:   resp.MediaType,
		Copyright:   resp.Copyright,
	})
	if err != nil {
		return domain.Payload{}, fmt.Errorf("marshal daily image: %w", err)
	}
	return domain.Payload{Body: normalized, ContentType: "application/json"}, nil
}
