package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/tlammers/skyfeed/internal/domain"
)

const alertBodyLimit = 2000

// SpaceWeatherAdapter retrieves current space-weather notifications.
type SpaceWeatherAdapter struct {
	client  *Client
	baseURL string
}

func NewSpaceWeatherAdapter(client *Client, baseURL string) *SpaceWeatherAdapter {
	return &SpaceWeatherAdapter{client: client, baseURL: baseURL}
}

func (a *SpaceWeatherAdapter) Source() domain.SourceType { return domain.SourceSpaceWeather }

type donkiNotification struct {
	MessageType      string `json:"messageType"`
	MessageID        string `json:"messageID"`
	MessageURL       string `json:"messageURL"`
	MessageIssueTime string `json:"messageIssueTime"`
	MessageBody      string `json:"messageBody"`
}

type spaceWeatherAlert struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	IssueTime string `json:"issueTime"`
	URL       string `json:"url,omitempty"`
	Body      string `json:"body,omitempty"`
}

type spaceWeatherAlerts struct {
	WindowStart string              `json:"windowStart"`
	WindowEnd   string              `json:"windowEnd"`
	Alerts      []spaceWeatherAlert `json:"alerts"`
}

func (a *SpaceWeatherAdapter) Fetch(ctx context.Context, params map[string]string) (domain.Payload, error) {
	now := a.client.clock.Now().UTC()
	end := now.Format("2006-01-02")
	start := now.AddDate(0, 0, -7).Format("2006-01-02")
	if s := params["startDate"]; s != "" {
		start = s
	}
	if e := params["endDate"]; e != "" {
		end = e
	}

	notifType := params["type"]
	if notifType == "" {
		notifType = "all"
	}

	values := a.client.withKey(url.Values{})
	values.Set("startDate", start)
	values.Set("endDate", end)
	values.Set("type", notifType)

	body, err := a.client.getJSON(ctx, a.Source(), a.baseURL+"/DONKI/notifications?"+values.Encode())
	if err != nil {
		return domain.Payload{}, err
	}

	var notifications []donkiNotification
	if err := json.Unmarshal(body, &notifications); err != nil {
		return domain.Payload{}, &domain.UpstreamError{Source: a.Source(), Err: fmt.Errorf("decode response: %w", err)}
	}

	alerts := spaceWeatherAlerts{WindowStart: start, WindowEnd: end, Alerts: []spaceWeatherAlert{}}
	for _, n := range notifications {
		alert := spaceWeatherAlert{
			ID:        n.MessageID,
			Type:      n.MessageType,
			IssueTime: n.MessageIssueTime,
			URL:       n.MessageURL,
			Body:      n.MessageBody,
		}
		if len(alert.Body) > alertBodyLimit {
			alert.Body = alert.Body[:alertBodyLimit]
		}
		alerts.Alerts = append(alerts.Alerts, alert)
	}

	normalized, err := json.Marshal(alerts)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("marshal space-weather alerts: %w", err)
	}
	return domain.Payload{Body: normalized, ContentType: "application/json"}, nil
}
