package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Push posts events to an HTTP push provider. With FCM set, the event is
// wrapped in an FCM HTTP v1 message addressed to the driver's topic.
type Push struct {
	Endpoint string
	Key      string
	FCM      bool
	Client   *http.Client
}

func NewPush(endpoint, key string, fcm bool) *Push {
	return &Push{Endpoint: endpoint, Key: key, FCM: fcm, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *Push) body(ev Event) any {
	if !p.FCM {
		return ev
	}
	topic := "rider-" + ev.RiderID
	if ev.DriverID != "" && ev.Type == EventAssigned {
		topic = "driver-" + ev.DriverID
	}
	return map[string]any{
		"message": map[string]any{
			"topic": topic,
			"data": map[string]string{
				"type":    string(ev.Type),
				"ride_id": ev.RideID,
				"state":   string(ev.State),
			},
		},
	}
}

func (p *Push) Notify(ctx context.Context, ev Event) error {
	b, err := json.Marshal(p.body(ev))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push %s: status %d", p.Endpoint, resp.StatusCode)
	}
	return nil
}
