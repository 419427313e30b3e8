package db

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/farebox-data/occupancy.report/internal/httputil"
	"github.com/farebox-data/occupancy.report/internal/version"
)

// BackendClient delivers trip events to the fleet backend over HTTP.
// Deliveries are idempotent: the event id rides along as the
// Idempotency-Key header, so replays after a crash or timeout are safe.
type BackendClient struct {
	BaseURL         string
	Client          httputil.HTTPClient
	DeliveryTimeout time.Duration
	ProbeTimeout    time.Duration
}

// NewBackendClient creates a BackendClient for the given base URL.
func NewBackendClient(baseURL string, client httputil.HTTPClient) *BackendClient {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &BackendClient{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		Client:          client,
		DeliveryTimeout: 10 * time.Second,
		ProbeTimeout:    3 * time.Second,
	}
}

// PermanentDeliveryError marks a rejection that retrying cannot fix
// (backend rejected the event body). The worker abandons such events
// instead of backing off.
type PermanentDeliveryError struct {
	StatusCode int
	Body       string
}

func (e *PermanentDeliveryError) Error() string {
	return fmt.Sprintf("backend rejected event: status %d: %s", e.StatusCode, e.Body)
}

// DeliverEvent POSTs one trip event to the backend. nil means acked:
// either a 2xx or a 409, which the backend uses to signal it has already
// seen this idempotency key.
func (c *BackendClient) DeliverEvent(ctx context.Context, ev QueuedEvent) error {
	ctx, cancel := context.WithTimeout(ctx, c.DeliveryTimeout)
	defer cancel()

	payload, err := json.Marshal(ev.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.EventID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/v1/trip-events", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.EventID)
	req.Header.Set("User-Agent", "occupancy-report/"+version.Version)

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Already delivered under this idempotency key.
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &PermanentDeliveryError{StatusCode: resp.StatusCode, Body: string(body)}
	default:
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}
}

// Probe checks backend reachability via its health endpoint. Any response
// counts as reachable: a 500 from the backend still means the network and
// the service are there, so deliveries can carry their own errors.
func (c *BackendClient) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
