// Package intake talks to the external intake-status service. The evaluation
// flow only needs two things from it: whether the client finished intake, and
// the form answers to snapshot onto the evaluation.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Status is the intake service's answer for one client.
type Status struct {
	Completed bool            `json:"intake_completed"`
	Form      json.RawMessage `json:"intake_form"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

// NewFromEnv builds a client from INTAKE_SERVICE_URL, or nil when unset.
func NewFromEnv() *Client {
	base := os.Getenv("INTAKE_SERVICE_URL")
	if base == "" {
		return nil
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches the intake status for a client.
func (c *Client) Status(ctx context.Context, clientID int) (*Status, error) {
	url := fmt.Sprintf("%s/clients/%d/intake-status", c.baseURL, clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("intake service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return &Status{Completed: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("intake service: unexpected status %d", resp.StatusCode)
	}
	var out Status
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("intake service: decode: %w", err)
	}
	return &out, nil
}
