// Package client talks to a running fdleak server.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/lazypower/fdleak/pkg/leak"
)

const (
	DefaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 5 * time.Second
)

// Client talks to the fdleak server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty URL falls back to
// FDLEAK_URL, then to http://127.0.0.1:37778.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("FDLEAK_URL")
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// URL returns the server base URL.
func (c *Client) URL() string {
	return c.serverURL
}

// Health is the body of GET /api/health.
type Health struct {
	Status   string  `json:"status"`
	Version  string  `json:"version"`
	Uptime   float64 `json:"uptime"`
	Tracking bool    `json:"tracking"`
	Live     int     `json:"live"`
	Promoted int     `json:"promoted"`
}

// RecordView is a record as served by the API.
type RecordView struct {
	leak.Record
	AgeSeconds float64 `json:"age_seconds"`
}

// HandleView is a live handle as served by the API.
type HandleView struct {
	leak.Handle
	AgeSeconds float64 `json:"age_seconds"`
	RecordID   string  `json:"record_id,omitempty"`
}

// Post sends a POST request with JSON body. Returns response body.
func (c *Client) Post(path string, body []byte) ([]byte, error) {
	resp, err := c.http.Post(c.serverURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	return readBody("POST", path, resp)
}

// Get sends a GET request. Returns response body.
func (c *Client) Get(path string) ([]byte, error) {
	resp, err := c.http.Get(c.serverURL + path)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return readBody("GET", path, resp)
}

// Delete sends a DELETE request. Returns response body.
func (c *Client) Delete(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodDelete, c.serverURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("DELETE %s: %w", path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("DELETE %s: %w", path, err)
	}
	return readBody("DELETE", path, resp)
}

func readBody(method, path string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return data, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy() bool {
	resp, err := c.http.Get(c.serverURL + "/api/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Health fetches the server status.
func (c *Client) Health() (*Health, error) {
	data, err := c.Get("/api/health")
	if err != nil {
		return nil, err
	}
	var h Health
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &h, nil
}

// Records lists the promoted records known to the server.
func (c *Client) Records() ([]RecordView, error) {
	data, err := c.Get("/api/records")
	if err != nil {
		return nil, err
	}
	var body struct {
		Records []RecordView `json:"records"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return body.Records, nil
}

// Handles lists the live handles of the tracker in the server process.
func (c *Client) Handles() ([]HandleView, error) {
	data, err := c.Get("/api/handles")
	if err != nil {
		return nil, err
	}
	var body struct {
		Handles []HandleView `json:"handles"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode handles: %w", err)
	}
	return body.Handles, nil
}

// DeleteRecord removes a record, reporting whether it existed.
func (c *Client) DeleteRecord(id string) (bool, error) {
	data, err := c.Delete("/api/records/" + url.PathEscape(id))
	if err != nil {
		return false, err
	}
	var body struct {
		Deleted bool `json:"deleted"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return false, fmt.Errorf("decode delete: %w", err)
	}
	return body.Deleted, nil
}

// Sweep asks the server's tracker to sweep now and returns how many
// handles were promoted.
func (c *Client) Sweep() (int, error) {
	data, err := c.Post("/api/sweep", nil)
	if err != nil {
		return 0, err
	}
	var body struct {
		Promoted int `json:"promoted"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return 0, fmt.Errorf("decode sweep: %w", err)
	}
	return body.Promoted, nil
}
