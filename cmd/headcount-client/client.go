package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/headcount/internal/api"
	"github.com/nerrad567/headcount/internal/device"
	"github.com/nerrad567/headcount/internal/identity"
	"github.com/nerrad567/headcount/internal/occupancy"
)

const requestTimeout = 10 * time.Second

// APIError is a non-2xx reply carrying the server's error body.
type APIError struct {
	StatusCode int
	Body       api.Error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Body.Code, e.Body.Message)
}

// Client talks to one Headcount server as one device. The device id rides
// in the same cookie a browser would carry.
type Client struct {
	base     *url.URL
	deviceID string
	http     *http.Client
}

// NewClient creates a client for server acting as deviceID.
func NewClient(server, deviceID string) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server URL %q must be http or https", server)
	}
	if err := device.ValidateID(deviceID); err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	jar.SetCookies(base, []*http.Cookie{{Name: identity.CookieName, Value: deviceID, Path: "/"}})

	return &Client{
		base:     base,
		deviceID: deviceID,
		http:     &http.Client{Jar: jar, Timeout: requestTimeout},
	}, nil
}

// DeviceID returns the identity this client presents.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// Session registers the device and returns its status and the count.
func (c *Client) Session(ctx context.Context) (api.SessionResponse, error) {
	var out api.SessionResponse
	_, err := c.do(ctx, http.MethodPost, "/api/v1/session", nil, &out)
	return out, err
}

// Toggle flips the device, or moves it in direction when one is given.
// A failed toggle still returns its outcome alongside the error.
func (c *Client) Toggle(ctx context.Context, direction device.Direction) (device.Outcome, error) {
	var body any
	if direction != "" {
		body = api.ToggleRequest{Action: string(direction)}
	}
	var out device.Outcome
	status, err := c.do(ctx, http.MethodPost, "/api/v1/toggle", body, &out)
	if status == http.StatusServiceUnavailable && out.Result != "" {
		return out, fmt.Errorf("toggle %s: %s", out.Result, out.Notice)
	}
	return out, err
}

// Count returns the shared counter.
func (c *Client) Count(ctx context.Context) (int, error) {
	var out api.CountPayload
	_, err := c.do(ctx, http.MethodGet, "/api/v1/occupancy", nil, &out)
	return out.Count, err
}

// History returns up to limit entries, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]occupancy.HistoryEntry, error) {
	path := "/api/v1/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out api.HistoryPayload
	_, err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Entries, err
}

// Status returns the shared status of this client's device.
func (c *Client) Status(ctx context.Context) (device.Status, error) {
	var out api.StatusPayload
	_, err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+url.PathEscape(c.deviceID)+"/status", nil, &out)
	return out.Status, err
}

// do sends one request and decodes the reply into out. The status code is
// returned even when it is an error.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var env struct {
			Error *api.Error `json:"error"`
		}
		if json.Unmarshal(data, &env) == nil && env.Error != nil {
			return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Body: *env.Error}
		}
		// Toggle failures answer 503 with an outcome body.
		if out != nil && json.Unmarshal(data, out) == nil {
			return resp.StatusCode, nil
		}
		return resp.StatusCode, &APIError{
			StatusCode: resp.StatusCode,
			Body:       api.Error{Code: "http_error", Message: strings.TrimSpace(string(data))},
		}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
