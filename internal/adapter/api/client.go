// internal/adapter/api/client.go

// Package api is the client for the backend's map REST endpoints.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"nomadnet/internal/adapter/wire"
	"nomadnet/internal/domain/geo"
	"nomadnet/internal/domain/identity"
	"nomadnet/internal/domain/nearby"
	"nomadnet/internal/logging"
)

// StatusError is returned for non-2xx responses
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s returned status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client talks to the backend on behalf of a session
type Client struct {
	baseURL    string
	session    *identity.Session
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new backend client
func NewClient(baseURL string, session *identity.Session, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		session:    session,
		httpClient: &http.Client{Timeout: timeout},
		log:        logging.With("api"),
	}
}

// PushLocation sends a committed location to PUT /map/my-location
func (c *Client) PushLocation(ctx context.Context, update geo.LocationUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPut, "/map/my-location", nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// FetchNearby performs GET /map/nearby. Malformed records are logged and
// skipped.
func (c *Client) FetchNearby(ctx context.Context, q nearby.Query) ([]nearby.Entity, error) {
	params := url.Values{}
	params.Set("longitude", strconv.FormatFloat(q.Center.Longitude, 'f', -1, 64))
	params.Set("latitude", strconv.FormatFloat(q.Center.Latitude, 'f', -1, 64))
	if q.Radius > 0 {
		params.Set("radius", strconv.FormatFloat(q.Radius, 'f', -1, 64))
	}
	if len(q.Types) > 0 {
		names := make([]string, 0, len(q.Types))
		for _, k := range q.Types {
			names = append(names, k.QueryName())
		}
		params.Set("types", strings.Join(names, ","))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	resp, err := c.do(ctx, http.MethodGet, "/map/nearby", params, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var payload wire.NearbyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode nearby response: %w", err)
	}

	entities, skipped := payload.Entities()
	for _, err := range skipped {
		c.log.Warn().Err(err).Msg("Skipping malformed nearby record")
	}
	return entities, nil
}

// WebSocketURL derives the realtime endpoint from the base URL
func (c *Client) WebSocketURL(path string) (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = path
	parsed.RawQuery = ""

	return parsed.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body []byte) (*http.Response, error) {
	if c.session != nil && !c.session.Active() {
		return nil, identity.ErrSessionEnded
	}

	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session != nil {
		req.Header.Set("Authorization", "Bearer "+c.session.Token())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Method:     resp.Request.Method,
		Path:       resp.Request.URL.Path,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
