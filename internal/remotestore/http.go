package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Identity is the store-assigned identity for this device, resolved once at
// startup via Handshake and cached by the caller.
type Identity struct {
	UserID string `json:"user_id"`
}

// HTTPClient talks to the record store over JSON/HTTP. It implements Client.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	deviceID   string
}

// NewHTTPClient builds a store client. token and deviceID may be empty.
func NewHTTPClient(httpClient *http.Client, baseURL, token, deviceID string) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		deviceID:   strings.TrimSpace(deviceID),
	}
}

// Handshake resolves the store-assigned identity for this device.
func (c *HTTPClient) Handshake(ctx context.Context) (Identity, error) {
	var out Identity
	req := struct {
		DeviceID string `json:"device_id"`
	}{DeviceID: c.deviceID}
	if err := c.do(ctx, http.MethodPost, "/handshake", req, &out); err != nil {
		return Identity{}, err
	}
	return out, nil
}

// Save creates or replaces a record, returning the stored copy with its
// assigned version.
func (c *HTTPClient) Save(ctx context.Context, rec Record) (Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodPost, "/records", rec, &out); err != nil {
		return Record{}, err
	}
	return out, nil
}

// Fetch runs a predicate query.
func (c *HTTPClient) Fetch(ctx context.Context, q Query) ([]Record, error) {
	var out struct {
		Records []Record `json:"records"`
	}
	if err := c.do(ctx, http.MethodPost, "/records/query", q, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Delete removes records by ID. Missing IDs are not an error.
func (c *HTTPClient) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	req := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	return c.do(ctx, http.MethodPost, "/records/delete", req, nil)
}

// ConditionalUpdate replaces a record only if its stored version still
// equals expectedVersion; otherwise it fails with *ConflictError.
func (c *HTTPClient) ConditionalUpdate(ctx context.Context, rec Record, expectedVersion int64) (Record, error) {
	var out Record
	path := "/records/" + rec.ID
	err := c.doWith(ctx, http.MethodPut, path, rec, &out, func(req *http.Request) {
		req.Header.Set("If-Match", strconv.FormatInt(expectedVersion, 10))
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

// Subscribe registers a push subscription. Matches arrive via the push
// channel, not through this client.
func (c *HTTPClient) Subscribe(ctx context.Context, sub Subscription) error {
	return c.do(ctx, http.MethodPost, "/subscriptions", sub, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	return c.doWith(ctx, method, path, body, out, nil)
}

func (c *HTTPClient) doWith(ctx context.Context, method, path string, body, out any, decorate func(*http.Request)) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(c.token, "Bearer "))
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
	if decorate != nil {
		decorate(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	var eb struct {
		Error         string `json:"error"`
		RecordID      string `json:"record_id"`
		ServerVersion int64  `json:"server_version"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&eb)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return &ConflictError{RecordID: eb.RecordID, ServerVersion: eb.ServerVersion}
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		if strings.TrimSpace(eb.Error) != "" {
			return fmt.Errorf("store %d: %s", resp.StatusCode, eb.Error)
		}
		return fmt.Errorf("store status %d", resp.StatusCode)
	}
}
