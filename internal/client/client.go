// Package client talks to a conduit broker over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ssd-technologies/conduit/internal/telemetry"
)

// OwnerTokenHeader carries the owner token on uploads.
const OwnerTokenHeader = "X-Owner-Token"

// APIError is a non-2xx broker response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker returned %d: %s", e.Status, e.Message)
}

// Share is the result of creating a share.
type Share struct {
	ShareID    string `json:"share_id"`
	OwnerToken string `json:"owner_token"`
}

// Info describes a share.
type Info struct {
	ShareID  string `json:"share_id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
}

// Stats is the broker's view of a share.
type Stats struct {
	ShareID         string              `json:"share_id"`
	Filename        string              `json:"filename"`
	Size            int64               `json:"size"`
	CreatedAt       time.Time           `json:"created_at"`
	LastHeartbeatAt *time.Time          `json:"last_heartbeat_at,omitempty"`
	ActiveStreams   int                 `json:"active_streams"`
	Telemetry       *telemetry.Snapshot `json:"telemetry,omitempty"`
}

// Client is a broker HTTP client.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for the broker at baseURL. A nil httpClient uses a
// client without an overall timeout, since downloads may wait for a long
// time.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// WebsocketURL returns the URL of the broker's peer channel.
func (c *Client) WebsocketURL() (string, error) {
	u, err := url.Parse(c.base + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// Share announces a file and returns its id and owner token.
func (c *Client) Share(ctx context.Context, filename string, size int64) (Share, error) {
	var out Share
	err := c.doJSON(ctx, http.MethodPost, "/share", map[string]any{"filename": filename, "size": size}, nil, http.StatusCreated, &out)
	return out, err
}

// Unshare removes a share, aborting any transfer in flight.
func (c *Client) Unshare(ctx context.Context, shareID, token string) error {
	body := map[string]string{"share_id": shareID, "owner_token": token}
	return c.doJSON(ctx, http.MethodPost, "/unshare", body, nil, http.StatusOK, nil)
}

func (c *Client) Info(ctx context.Context, shareID string) (Info, error) {
	var out Info
	err := c.doJSON(ctx, http.MethodGet, "/info/"+url.PathEscape(shareID), nil, nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context, shareID string) (Stats, error) {
	var out Stats
	err := c.doJSON(ctx, http.MethodGet, "/stats/"+url.PathEscape(shareID), nil, nil, http.StatusOK, &out)
	return out, err
}

// Download streams the share into w and returns the bytes copied. It
// blocks until the owner uploads.
func (c *Client) Download(ctx context.Context, shareID string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/download/"+url.PathEscape(shareID), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download interrupted after %d bytes: %w", n, err)
	}
	return n, nil
}

// Upload sends r as the content of a pending stream.
func (c *Client) Upload(ctx context.Context, shareID, streamID, token string, r io.Reader) (int64, error) {
	path := "/upload/" + url.PathEscape(shareID) + "/" + url.PathEscape(streamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, r)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(OwnerTokenHeader, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}

	var out struct {
		Bytes int64 `json:"bytes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decoding upload response: %w", err)
	}
	return out.Bytes, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, header http.Header, want int, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}
