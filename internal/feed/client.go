// Package feed polls the upstream opportunity feed and hands new items to
// the broadcast engine.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"oppcast/internal/model"
)

const maxBodyBytes = 8 << 20

// FetchError means the feed could not be read. The poll cycle is abandoned
// and the cursor stays where it was.
type FetchError struct {
	URL        string
	StatusCode int // 0 for network and decode failures
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("feed fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("feed fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Item is one feed entry. DecodeErr is set when the entry itself could not
// be decoded; the rest of the batch is still usable.
type Item struct {
	Opportunity  model.Opportunity
	HasCreatedAt bool
	DecodeErr    error
}

// Fetcher returns the items published after since.
type Fetcher interface {
	Fetch(ctx context.Context, since time.Time) ([]Item, error)
}

type HTTPClient struct {
	Client  *http.Client
	BaseURL string
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		BaseURL: strings.TrimSpace(baseURL),
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *HTTPClient) Fetch(ctx context.Context, since time.Time) ([]Item, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &FetchError{URL: c.BaseURL, Err: fmt.Errorf("invalid feed url")}
	}
	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{URL: c.BaseURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "oppcast")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: c.BaseURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{URL: c.BaseURL, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: c.BaseURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("upstream returned %s: %s", resp.Status, snippet(body))}
	}
	items, err := decodeItems(body)
	if err != nil {
		return nil, &FetchError{URL: c.BaseURL, StatusCode: resp.StatusCode, Err: err}
	}
	return items, nil
}

// decodeItems accepts a bare array or {"updates": [...]}. Only a broken
// envelope fails the whole batch; a malformed entry becomes an Item with
// DecodeErr set.
func decodeItems(body []byte) ([]Item, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	var raws []json.RawMessage
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, fmt.Errorf("decode feed: %w", err)
		}
	case '{':
		var env struct {
			Updates []json.RawMessage `json:"updates"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("decode feed: %w", err)
		}
		raws = env.Updates
	default:
		return nil, fmt.Errorf("decode feed: unexpected %q", snippet(body))
	}

	items := make([]Item, 0, len(raws))
	for i, raw := range raws {
		var p model.Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			items = append(items, Item{DecodeErr: fmt.Errorf("item %d: %w: %s", i, err, snippet(raw))})
			continue
		}
		o, has := p.Opportunity()
		items = append(items, Item{Opportunity: o, HasCreatedAt: has})
	}
	return items, nil
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
