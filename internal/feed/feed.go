// Package feed queries the remote content source for recently published
// items. It is a thin read-only client; retry policy belongs to the
// callers' own schedules.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const maxBodyBytes = 5 * 1024 * 1024

// Category classifies an item for notification routing.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Item is a single piece of published content. Immutable once observed.
type Item struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Excerpt   string    `json:"excerpt"`
	ImageURL  string    `json:"image_url,omitempty"`
	Category  *Category `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches items from the content source API.
type Client struct {
	base   string
	client HTTPClient
}

func NewClient(base string, client HTTPClient) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), client: client}
}

type listResponse struct {
	Items []Item          `json:"items"`
	Meta  json.RawMessage `json:"meta"` // pagination metadata, unused here
}

// Latest returns up to limit published items ordered newest-first.
func (c *Client) Latest(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 10
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "-created_at")
	q.Set("status", "published")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/items?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "newswatch/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch items: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var out listResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}

	items := out.Items
	// The API promises newest-first; don't trust it.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}
