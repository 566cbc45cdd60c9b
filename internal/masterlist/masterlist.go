// Package masterlist fetches the authoritative server address list from the
// BF1942 master server.
package masterlist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hootmeow/bf1942-ingest/internal/addr"
)

const (
	DefaultURL = "http://master.bf1942.org/json"

	fetchTimeout = 10 * time.Second
)

// HTTPClient is the subset of *http.Client the fetcher needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	log        *slog.Logger
	url        string
	httpClient HTTPClient
}

func NewClient(log *slog.Logger, url string) *Client {
	return &Client{
		log:        log,
		url:        url,
		httpClient: &http.Client{Timeout: fetchTimeout},
	}
}

// FetchServers performs one GET against the master list. The body is a JSON
// array of ["ip", port] pairs; malformed entries are dropped silently and an
// all-malformed body is an empty (successful) result. Transport and HTTP
// errors are fetch failures and feed the caller's backoff.
func (c *Client) FetchServers(ctx context.Context) ([]addr.Addr, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build master list request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch master list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("master list request failed with status %d", resp.StatusCode)
	}

	var entries []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode master list response: %w", err)
	}

	servers := make([]addr.Addr, 0, len(entries))
	for _, raw := range entries {
		a, ok := parseEntry(raw)
		if !ok {
			c.log.Debug("dropping malformed master list entry", "entry", string(raw))
			continue
		}
		servers = append(servers, a)
	}
	return servers, nil
}

// parseEntry accepts only 2-element arrays. The port element may be a JSON
// string or number.
func parseEntry(raw json.RawMessage) (addr.Addr, bool) {
	var item []any
	if err := json.Unmarshal(raw, &item); err != nil || len(item) != 2 {
		return addr.Addr{}, false
	}
	ip, ok := item[0].(string)
	if !ok || ip == "" {
		return addr.Addr{}, false
	}
	var port int
	switch v := item[1].(type) {
	case string:
		p, err := strconv.Atoi(v)
		if err != nil {
			return addr.Addr{}, false
		}
		port = p
	case float64:
		port = int(v)
	default:
		return addr.Addr{}, false
	}
	if port <= 0 || port > 65535 {
		return addr.Addr{}, false
	}
	return addr.Addr{IP: ip, Port: port}, true
}
