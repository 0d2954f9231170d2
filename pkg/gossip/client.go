package gossip

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/disregardfiat/honeygraph-sub002/pkg/wire"
)

// Client fetches data from peer HTTP surfaces. It is the outbound
// counterpart of pkg/gossip's Server.
type Client struct {
	httpClient   *http.Client
	healthClient *http.Client
	peerIDHeader string
	selfID       string
}

// NewClient constructs a Client honoring the request/health timeout
// ceilings spec.md §6 names.
func NewClient(requestTimeout, healthTimeout time.Duration, peerIDHeader, selfID string) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: requestTimeout},
		healthClient: &http.Client{Timeout: healthTimeout},
		peerIDHeader: peerIDHeader,
		selfID:       selfID,
	}
}

func (c *Client) get(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.peerIDHeader != "" {
		req.Header.Set(c.peerIDHeader, c.selfID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("peer returned %d: %s", resp.StatusCode, string(body))
	}

	return wire.JSON.NewDecoder(resp.Body).Decode(out)
}

// Head fetches the peer's current head block number.
func (c *Client) Head(ctx context.Context, baseURL string) (uint64, error) {
	var resp wire.HeadResponse
	if err := c.get(ctx, c.httpClient, baseURL+"/api/query/head", &resp); err != nil {
		return 0, err
	}
	return resp.Head, nil
}

// Health probes the peer's health endpoint.
func (c *Client) Health(ctx context.Context, baseURL string) error {
	var resp wire.HealthResponse
	if err := c.get(ctx, c.healthClient, baseURL+"/health", &resp); err != nil {
		return err
	}
	if resp.Status != "healthy" {
		return errors.Errorf("peer unhealthy: %s", resp.Error)
	}
	return nil
}

// Block fetches a full block body from the peer.
func (c *Client) Block(ctx context.Context, baseURL string, block uint64) (wire.BlockBody, error) {
	var body wire.BlockBody
	url := fmt.Sprintf("%s/api/query/block/%d/full", baseURL, block)
	err := c.get(ctx, c.httpClient, url, &body)
	return body, err
}

// Peers fetches the peer's own known-peer list (discovery).
func (c *Client) Peers(ctx context.Context, baseURL string) ([]wire.PeerInfo, error) {
	var peers []wire.PeerInfo
	if err := c.get(ctx, c.httpClient, baseURL+"/api/honeygraph-peers", &peers); err != nil {
		return nil, err
	}
	return peers, nil
}
