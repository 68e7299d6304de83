package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	// DefaultEndpoint is the public ARM management endpoint hosting the
	// Resource Graph provider.
	DefaultEndpoint = "https://management.azure.com"

	apiVersion = "2022-10-01"
)

// Client issues analytical queries against the Resource Graph service. Each
// Query call fetches a single page; paging policy belongs to the caller.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New wraps an authenticated HTTP client. An empty endpoint selects
// DefaultEndpoint.
func New(httpClient *http.Client, endpoint string) (*Client, error) {
	if httpClient == nil {
		return nil, errors.New("http client is required")
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: httpClient,
	}, nil
}

type queryRequest struct {
	Query         string       `json:"query"`
	Subscriptions []string     `json:"subscriptions,omitempty"`
	Options       queryOptions `json:"options"`
}

type queryOptions struct {
	Top          int    `json:"$top"`
	Skip         int    `json:"$skip"`
	ResultFormat string `json:"resultFormat"`
}

type queryResponse struct {
	TotalRecords int64            `json:"totalRecords"`
	Count        int64            `json:"count"`
	Data         []map[string]any `json:"data"`
}

// Query runs the query text against the given subscription scopes and returns
// one page of rows, at most top entries starting at skip. An empty
// subscription list queries the whole tenant.
func (c *Client) Query(ctx context.Context, query string, subscriptions []string, top, skip int) ([]map[string]any, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query text is required")
	}
	if top <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", top)
	}
	if skip < 0 {
		return nil, fmt.Errorf("skip must be non-negative, got %d", skip)
	}

	payload, err := json.Marshal(queryRequest{
		Query:         query,
		Subscriptions: subscriptions,
		Options: queryOptions{
			Top:          top,
			Skip:         skip,
			ResultFormat: "objectArray",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal query request: %w", err)
	}

	url := fmt.Sprintf("%s/providers/Microsoft.ResourceGraph/resources?api-version=%s", c.endpoint, apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read query response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("resource graph query: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded queryResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	return decoded.Data, nil
}
