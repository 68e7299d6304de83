package azure

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
	// DefaultEndpoint is the public ARM management endpoint.
	DefaultEndpoint = "https://management.azure.com"

	deploymentAPIVersion = "2021-04-01"
)

// Client performs create-or-update calls against the ARM REST surface. It is
// immutable after construction and safe for concurrent use; every call names
// its target scope explicitly.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient wraps an authenticated HTTP client for the given management
// endpoint. An empty endpoint selects DefaultEndpoint.
func NewClient(httpClient *http.Client, endpoint string) (*Client, error) {
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

// PutResource issues an idempotent PUT to a scope-relative resource path and
// returns the raw status code and response body. Callers decide what counts
// as success; the error return covers transport and encoding failures only.
func (c *Client) PutResource(ctx context.Context, scopePath, apiVersion string, body map[string]any) (int, []byte, error) {
	if c == nil {
		return 0, nil, errors.New("nil client")
	}
	if scopePath == "" {
		return 0, nil, errors.New("scope path is required")
	}
	if apiVersion == "" {
		return 0, nil, errors.New("api version is required")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal resource body: %w", err)
	}

	url := fmt.Sprintf("%s/%s?api-version=%s", c.endpoint, strings.TrimLeft(scopePath, "/"), apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// CreateDeployment submits an incremental template deployment to the given
// subscription and resource group.
func (c *Client) CreateDeployment(ctx context.Context, subscription, resourceGroup, name string, template map[string]any) error {
	if c == nil {
		return errors.New("nil client")
	}
	if subscription == "" {
		return errors.New("subscription is required")
	}
	if resourceGroup == "" {
		return errors.New("resource group is required")
	}
	if name == "" {
		return errors.New("deployment name is required")
	}

	body := map[string]any{
		"properties": map[string]any{
			"mode":       "Incremental",
			"template":   template,
			"parameters": map[string]any{},
		},
	}

	path := fmt.Sprintf("subscriptions/%s/resourcegroups/%s/providers/Microsoft.Resources/deployments/%s",
		subscription, resourceGroup, name)

	status, respBody, err := c.PutResource(ctx, path, deploymentAPIVersion, body)
	if err != nil {
		return fmt.Errorf("deployment %s: %w", name, err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("deployment %s: status %d: %s", name, status, strings.TrimSpace(string(respBody)))
	}
	return nil
}
