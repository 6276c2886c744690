// Package rcp talks to the RCP management API: multi-cluster enumeration,
// blueprint retrieval and optimal-plan computation.
package rcp

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

	"github.com/rcpops/savingsoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// StatusDone is the multi-cluster status that marks a unit ready for
// optimization.
const StatusDone = "done"

// MultiClusterRef identifies one multi-cluster unit from the listing call.
type MultiClusterRef struct {
	UID  string `json:"multi_cluster_uid"`
	Name string `json:"name,omitempty"`
}

// Client is the RCP management API surface the report driver consumes.
type Client interface {
	ListMultiClusters(ctx context.Context) ([]MultiClusterRef, error)
	Status(ctx context.Context, mcUID string) (string, error)
	Blueprint(ctx context.Context, mcUID string) (map[string]any, error)
	PlanOptimal(ctx context.Context, mcUID string) (map[string]any, error)
}

// Compile-time interface check.
var _ Client = (*httpClient)(nil)

type httpClient struct {
	log     logrus.FieldLogger
	baseURL string
	user    string
	pass    string
	http    *http.Client
}

// NewClient creates an RCP API client with a bounded per-call timeout.
// The server value defaults to https unless it carries an explicit scheme.
func NewClient(log logrus.FieldLogger, cfg *config.RCPConfig) Client {
	baseURL := cfg.Server
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}

	return &httpClient{
		log:     log.WithField("component", "rcp"),
		baseURL: baseURL,
		user:    cfg.Username,
		pass:    cfg.Password,
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

func (c *httpClient) ListMultiClusters(
	ctx context.Context,
) ([]MultiClusterRef, error) {
	var refs []MultiClusterRef
	if err := c.get(ctx, "/v1/multi_clusters", &refs); err != nil {
		return nil, fmt.Errorf("listing multi-clusters: %w", err)
	}

	c.log.WithField("count", len(refs)).Info("Retrieved multi-clusters")

	return refs, nil
}

func (c *httpClient) Status(
	ctx context.Context, mcUID string,
) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}

	path := "/v1/multi_clusters/" + url.PathEscape(mcUID) + "/status"
	if err := c.get(ctx, path, &resp); err != nil {
		return "", fmt.Errorf("getting status for %s: %w", mcUID, err)
	}

	return resp.Status, nil
}

func (c *httpClient) Blueprint(
	ctx context.Context, mcUID string,
) (map[string]any, error) {
	var doc map[string]any

	path := "/v1/multi_clusters/" + url.PathEscape(mcUID) + "/blueprint"
	if err := c.get(ctx, path, &doc); err != nil {
		return nil, fmt.Errorf("getting blueprint for %s: %w", mcUID, err)
	}

	return doc, nil
}

func (c *httpClient) PlanOptimal(
	ctx context.Context, mcUID string,
) (map[string]any, error) {
	var resp struct {
		Result map[string]any `json:"result"`
	}

	path := "/v1/multi_clusters/" + url.PathEscape(mcUID) + "/plan_optimal"
	body := map[string]any{"fetch_db_specs": true}

	if err := c.post(ctx, path, body, &resp); err != nil {
		return nil, fmt.Errorf("planning optimal for %s: %w", mcUID, err)
	}

	return resp.Result, nil
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *httpClient) post(
	ctx context.Context, path string, body, out any,
) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *httpClient) do(
	ctx context.Context, method, path string, body, out any,
) error {
	var reqBody io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}

		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(
		ctx, method, c.baseURL+path, reqBody,
	)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.SetBasicAuth(c.user, c.pass)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return fmt.Errorf(
			"%s %s returned %d: %s", method, path, resp.StatusCode, string(data),
		)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
