package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_mail/internal/idempotency"
	"github.com/austindbirch/harbor_mail/internal/issue"
	"github.com/austindbirch/harbor_mail/internal/publish"
)

// apiClient talks to the publisher REST API
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(server, token string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: normalizeBaseURL(server),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// normalizeBaseURL accepts host:port as well as a full URL.
func normalizeBaseURL(server string) string {
	server = strings.TrimRight(strings.TrimSpace(server), "/")
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	return server
}

// apiError is a non-2xx answer from the API
type apiError struct {
	Status     int
	Message    string `json:"error"`
	Code       string `json:"code"`
	Field      string `json:"field"`
	RetryAfter string `json:"-"`
}

func (e *apiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	s := fmt.Sprintf("HTTP %d: %s", e.Status, msg)
	if e.Field != "" {
		s += " (field " + e.Field + ")"
	}
	if e.RetryAfter != "" {
		s += ", retry after " + e.RetryAfter + "s"
	}
	return s
}

func (c *apiClient) do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// PublishIssue posts d. An empty key sends no Idempotency-Key header.
func (c *apiClient) PublishIssue(ctx context.Context, key string, d issue.Draft) (publish.Accepted, error) {
	header := http.Header{}
	if key != "" {
		header.Set(idempotency.HeaderName, key)
	}
	var accepted publish.Accepted
	err := c.do(ctx, http.MethodPost, "/v1/issues", header, d, &accepted)
	return accepted, err
}

func (c *apiClient) IssueDeliveries(ctx context.Context, id uuid.UUID) (publish.IssueDeliveries, error) {
	var out publish.IssueDeliveries
	err := c.do(ctx, http.MethodGet, "/v1/issues/"+id.String()+"/deliveries", nil, nil, &out)
	return out, err
}

func (c *apiClient) FailedDeliveries(ctx context.Context, limit int) ([]publish.FailedDelivery, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/deliveries/failed"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Deliveries []publish.FailedDelivery `json:"deliveries"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, nil, &out)
	return out.Deliveries, err
}

// Health reports the decoded /healthz body; a 503 is returned as apiError.
func (c *apiClient) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &out)
	return out, err
}
