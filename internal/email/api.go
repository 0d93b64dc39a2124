package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenHeader carries the server token on every API request.
const TokenHeader = "X-Postmark-Server-Token"

// APIClient sends mail through a Postmark-style HTTP API.
type APIClient struct {
	baseURL string
	sender  string
	token   string
	http    *http.Client
}

func NewAPIClient(baseURL, sender, token string, timeout time.Duration) (*APIClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid email base url %q", baseURL)
	}
	if err := ValidateAddress(sender); err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		sender:  sender,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type sendEmailRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

func (c *APIClient) Send(ctx context.Context, msg Message) error {
	if err := ValidateAddress(msg.To); err != nil {
		return err
	}

	body, err := json.Marshal(sendEmailRequest{
		From:     c.sender,
		To:       msg.To,
		Subject:  msg.Subject,
		HtmlBody: msg.HTMLBody,
		TextBody: msg.TextBody,
	})
	if err != nil {
		return permanent("encode", 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/email", bytes.NewReader(body))
	if err != nil {
		return permanent("request", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(TokenHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	return classifyStatus(resp.StatusCode, strings.TrimSpace(string(snippet)))
}

func classifyStatus(status int, body string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var err error
	if body != "" {
		err = fmt.Errorf("http %d: %s", status, body)
	} else {
		err = fmt.Errorf("http %d", status)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return transient("rate_limited", status, err)
	case status == http.StatusRequestTimeout:
		return transient("timeout", status, err)
	case status >= 500:
		return transient("http_5xx", status, err)
	default:
		return permanent("http_4xx", status, err)
	}
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return transient("canceled", 0, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return transient("timeout", 0, err)
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "connection refused") {
		return transient("connection_refused", 0, err)
	}
	if strings.Contains(lower, "no such host") {
		return transient("dns_error", 0, err)
	}
	return transient("network", 0, err)
}
