// Package remote talks to the record-service collaborator: a plain HTTP
// endpoint that accepts serialized case records and reports success or
// failure.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pericia/pkg/domain"
)

// DefaultTimeout bounds every request unless overridden with WithHTTPClient.
const DefaultTimeout = 30 * time.Second

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("record service %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client is the record-service HTTP client.
type Client struct {
	base       *url.URL
	token      string
	httpClient *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New returns a client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse record service url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("record service url %q: scheme must be http or https", baseURL)
	}
	c := &Client{base: u, httpClient: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PushRecord upserts rec on the service.
func (c *Client) PushRecord(ctx context.Context, rec domain.CaseRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	return c.do(ctx, http.MethodPut, "/records/"+url.PathEscape(rec.ID), body, nil)
}

// FetchRecord reads one record. A 404 becomes a NotFoundError.
func (c *Client) FetchRecord(ctx context.Context, id string) (domain.CaseRecord, error) {
	var rec domain.CaseRecord
	err := c.do(ctx, http.MethodGet, "/records/"+url.PathEscape(id), nil, &rec)
	if isStatus(err, http.StatusNotFound) {
		return domain.CaseRecord{}, domain.NotFoundError{Collection: domain.CollectionCases, ID: id}
	}
	return rec, err
}

// DeleteRecord removes a record. Deleting an unknown id succeeds.
func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/records/"+url.PathEscape(id), nil, nil)
	if isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func isStatus(err error, code int) bool {
	var se StatusError
	return errors.As(err, &se) && se.Code == code
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	target := c.base.JoinPath(path)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
