// Package backend is the HTTP client for the delivery backend API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/els-fr/livreur/internal/delivery"
	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/logger"
)

// API paths.
const (
	PathEventInfo      = "/api/eventInfo"
	PathSaveDelivery   = "/api/saveDelivery"
	PathRegisterDevice = "/api/registerDevice"
)

var (
	// ErrRejected is returned when the backend answers ok:false.
	ErrRejected = errors.NewStd("delivery rejected by backend")
	// ErrStatus is returned for non-2xx responses.
	ErrStatus = errors.NewStd("unexpected backend status")
)

// maxBody bounds how much of a response body is read.
const maxBody = 1 << 20

// Ack is the saveDelivery response.
type Ack struct {
	OK     bool   `json:"ok"`
	TS     string `json:"ts,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ackLayouts are the timestamp forms accepted in TS, most common first.
var ackLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC1123,
}

// ErrAckTime is returned by ParseTime for a ts it cannot read.
var ErrAckTime = errors.NewStd("unreadable acknowledgment time")

// ParseTime reads TS. An absent TS yields the zero time and no error; zoneless
// forms are read as UTC.
func (a Ack) ParseTime() (time.Time, error) {
	if a.TS == "" {
		return time.Time{}, nil
	}
	for _, layout := range ackLayouts {
		if t, err := time.Parse(layout, a.TS); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New(ErrAckTime).
		Component("backend").
		Category(errors.CategoryValidation).
		Context("ts", a.TS).
		Build()
}

// Time is ParseTime without the error: the zero time when TS is absent or
// unreadable.
func (a Ack) Time() time.Time {
	t, _ := a.ParseTime()
	return t
}

// RegisterRequest is the registerDevice body.
type RegisterRequest struct {
	DriverEmail string `json:"driverEmail"`
	Token       string `json:"token"`
	Platform    string `json:"platform"`
}

// Client talks to the backend. Requests carry session cookies like a browser
// fetch with credentials: "include".
type Client struct {
	baseURL string
	http    *http.Client
	log     logger.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTransport routes requests through rt, typically the cache worker.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.http.Transport = rt }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Jar: jar, Timeout: 15 * time.Second},
		log:     logger.NewDiscard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Module("backend")
	return c
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// EventInfo fetches metadata for an event.
func (c *Client) EventInfo(ctx context.Context, eventID, cmd string) (delivery.EventInfo, error) {
	q := url.Values{}
	q.Set("eventId", eventID)
	q.Set("cmd", cmd)

	var info delivery.EventInfo
	resp, err := c.do(ctx, http.MethodGet, PathEventInfo+"?"+q.Encode(), nil)
	if err != nil {
		return info, err
	}
	defer resp.Body.Close()

	if err := decode(resp, &info); err != nil {
		return info, c.wrap(err, PathEventInfo)
	}
	return info, nil
}

// SaveDelivery posts a payload. ok:false and non-2xx answers are errors so the
// outbox retries them.
func (c *Client) SaveDelivery(ctx context.Context, payload json.RawMessage) (Ack, error) {
	var ack Ack
	resp, err := c.do(ctx, http.MethodPost, PathSaveDelivery, payload)
	if err != nil {
		return ack, err
	}
	defer resp.Body.Close()

	if err := decode(resp, &ack); err != nil {
		return ack, c.wrap(err, PathSaveDelivery)
	}
	if !ack.OK {
		reason := ack.Reason
		if reason == "" {
			reason = "Erreur"
		}
		return ack, errors.Newf("%w: %s", ErrRejected, reason).
			Component("backend").
			Category(errors.CategoryNetwork).
			Context("path", PathSaveDelivery).
			Build()
	}
	return ack, nil
}

// RegisterDevice announces the push token of this device.
func (c *Client) RegisterDevice(ctx context.Context, req RegisterRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, PathRegisterDevice, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.wrap(statusError(resp), PathRegisterDevice)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, errors.Newf("failed to build request: %w", err).
			Component("backend").
			Category(errors.CategoryValidation).
			Context("path", path).
			Build()
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("request failed",
			logger.String("method", method),
			logger.String("path", path),
			logger.Error(err))
		return nil, c.wrap(err, path)
	}
	c.log.Debug("request done",
		logger.String("method", method),
		logger.String("path", path),
		logger.Int("status", resp.StatusCode),
		logger.Duration("elapsed", time.Since(start)))
	return resp, nil
}

func (c *Client) wrap(err error, path string) error {
	return errors.New(err).
		Component("backend").
		Category(errors.CategoryNetwork).
		Context("path", path).
		Build()
}

func statusError(resp *http.Response) error {
	return fmt.Errorf("%w: %s", ErrStatus, resp.Status)
}

func decode(resp *http.Response, v any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return statusError(resp)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
