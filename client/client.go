// Package client is a device-side client for the vitals ingestion gateway.
// It builds the message body, computes the rotating device token and the
// HMAC signature, and posts the exact signed bytes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/oarkflow/vitalsguard"
)

type Config struct {
	URL          string
	APIKey       string
	HMACSecret   []byte
	DeviceID     string
	DeviceSecret []byte
	Timeout      time.Duration
	Now          func() time.Time
}

// Reading is one set of vitals to send.
type Reading struct {
	PatientID string
	Timestamp time.Time
	HeartRate int
	SpO2      int
	Temp      float64
}

// Response is the decoded gateway reply.
type Response struct {
	Status     int           `json:"-"`
	Success    bool          `json:"success"`
	ID         string        `json:"id"`
	Error      string        `json:"error"`
	Reason     string        `json:"reason"`
	RetryAfter time.Duration `json:"-"`
}

type Option func(*Client)

// WithHTTPClient replaces the underlying fasthttp client.
func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) { c.http = hc }
}

type Client struct {
	cfg  Config
	http *fasthttp.Client
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: url is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("client: api key is required")
	}
	if len(cfg.HMACSecret) == 0 {
		return nil, errors.New("client: hmac secret is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Client{cfg: cfg, http: &fasthttp.Client{Name: "vitalsguard-client/1.0"}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type wireVitals struct {
	HeartRate int     `json:"heartRate"`
	SpO2      int     `json:"spo2"`
	Temp      float64 `json:"temp"`
}

type wireMessage struct {
	PatientID string     `json:"patientId"`
	Timestamp string     `json:"timestamp"`
	Vitals    wireVitals `json:"vitals"`
	DeviceID  string     `json:"deviceId,omitempty"`
	Token     string     `json:"token,omitempty"`
}

// Build serializes r as compact JSON, adding the device token for the
// current minute when a device is configured.
func (c *Client) Build(r Reading) ([]byte, error) {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = c.cfg.Now()
	}
	msg := wireMessage{
		PatientID: r.PatientID,
		Timestamp: vitalsguard.FormatTimestamp(ts),
		Vitals:    wireVitals{HeartRate: r.HeartRate, SpO2: r.SpO2, Temp: r.Temp},
	}
	if c.cfg.DeviceID != "" {
		msg.DeviceID = c.cfg.DeviceID
		msg.Token = vitalsguard.DeviceToken(c.cfg.DeviceSecret, c.cfg.Now())
	}
	return json.Marshal(msg)
}

// Send builds, signs and posts r.
func (c *Client) Send(ctx context.Context, r Reading) (*Response, error) {
	body, err := c.Build(r)
	if err != nil {
		return nil, fmt.Errorf("client: build body: %w", err)
	}
	return c.Post(ctx, body, vitalsguard.Sign(body, c.cfg.HMACSecret))
}

// Post sends body with the given signature as-is.
func (c *Client) Post(ctx context.Context, body []byte, signature string) (*Response, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set(vitalsguard.HeaderAPIKey, c.cfg.APIKey)
	if signature != "" {
		req.Header.Set(vitalsguard.HeaderSignature, signature)
	}
	req.SetBody(body)

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("client: post: %w", err)
	}

	out := &Response{Status: resp.StatusCode()}
	if raw := resp.Body(); len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("client: decode response (status %d): %w", out.Status, err)
		}
	}
	if s := string(resp.Header.Peek("Retry-After")); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			out.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return out, nil
}
