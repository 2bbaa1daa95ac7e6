// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package transport provides the concrete gateway transports: a REST client
// for request/response pulls and a WebSocket client for asynchronous push
// delivery. Both implement the interfaces the synchronization core consumes.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/soothill/circuitiq-sync/meter"
	errs "github.com/soothill/circuitiq-sync/pkg/errors"
	"github.com/soothill/circuitiq-sync/pkg/logger"
	"github.com/soothill/circuitiq-sync/pkg/metrics"
)

const (
	defaultRequestTimeout = 10 * time.Second

	// The gateway is a single embedded device; a handful of consecutive
	// failures means it is down or unreachable, not overloaded.
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// ClientConfig configures the REST client. Zero values fall back to the
// defaults documented on each field.
type ClientConfig struct {
	// BaseURL is the gateway API root, e.g. "http://192.168.1.40:8080".
	BaseURL string

	// AuthToken, when set, is sent as the Auth-Token header on every
	// request.
	AuthToken string

	// Timeout bounds each HTTP request. Defaults to 10s.
	Timeout time.Duration

	// BreakerFailures is the consecutive-failure count that opens the
	// circuit breaker. Defaults to 5.
	BreakerFailures uint32

	// BreakerTimeout is how long the breaker stays open before probing
	// again. Defaults to 30s.
	BreakerTimeout time.Duration
}

// Client is the REST implementation of the pull transport. All calls go
// through a circuit breaker so a dead gateway fails fast instead of holding
// every refresh for the full request timeout.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a REST client for the given gateway.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "circuitiq-rest",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.AuthToken,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
	}
}

// ListDevices returns every device known to the gateway.
func (c *Client) ListDevices(ctx context.Context) ([]meter.DeviceInfo, error) {
	var devices []meter.DeviceInfo
	if err := c.getJSON(ctx, "/api/v1/devices", &devices); err != nil {
		return nil, errs.NewTransportError("pull", "list devices", "", err)
	}
	return devices, nil
}

// GetDevice returns a single device, including its embedded current reading
// when the gateway has one.
func (c *Client) GetDevice(ctx context.Context, id string) (*meter.DeviceInfo, error) {
	var info meter.DeviceInfo
	if err := c.getJSON(ctx, "/api/v1/devices/"+id, &info); err != nil {
		return nil, errs.NewTransportError("pull", "get device", id, err)
	}
	return &info, nil
}

// GetReadings returns up to limit historical readings, newest first.
func (c *Client) GetReadings(ctx context.Context, id string, limit int) ([]meter.Reading, error) {
	var readings []meter.Reading
	path := fmt.Sprintf("/api/v1/devices/%s/readings?limit=%d", id, limit)
	if err := c.getJSON(ctx, path, &readings); err != nil {
		return nil, errs.NewTransportError("pull", "get readings", id, err)
	}
	return readings, nil
}

// GetStatistics returns the per-device aggregate, or nil when the gateway
// has none.
func (c *Client) GetStatistics(ctx context.Context, id string) (meter.Statistics, error) {
	var stats meter.Statistics
	err := c.getJSON(ctx, "/api/v1/devices/"+id+"/statistics", &stats)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errs.NewTransportError("pull", "get statistics", id, err)
	}
	return stats, nil
}

// SetRelay switches a relay channel. Channel 0 addresses all channels.
func (c *Client) SetRelay(ctx context.Context, id string, on bool, channel meter.RelayChannel) error {
	body := map[string]any{"on": on, "channel": int(channel)}
	if err := c.postJSON(ctx, "/api/v1/devices/"+id+"/relay", body); err != nil {
		return errs.NewTransportError("pull", "set relay", id, err)
	}
	return nil
}

// SendCommand sends a named device command with optional parameters.
func (c *Client) SendCommand(ctx context.Context, id, name string, params map[string]string) error {
	body := map[string]any{"command": name}
	if len(params) > 0 {
		body["params"] = params
	}
	if err := c.postJSON(ctx, "/api/v1/devices/"+id+"/command", body); err != nil {
		return errs.NewTransportError("pull", "send command", id, err)
	}
	return nil
}

// SystemReset performs a factory reset of the device.
func (c *Client) SystemReset(ctx context.Context, id string) error {
	if err := c.postJSON(ctx, "/api/v1/devices/"+id+"/reset", nil); err != nil {
		return errs.NewTransportError("pull", "system reset", id, err)
	}
	return nil
}

// SystemRestart reboots the device.
func (c *Client) SystemRestart(ctx context.Context, id string) error {
	if err := c.postJSON(ctx, "/api/v1/devices/"+id+"/restart", nil); err != nil {
		return errs.NewTransportError("pull", "system restart", id, err)
	}
	return nil
}

// SetConfig writes one configuration parameter.
func (c *Client) SetConfig(ctx context.Context, id, param string, value meter.ConfigValue) error {
	body := map[string]any{"param": param, "value": value.Interface()}
	if err := c.postJSON(ctx, "/api/v1/devices/"+id+"/config", body); err != nil {
		return errs.NewTransportError("pull", "set config", id, err)
	}
	return nil
}

// GenerateMockData asks the device to emit count synthetic readings.
func (c *Client) GenerateMockData(ctx context.Context, id string, count int) error {
	body := map[string]any{"count": count}
	if err := c.postJSON(ctx, "/api/v1/devices/"+id+"/mock-data", body); err != nil {
		return errs.NewTransportError("pull", "generate mock data", id, err)
	}
	return nil
}

// statusError carries the HTTP status of a non-2xx response so callers can
// distinguish "not found" from transport failure.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
	}
	return fmt.Sprintf("unexpected status %d", e.code)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.code == http.StatusNotFound
}

func (c *Client) getJSON(ctx context.Context, path string, target any) error {
	return c.do(ctx, http.MethodGet, path, nil, target)
}

func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// do runs one HTTP exchange through the circuit breaker, encoding body as
// JSON when non-nil and decoding the response into target when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, target any) error {
	start := time.Now()
	defer func() {
		metrics.PullRequestDuration.Observe(time.Since(start).Seconds())
	}()

	_, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Auth-Token", c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(detail))}
		}

		if target != nil {
			if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil, nil
	})

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		logger.Debug().Str("path", path).Msg("Request rejected by open circuit breaker")
		return errs.ErrCircuitBreakerOpen
	}
	return err
}
