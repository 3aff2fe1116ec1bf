package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	"github.com/drblury/eventmediator/internal/runtime/event"
	loggingpkg "github.com/drblury/eventmediator/internal/runtime/logging"
)

// RequestKeyHeader carries the message key on RPC requests.
const RequestKeyHeader = "x-mediator-request-key"

const (
	DefaultRPCTimeout     = 10 * time.Second
	DefaultRPCMaxAttempts = 3
)

// RPCConfig configures an RPCClient.
type RPCConfig struct {
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// MaxAttempts bounds attempts per Send, including the first.
	MaxAttempts int
	// InitialInterval and MaxInterval shape the exponential backoff between
	// attempts.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	ContentType     string
}

func (c RPCConfig) withDefaults() RPCConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultRPCTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultRPCMaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Second
	}
	if c.ContentType == "" {
		c.ContentType = "application/octet-stream"
	}
	return c
}

// RPCClient POSTs message payloads to the URL held in the endpoint property
// and turns the response body into the reply.
type RPCClient struct {
	id     string
	http   *http.Client
	cfg    RPCConfig
	logger loggingpkg.ServiceLogger
}

// NewRPCClient builds a client. A nil httpClient gets a default one honouring
// cfg.Timeout.
func NewRPCClient(id string, httpClient *http.Client, cfg RPCConfig, logger loggingpkg.ServiceLogger) *RPCClient {
	cfg = cfg.withDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &RPCClient{id: id, http: httpClient, cfg: cfg, logger: loggingpkg.OrNop(logger)}
}

func (c *RPCClient) ID() string { return c.id }

func (c *RPCClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Send performs the call, retrying transport failures, 5xx responses and
// 408/429 with backoff. Other 4xx responses are not retried. Both end as
// intermittent errors so the caller marks the key as failed instead of
// stopping; only a malformed endpoint is fatal. An empty response body
// yields a nil reply.
func (c *RPCClient) Send(ctx context.Context, msg *event.Message) (*event.Message, error) {
	endpoint := msg.Endpoint()
	if endpoint == "" {
		return nil, errspkg.Fatal(errspkg.ErrEndpointRequired)
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, errspkg.Fatal(fmt.Errorf("rpc endpoint %q: %w", endpoint, err))
	}

	c.logger.Trace("Sending RPC request", loggingpkg.LogFields{
		loggingpkg.FieldEndpoint: endpoint,
		loggingpkg.FieldKey:      msg.Key(),
	})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxInterval = c.cfg.MaxInterval

	attempt := 0
	reply, err := backoff.Retry(ctx, func() (*event.Message, error) {
		attempt++
		return c.do(ctx, endpoint, msg)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("Retrying RPC request", loggingpkg.LogFields{
				loggingpkg.FieldEndpoint: endpoint,
				loggingpkg.FieldAttempt:  attempt,
				"backoff":                next.String(),
				"error":                  err.Error(),
			})
		}),
	)
	if err == nil {
		return reply, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if errspkg.IsFatal(err) {
		c.logger.Error("Fatal error in RPC client", err, loggingpkg.LogFields{loggingpkg.FieldEndpoint: endpoint})
		return nil, err
	}
	c.logger.Error("Intermittent error in RPC client", err, loggingpkg.LogFields{
		loggingpkg.FieldEndpoint: endpoint,
		loggingpkg.FieldAttempt:  attempt,
	})
	if errspkg.IsIntermittent(err) {
		return nil, err
	}
	return nil, errspkg.Intermittent(err)
}

func (c *RPCClient) do(ctx context.Context, endpoint string, msg *event.Message) (*event.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msg.Payload))
	if err != nil {
		return nil, backoff.Permanent(errspkg.Fatal(err))
	}
	req.Header.Set("Content-Type", c.cfg.ContentType)
	if key := msg.Key(); key != "" {
		req.Header.Set(RequestKeyHeader, key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(errspkg.Intermittent(err))
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", endpoint, err)
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("rpc %s: server returned %d", endpoint, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(errspkg.Intermittent(fmt.Errorf("rpc %s: client error %d: %s", endpoint, resp.StatusCode, bytes.TrimSpace(body))))
	}

	if len(body) == 0 {
		return nil, nil
	}
	return event.NewMessage(body, map[string]any{event.PropStatusCode: resp.StatusCode}), nil
}
