// Package client submits envelopes to the tax authority over
// mutually-authenticated HTTPS and classifies failures into terminal and
// transient outcomes.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"sii-gateway/internal/certstore"
	"sii-gateway/internal/platform/config"
	"sii-gateway/internal/sii"
	"sii-gateway/internal/sii/response"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sii_gateway_submission_attempts_total",
		Help: "Submission attempts by result classification",
	}, []string{"result"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sii_gateway_submission_outcomes_total",
		Help: "Final submission outcomes by status",
	}, []string{"status"})
)

// maxResponseBytes caps how much of a reply is read; authority responses are
// a few KB.
const maxResponseBytes = 1 << 20

// Client submits envelopes for one identity. It holds the key material for
// the lifetime of one submission session and is safe for concurrent use by
// independent submission workers.
type Client struct {
	httpClient *http.Client
	endpoint   string
	cfg        config.SIIConfig
	km         *certstore.KeyMaterial
	logger     *slog.Logger
	tracer     trace.Tracer
	clock      func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport, used by tests to point at a stub
// authority.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) { c.clock = clock }
}

// New builds a submission client from the key material. The material is
// checked immediately so an expired identity fails closed at construction
// instead of on the first submission.
func New(km *certstore.KeyMaterial, cfg config.SIIConfig, logger *slog.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		endpoint: cfg.Endpoint,
		cfg:      cfg,
		km:       km,
		logger:   logger,
		tracer:   otel.Tracer("sii-gateway/internal/sii/client"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.MaxAttempts < 1 {
		c.cfg.MaxAttempts = 1
	}

	if err := km.Valid(c.clock()); err != nil {
		return nil, err
	}

	if c.httpClient == nil {
		cert, err := km.TLSCertificate()
		if err != nil {
			return nil, err
		}
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{cert},
					MinVersion:   tls.VersionTLS12,
				},
			},
		}
	}
	return c, nil
}

// Submit sends the envelope, retrying transient failures with exponential
// backoff and jitter. Retries stop at the attempt limit or the elapsed-time
// bound, whichever trips first; backoff sleeps observe ctx so callers can
// cancel mid-wait. Terminal outcomes are never retried: resubmitting a
// rejected document can file it twice at the authority.
func (c *Client) Submit(ctx context.Context, env *sii.Envelope) sii.Outcome {
	ctx, span := c.tracer.Start(ctx, "sii.submit", trace.WithAttributes(
		attribute.String("invoice.number", env.InvoiceNumber),
	))
	defer span.End()

	if err := c.km.Valid(c.clock()); err != nil {
		outcomesTotal.WithLabelValues(string(sii.StatusRejected)).Inc()
		return sii.Outcome{
			Status:           sii.StatusRejected,
			ErrorCode:        "CERT_INVALID",
			ErrorDescription: err.Error(),
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = c.cfg.MaxElapsedTime

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.cfg.MaxAttempts-1)), ctx)

	var out sii.Outcome
	attempt := 0
	operation := func() error {
		attempt++
		out = c.attempt(ctx, env)
		if out.Status == sii.StatusTransient {
			attemptsTotal.WithLabelValues("transient").Inc()
			c.logger.WarnContext(ctx, "submission attempt failed",
				"invoice_number", env.InvoiceNumber,
				"attempt", attempt,
				"error", out.Cause,
			)
			return out.Cause
		}
		attemptsTotal.WithLabelValues("terminal").Inc()
		return nil
	}

	// The returned error only signals retry exhaustion; the last transient
	// outcome in out already carries the cause.
	_ = backoff.Retry(operation, policy)

	outcomesTotal.WithLabelValues(string(out.Status)).Inc()
	span.SetAttributes(attribute.String("sii.outcome", string(out.Status)))
	return out
}

// attempt performs one independently timed-out POST. Sent envelopes resolve
// to a parsed outcome; transport errors, timeouts, and 5xx replies are
// transient; authentication failures and other 4xx replies are terminal.
func (c *Client) attempt(ctx context.Context, env *sii.Envelope) sii.Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(env.Body))
	if err != nil {
		return sii.Transient(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "text/xml;charset=UTF-8")
	req.Header.Set("SOAPAction", "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return sii.Transient(fmt.Errorf("post envelope: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return sii.Transient(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return sii.Transient(fmt.Errorf("authority returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return sii.Outcome{
			Status:           sii.StatusRejected,
			ErrorCode:        fmt.Sprintf("HTTP_%d", resp.StatusCode),
			ErrorDescription: "authority rejected the client identity",
		}
	case resp.StatusCode >= 400:
		// 4xx bodies usually carry a SOAP fault worth surfacing.
		if out := response.Parse(body); out.Status == sii.StatusRejected {
			return out
		}
		return sii.Outcome{
			Status:           sii.StatusRejected,
			ErrorCode:        fmt.Sprintf("HTTP_%d", resp.StatusCode),
			ErrorDescription: "authority rejected the submission",
		}
	default:
		return response.Parse(body)
	}
}
