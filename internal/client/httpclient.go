// Package client calls sibling services over HTTP.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StatusError is returned when the downstream answers with a non-2xx code.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.Code)
}

// Client is a traced JSON client.  The timeout of every call comes from the
// caller's context.
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
}

// NewClient creates a Client with a pooled transport.
func NewClient(tracer trace.Tracer) *Client {
	if tracer == nil {
		tracer = otel.Tracer("review-points-service/client")
	}
	return &Client{
		Tracer: tracer,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
	}
}

// GetJSON sends a GET to rawURL and decodes the response body into out.
func (c *Client) GetJSON(ctx context.Context, spanName, rawURL string, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	ctx, span := c.Tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	req.Header.Set("Accept", "application/json")
	span.SetAttributes(
		attribute.String("http.url", u.String()),
		attribute.String("http.method", http.MethodGet),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := &StatusError{URL: u.String(), Code: resp.StatusCode}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode response")
		return fmt.Errorf("decode %s: %w", u.Path, err)
	}
	return nil
}
