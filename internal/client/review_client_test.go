package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func newReviewClient(t *testing.T, h http.HandlerFunc, timeout time.Duration) *ReviewClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewReviewClient(NewClient(nil), srv.URL, timeout)
}

func TestReviewClientCounts(t *testing.T) {
	rc := newReviewClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/v1/users/42/reviews/approved-count":
			_, _ = w.Write([]byte(`{"count":27}`))
		case "/internal/v1/users/42/reviews/helpful-votes":
			_, _ = w.Write([]byte(`{"count":105}`))
		default:
			http.NotFound(w, r)
		}
	}, 0)

	n, err := rc.ApprovedReviewCount(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 27, n)

	n, err = rc.TotalHelpfulVotes(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 105, n)
}

func TestReviewClientErrors(t *testing.T) {
	rc := newReviewClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/v1/users/1/reviews/approved-count":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/internal/v1/users/2/reviews/approved-count":
			_, _ = w.Write([]byte(`{"count":-1}`))
		default:
			_, _ = w.Write([]byte(`not json`))
		}
	}, 0)

	_, err := rc.ApprovedReviewCount(context.Background(), 1)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)

	_, err = rc.ApprovedReviewCount(context.Background(), 2)
	assert.Error(t, err)

	_, err = rc.TotalHelpfulVotes(context.Background(), 3)
	assert.Error(t, err)
}

func TestReviewClientTimeout(t *testing.T) {
	release := make(chan struct{})
	rc := newReviewClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 20*time.Millisecond)
	defer close(release)

	_, err := rc.ApprovedReviewCount(context.Background(), 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientPropagatesTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("traceparent")
		_, _ = w.Write([]byte(`{"count":1}`))
	}))
	defer srv.Close()

	c := NewClient(tp.Tracer("test"))
	var out countResponse
	require.NoError(t, c.GetJSON(context.Background(), "probe", srv.URL+"/x", &out))
	assert.NotEmpty(t, <-got)
}
