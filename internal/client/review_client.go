package client

import (
	"context"
	"fmt"
	"time"

	"github.com/iliyamo/review-points-service/internal/points"
)

// ReviewClient reads per-user review metrics from the review service.
type ReviewClient struct {
	http    *Client
	baseURL string
	timeout time.Duration
}

var _ points.MetricSource = (*ReviewClient)(nil)

// NewReviewClient returns a client for the review service at baseURL
// (no trailing slash).  A non-positive timeout means 3s.
func NewReviewClient(c *Client, baseURL string, timeout time.Duration) *ReviewClient {
	if c == nil {
		panic("nil http client")
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &ReviewClient{http: c, baseURL: baseURL, timeout: timeout}
}

type countResponse struct {
	Count int `json:"count"`
}

// ApprovedReviewCount returns how many of the user's reviews are approved.
func (r *ReviewClient) ApprovedReviewCount(ctx context.Context, userID uint64) (int, error) {
	return r.count(ctx, "review-service.approved-count",
		fmt.Sprintf("%s/internal/v1/users/%d/reviews/approved-count", r.baseURL, userID))
}

// TotalHelpfulVotes returns the helpful votes received across the user's
// reviews.
func (r *ReviewClient) TotalHelpfulVotes(ctx context.Context, userID uint64) (int, error) {
	return r.count(ctx, "review-service.helpful-votes",
		fmt.Sprintf("%s/internal/v1/users/%d/reviews/helpful-votes", r.baseURL, userID))
}

func (r *ReviewClient) count(ctx context.Context, span, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var body countResponse
	if err := r.http.GetJSON(ctx, span, url, &body); err != nil {
		return 0, err
	}
	if body.Count < 0 {
		return 0, fmt.Errorf("review service reported negative count %d", body.Count)
	}
	return body.Count, nil
}
