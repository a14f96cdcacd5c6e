package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// HTTPRiskScorer fetches sender risk multipliers from the fraud-scoring
// collaborator.
type HTTPRiskScorer struct {
	baseURL string
	timeout time.Duration
	client  *fasthttp.Client
}

func NewHTTPRiskScorer(baseURL string, timeout time.Duration) *HTTPRiskScorer {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &HTTPRiskScorer{
		baseURL: baseURL,
		timeout: timeout,
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}
}

type riskResponse struct {
	Multiplier float64 `json:"multiplier"`
}

func (s *HTTPRiskScorer) RiskMultiplier(ctx context.Context, userID string) (float64, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.baseURL + "/api/v1/risk/" + userID)
	req.Header.SetMethod(fasthttp.MethodGet)

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.client.DoDeadline(req, resp, deadline); err != nil {
		return 0, err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return 0, fmt.Errorf("risk scorer returned status %d", resp.StatusCode())
	}

	var body riskResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return 0, err
	}
	if body.Multiplier <= 0 {
		return 0, fmt.Errorf("risk scorer returned invalid multiplier %f", body.Multiplier)
	}
	return body.Multiplier, nil
}
