package geo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"careroute/internal/model"
)

// HTTPProvider talks to an OpenRouteService-compatible matrix endpoint.
// Transient failures (429, 5xx, network errors) are retried with exponential
// backoff; all outbound calls pass through a shared rate limiter.
type HTTPProvider struct {
	baseURL     string
	profile     string
	apiKey      string
	client      *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	backoff     time.Duration
}

type HTTPProviderConfig struct {
	BaseURL     string
	Profile     string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	RatePerSec  float64
}

func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.Profile == "" {
		cfg.Profile = "driving-car"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	return &HTTPProvider{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		profile:     cfg.Profile,
		apiKey:      cfg.APIKey,
		client:      &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
	}
}

func (p *HTTPProvider) Name() string { return "ors" }

type matrixRequest struct {
	Locations [][]float64 `json:"locations"`
	Metrics   []string    `json:"metrics"`
}

type matrixResponse struct {
	Distances [][]*float64 `json:"distances"`
	Durations [][]*float64 `json:"durations"`
}

func (p *HTTPProvider) GetMatrix(ctx context.Context, locs []model.Location) (*Matrix, error) {
	coords := make([][]float64, len(locs))
	for i, l := range locs {
		// ORS takes [lng, lat]
		coords[i] = []float64{l.Lng, l.Lat}
	}
	payload, err := json.Marshal(matrixRequest{Locations: coords, Metrics: []string{"distance", "duration"}})
	if err != nil {
		return nil, &model.ExternalServiceError{Provider: p.Name(), Err: fmt.Errorf("marshal matrix request: %w", err)}
	}

	endpoint := fmt.Sprintf("%s/v2/matrix/%s", p.baseURL, p.profile)
	resp, err := p.doWithRetry(ctx, func() (*http.Request, error) {
		return p.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	})
	if err != nil {
		return nil, &model.ExternalServiceError{Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	var mr matrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, &model.ExternalServiceError{Provider: p.Name(), Err: fmt.Errorf("decode matrix response: %w", err)}
	}
	n := len(locs)
	if len(mr.Distances) != n || len(mr.Durations) != n {
		return nil, &model.ExternalServiceError{Provider: p.Name(),
			Err: fmt.Errorf("matrix size mismatch: want %d rows, got distances=%d durations=%d", n, len(mr.Distances), len(mr.Durations))}
	}

	dist := make([][]int, n)
	dur := make([][]int, n)
	for i := 0; i < n; i++ {
		if len(mr.Distances[i]) != n || len(mr.Durations[i]) != n {
			return nil, &model.ExternalServiceError{Provider: p.Name(),
				Err: fmt.Errorf("matrix row %d length mismatch", i)}
		}
		dist[i] = make([]int, n)
		dur[i] = make([]int, n)
		for j := 0; j < n; j++ {
			dm, ds := mr.Distances[i][j], mr.Durations[i][j]
			if dm == nil || ds == nil {
				return nil, &model.ExternalServiceError{Provider: p.Name(),
					Err: fmt.Errorf("matrix cell (%d,%d) is unroutable", i, j)}
			}
			dist[i][j] = int(math.Round(*dm))
			dur[i][j] = int(math.Round(*ds))
		}
	}
	return &Matrix{Locations: locs, DistancesM: dist, DurationsSec: dur, Provider: p.Name()}, nil
}

func (p *HTTPProvider) GetPair(ctx context.Context, from, to model.Location) (int, int, error) {
	m, err := p.GetMatrix(ctx, []model.Location{from, to})
	if err != nil {
		return 0, 0, err
	}
	return m.DistancesM[0][1], m.DurationsSec[0][1], nil
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func (p *HTTPProvider) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", p.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (p *HTTPProvider) do(req *http.Request) (*http.Response, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

func (p *HTTPProvider) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	backoff := p.backoff
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := makeReq()
		if err != nil {
			return nil, err
		}
		resp, err := p.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retry := false
		var he *httpStatusError
		if errors.As(err, &he) {
			switch he.Code {
			case 429, 500, 502, 503, 504:
				retry = true
			}
		}
		var netErr net.Error
		if !retry && errors.As(err, &netErr) {
			retry = true
		}
		if !retry || attempt == p.maxAttempts {
			return nil, lastErr
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}
