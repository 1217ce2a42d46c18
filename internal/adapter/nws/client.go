package nws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mathisontech/beacon/internal/config"
	"github.com/mathisontech/beacon/internal/domain"
	"github.com/mathisontech/beacon/internal/observability"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 4 << 20

// Endpoint labels used for metrics and error messages.
const (
	endpointPoints   = "points"
	endpointAlerts   = "alerts"
	endpointForecast = "forecast"
)

// Client implements domain.AlertSource using the National Weather Service API.
// Requests pass through a rate limiter and a circuit breaker before reaching the network.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates an NWS API client from the service configuration.
func NewClient(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(cfg.NWSBaseURL, "/"),
		userAgent: cfg.NWSUserAgent,
		httpClient: &http.Client{
			Timeout: cfg.NWSTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.NWSRateLimit), cfg.NWSRateBurst),
		metrics: metrics,
		logger:  logger,
	}

	threshold := cfg.NWSBreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nws",
		MaxRequests: 1,
		Timeout:     cfg.NWSBreakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about upstream health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			switch to {
			case gobreaker.StateClosed:
				metrics.UpstreamBreakerState.Set(observability.BreakerClosed)
			case gobreaker.StateHalfOpen:
				metrics.UpstreamBreakerState.Set(observability.BreakerHalfOpen)
			case gobreaker.StateOpen:
				metrics.UpstreamBreakerState.Set(observability.BreakerOpen)
			}
		},
	})

	return c
}

// Point resolves a location to its forecast grid.
func (c *Client) Point(ctx context.Context, loc domain.Location) (domain.GridPoint, error) {
	var resp pointResponse
	if err := c.getJSON(ctx, endpointPoints, c.baseURL+"/points/"+loc.Key(), &resp); err != nil {
		return domain.GridPoint{}, err
	}
	p := resp.Properties
	return domain.GridPoint{
		County:      countyName(p.County),
		GridID:      p.GridID,
		GridX:       p.GridX,
		GridY:       p.GridY,
		ForecastURL: p.Forecast,
	}, nil
}

// ActiveAlerts returns active Severe and Extreme alerts that are Observed or Likely.
func (c *Client) ActiveAlerts(ctx context.Context, loc domain.Location) ([]domain.RawAlert, error) {
	params := url.Values{
		"point":     {loc.Key()},
		"severity":  {"Severe,Extreme"},
		"certainty": {"Observed,Likely"},
	}
	// NWS expects literal commas in the filter values.
	query := strings.ReplaceAll(params.Encode(), "%2C", ",")

	var resp alertsResponse
	if err := c.getJSON(ctx, endpointAlerts, c.baseURL+"/alerts/active?"+query, &resp); err != nil {
		return nil, err
	}

	alerts := make([]domain.RawAlert, 0, len(resp.Features))
	for _, f := range resp.Features {
		p := f.Properties
		id := p.ID
		if id == "" {
			id = f.ID
		}
		alerts = append(alerts, domain.RawAlert{
			ID:          id,
			Event:       p.Event,
			Headline:    p.Headline,
			Severity:    p.Severity,
			Urgency:     p.Urgency,
			Certainty:   p.Certainty,
			Description: p.Description,
			Instruction: p.Instruction,
			AreaDesc:    p.AreaDesc,
			SenderName:  p.SenderName,
			Effective:   parseTime(p.Effective),
			Onset:       parseTime(p.Onset),
			Expires:     parseTime(p.Expires),
		})
	}
	return alerts, nil
}

// Forecast returns the first period of the grid's forecast.
func (c *Client) Forecast(ctx context.Context, grid domain.GridPoint) (domain.Conditions, error) {
	if grid.ForecastURL == "" {
		return domain.Conditions{}, errors.New("grid point has no forecast URL")
	}

	var resp forecastResponse
	if err := c.getJSON(ctx, endpointForecast, grid.ForecastURL, &resp); err != nil {
		return domain.Conditions{}, err
	}
	if len(resp.Properties.Periods) == 0 {
		return domain.Conditions{}, errors.New("forecast has no periods")
	}

	p := resp.Properties.Periods[0]
	return domain.Conditions{
		Temperature:      p.Temperature,
		TemperatureUnit:  p.TemperatureUnit,
		WindSpeed:        p.WindSpeed,
		WindDirection:    p.WindDirection,
		ShortForecast:    p.ShortForecast,
		DetailedForecast: p.DetailedForecast,
		IsDaytime:        p.IsDaytime,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint, fullURL string, dst any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limit: %w", endpoint, err)
	}

	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doRequest(ctx, endpoint, fullURL, dst)
	})
	c.metrics.UpstreamDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.metrics.UpstreamRequests.WithLabelValues(endpoint, "rejected").Inc()
		return fmt.Errorf("%s request: %w", endpoint, err)
	case err != nil:
		c.metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
		c.logger.Debug("nws request failed", "endpoint", endpoint, "error", err)
		return err
	}
	c.metrics.UpstreamRequests.WithLabelValues(endpoint, "success").Inc()
	return nil
}

func (c *Client) doRequest(ctx context.Context, endpoint, fullURL string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/geo+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("nws API error: %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// countyName accepts either a county name or an NWS county zone URL.
func countyName(s string) string {
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(strings.Replace(s, " County", "", 1))
	if s == "" {
		return "Unknown"
	}
	return s
}

// parseTime returns the zero time for missing or malformed timestamps.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
