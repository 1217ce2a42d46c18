package nws

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mathisontech/beacon/internal/config"
	"github.com/mathisontech/beacon/internal/domain"
	"github.com/mathisontech/beacon/internal/observability"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUserAgent     = "BeaconTest/1.0 (test@example.com)"
	contentTypeGeo    = "application/geo+json"
	headerContentType = "Content-Type"
)

var testLoc = domain.Location{Latitude: 40, Longitude: -75}

func testClient(baseURL string) *Client {
	return NewClient(&config.Config{
		NWSBaseURL:          baseURL,
		NWSUserAgent:        testUserAgent,
		NWSTimeout:          5 * time.Second,
		NWSRateLimit:        1000,
		NWSRateBurst:        100,
		NWSBreakerFailures:  3,
		NWSBreakerOpenDelay: time.Minute,
	}, observability.NewMetricsForTesting(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClient_Point(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/points/40,-75", r.URL.Path)
		assert.Equal(t, testUserAgent, r.Header.Get("User-Agent"))
		w.Header().Set(headerContentType, contentTypeGeo)
		fmt.Fprint(w, `{"properties":{"county":"Bucks County","gridId":"PHI","gridX":49,"gridY":75,"forecast":"https://api.weather.gov/gridpoints/PHI/49,75/forecast"}}`)
	}))
	defer srv.Close()

	grid, err := testClient(srv.URL).Point(context.Background(), testLoc)
	require.NoError(t, err)

	assert.Equal(t, "Bucks", grid.County)
	assert.Equal(t, "PHI", grid.GridID)
	assert.Equal(t, 49, grid.GridX)
	assert.Equal(t, 75, grid.GridY)
	assert.Equal(t, "https://api.weather.gov/gridpoints/PHI/49,75/forecast", grid.ForecastURL)
}

func TestClient_ActiveAlerts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/alerts/active", r.URL.Path)
		assert.Equal(t, "40,-75", r.URL.Query().Get("point"))
		assert.Equal(t, "Severe,Extreme", r.URL.Query().Get("severity"))
		assert.Equal(t, "Observed,Likely", r.URL.Query().Get("certainty"))
		assert.Equal(t, testUserAgent, r.Header.Get("User-Agent"))
		w.Header().Set(headerContentType, contentTypeGeo)
		fmt.Fprint(w, `{"features":[
			{"id":"https://api.weather.gov/alerts/urn:1","properties":{
				"id":"urn:1","event":"Tornado Warning","headline":"Tornado Warning issued",
				"severity":"Extreme","urgency":"Immediate","certainty":"Observed",
				"areaDesc":"Bucks, PA; Montgomery, PA","senderName":"NWS Mount Holly NJ",
				"effective":"2024-05-01T12:00:00-04:00","onset":"2024-05-01T12:05:00-04:00",
				"expires":"2024-05-01T12:45:00-04:00","instruction":null}},
			{"id":"urn:2","properties":{"event":"Flood Watch","severity":"Severe","onset":"garbage"}}
		]}`)
	}))
	defer srv.Close()

	alerts, err := testClient(srv.URL).ActiveAlerts(context.Background(), testLoc)
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	a := alerts[0]
	assert.Equal(t, "urn:1", a.ID)
	assert.Equal(t, "Tornado Warning", a.Event)
	assert.Equal(t, "Extreme", a.Severity)
	assert.Equal(t, "Immediate", a.Urgency)
	assert.Equal(t, "Bucks, PA; Montgomery, PA", a.AreaDesc)
	assert.Empty(t, a.Instruction)
	assert.True(t, a.Onset.Equal(time.Date(2024, 5, 1, 16, 5, 0, 0, time.UTC)))
	assert.True(t, a.Expires.Equal(time.Date(2024, 5, 1, 16, 45, 0, 0, time.UTC)))

	b := alerts[1]
	assert.Equal(t, "urn:2", b.ID, "falls back to feature id")
	assert.True(t, b.Onset.IsZero(), "malformed timestamps degrade to missing")
}

func TestClient_Forecast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gridpoints/PHI/49,75/forecast", r.URL.Path)
		fmt.Fprint(w, `{"properties":{"periods":[
			{"temperature":72,"temperatureUnit":"F","windSpeed":"10 mph","windDirection":"SW",
			 "shortForecast":"Thunderstorms","detailedForecast":"Thunderstorms likely.","isDaytime":true},
			{"temperature":60,"temperatureUnit":"F"}
		]}}`)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	cond, err := c.Forecast(context.Background(), domain.GridPoint{ForecastURL: srv.URL + "/gridpoints/PHI/49,75/forecast"})
	require.NoError(t, err)

	assert.Equal(t, 72, cond.Temperature)
	assert.Equal(t, "F", cond.TemperatureUnit)
	assert.Equal(t, "10 mph", cond.WindSpeed)
	assert.Equal(t, "SW", cond.WindDirection)
	assert.Equal(t, "Thunderstorms", cond.ShortForecast)
	assert.True(t, cond.IsDaytime)
}

func TestClient_ForecastErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"properties":{"periods":[]}}`)
	}))
	defer srv.Close()

	c := testClient(srv.URL)

	_, err := c.Forecast(context.Background(), domain.GridPoint{})
	require.Error(t, err)

	_, err = c.Forecast(context.Background(), domain.GridPoint{ForecastURL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no periods")
}

func TestClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "upstream down")
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).ActiveAlerts(context.Background(), testLoc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClient_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"properties":`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Point(context.Background(), testLoc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode points response")
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	for range 3 {
		_, err := c.Point(context.Background(), testLoc)
		require.Error(t, err)
	}

	_, err := c.Point(context.Background(), testLoc)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), hits.Load(), "open breaker does not reach the network")
}

func TestClient_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testClient(srv.URL).Point(ctx, testLoc)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCountyName(t *testing.T) {
	assert.Equal(t, "Bucks", countyName("Bucks County"))
	assert.Equal(t, "PAC017", countyName("https://api.weather.gov/zones/county/PAC017"))
	assert.Equal(t, "Unknown", countyName(""))
}
