package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/docsearch/internal/docstore"
	"github.com/fyrsmithlabs/docsearch/internal/telemetry"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func TestMetricsMiddleware_RouteTemplates(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	d := newTestDeps()
	d.documents.docs["a"] = &docstore.Document{ID: "a"}

	server, err := NewServer(d.deps(), zap.NewNop(), nil, WithMeter(tel.Meter("test")))
	require.NoError(t, err)

	for _, path := range []string{"/api/documents/a", "/api/documents/b", "/api/documents/c"} {
		do(server, httptest.NewRequest(http.MethodGet, path, nil))
	}
	do(server, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	rm := tel.Collect(t)
	requests, ok := telemetry.FindMetric(rm, "docsearch.http.requests_total")
	require.True(t, ok)

	endpoint := attribute.String("endpoint", "/api/documents/:id")
	assert.EqualValues(t, 3, telemetry.SumValue(requests, endpoint))
	assert.EqualValues(t, 1, telemetry.SumValue(requests, endpoint, attribute.Int("status", http.StatusOK)))
	assert.EqualValues(t, 2, telemetry.SumValue(requests, endpoint, attribute.Int("status", http.StatusNotFound)))
	assert.EqualValues(t, 3, telemetry.SumValue(requests, attribute.Int("status", http.StatusNotFound)))

	for _, name := range []string{
		"docsearch.http.request_duration_seconds",
		"docsearch.http.response_size_bytes",
		"docsearch.http.active_requests",
	} {
		_, ok := telemetry.FindMetric(rm, name)
		assert.True(t, ok, name)
	}

	active, _ := telemetry.FindMetric(rm, "docsearch.http.active_requests")
	assert.Zero(t, telemetry.SumValue(active))
}

func TestMetricsMiddleware_StatusFromReturnedError(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := NewHTTPMetrics(tel.Meter("test"), nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/teapot", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot, "short and stout")
	})
	e.GET("/boom", func(c echo.Context) error {
		return assert.AnError
	})

	for _, path := range []string{"/teapot", "/boom"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	requests, ok := telemetry.FindMetric(tel.Collect(t), "docsearch.http.requests_total")
	require.True(t, ok)
	assert.EqualValues(t, 1, telemetry.SumValue(requests, attribute.Int("status", http.StatusTeapot)))
	assert.EqualValues(t, 1, telemetry.SumValue(requests,
		attribute.String("endpoint", "/boom"), attribute.Int("status", http.StatusInternalServerError)))

	duration, ok := telemetry.FindMetric(tel.Collect(t), "docsearch.http.request_duration_seconds")
	require.True(t, ok)
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.EqualValues(t, 2, count)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "unmatched", normalizePath(""))
	assert.Equal(t, "unmatched", normalizePath("/*"))
	assert.Equal(t, "/api/documents/:id", normalizePath("/api/documents/:id"))
}
