// internal/httpapi/metrics.go
package httpapi

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/neo-alexandria/alexandria/internal/httpapi"

// requestMetrics records request count, latency, and response size per
// route. Routes are labeled by the echo pattern (":id" not the value),
// which keeps the label cardinality bounded.
func requestMetrics() echo.MiddlewareFunc {
	meter := otel.Meter(instrumentationName)
	requests, _ := meter.Int64Counter("alexandria.http.requests_total",
		metric.WithDescription("HTTP requests by method, route, and status."),
		metric.WithUnit("{request}"))
	duration, _ := meter.Float64Histogram("alexandria.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0))
	size, _ := meter.Int64Histogram("alexandria.http.response_size_bytes",
		metric.WithDescription("HTTP response body size in bytes."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "/"
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.Int("status", c.Response().Status))

			ctx := c.Request().Context()
			if requests != nil {
				requests.Add(ctx, 1, attrs)
			}
			if duration != nil {
				duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if size != nil {
				size.Record(ctx, c.Response().Size, attrs)
			}
			return err
		}
	}
}
