// Package metrics exposes Prometheus instrumentation for the HTTP surface
// and the execution pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the service metrics.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	dispatchesTotal *prometheus.CounterVec
	callbacksTotal  *prometheus.CounterVec
	registry        *prometheus.Registry
}

// NewCollector creates a Collector backed by its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_http_requests_total",
				Help: "Total number of HTTP requests served",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atelier_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		dispatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_dispatches_total",
				Help: "Total number of job graphs dispatched to the engine",
			},
			[]string{"outcome"},
		),
		callbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_callbacks_total",
				Help: "Total number of engine completion callbacks processed",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveDispatch counts one dispatch attempt by outcome ("ok", "failed").
func (c *Collector) ObserveDispatch(outcome string) {
	c.dispatchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveCallback counts one callback delivery by outcome.
func (c *Collector) ObserveCallback(outcome string) {
	c.callbacksTotal.WithLabelValues(outcome).Inc()
}

// Middleware instruments every request with a counter and a duration
// histogram, labeled by route pattern rather than raw path to bound
// cardinality.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			start := time.Now()
			err := next(ec)

			path := ec.Path()
			if path == "" {
				path = "unmatched"
			}
			status := ec.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			c.requestsTotal.WithLabelValues(ec.Request().Method, path, strconv.Itoa(status)).Inc()
			c.requestDuration.WithLabelValues(ec.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the collector's registry in Prometheus exposition format.
func (c *Collector) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}
