package httpimpl

import (
	"strconv"
	"sync"
	"time"

	"github.com/bsv-blockchain/blocksync/util"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusStatusHTTPRequests *prometheus.HistogramVec
)

var (
	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusStatusHTTPRequests = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "blocksync",
			Subsystem: "status_http",
			Name:      "requests",
			Help:      "Duration of status HTTP requests, by route and status code",
			Buckets:   util.MetricsBucketsMilliSeconds,
		},
		[]string{"route", "code"},
	)
}

func requestMetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			prometheusStatusHTTPRequests.
				WithLabelValues(c.Path(), strconv.Itoa(c.Response().Status)).
				Observe(time.Since(start).Seconds())

			return nil
		}
	}
}
