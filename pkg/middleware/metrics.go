package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/renthub/apigate/pkg/infra/prometheus"
)

type metricsMiddleware struct {
	logger   *logrus.Logger
	taskChan chan func()
}

func NewMetricsMiddleware(logger *logrus.Logger) Middleware {
	m := &metricsMiddleware{
		logger:   logger,
		taskChan: make(chan func(), 1000),
	}
	go m.startWorkers(5)
	return m
}

// Middleware records request counters and latency off the hot path. Recording
// happens on worker goroutines so a slow registry never stalls a request.
func (m *metricsMiddleware) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		startTime := time.Now()

		err := c.Next()

		elapsed := time.Since(startTime)
		routeID, _ := c.Locals(RouteIDKey).(string)
		if routeID == "" || !prometheus.Config.EnablePerRoute {
			routeID = "all"
		}
		method := c.Method()
		statusCode := c.Response().StatusCode()

		m.enqueueTask(func() {
			m.record(routeID, method, statusCode, elapsed)
		})

		return err
	}
}

func (m *metricsMiddleware) record(routeID, method string, statusCode int, elapsed time.Duration) {
	prometheus.RequestTotal.WithLabelValues(
		routeID,
		method,
		statusClass(statusCode),
	).Inc()
	if prometheus.Config.EnableLatency {
		prometheus.RequestLatency.WithLabelValues(routeID).
			Observe(float64(elapsed.Milliseconds()))
	}
}

func statusClass(statusCode int) string {
	if statusCode < 100 || statusCode > 599 {
		return "5xx"
	}
	return fmt.Sprintf("%dxx", statusCode/100)
}

func (m *metricsMiddleware) startWorkers(n int) {
	for i := 0; i < n; i++ {
		go func() {
			for task := range m.taskChan {
				task()
			}
		}()
	}
}

func (m *metricsMiddleware) enqueueTask(task func()) {
	select {
	case m.taskChan <- task:
	default:
		m.logger.Warn("metrics task queue is full, dropping sample")
	}
}
