package policy

import (
	"context"
	"net/http"
	"time"

	"github.com/seb7887/netclient/observability"
)

// MetricsPolicy records round trip latency and requests on the wire per Key.
// Rejected requests are not timed: they never left the process.
type MetricsPolicy struct {
	collector *observability.MetricsCollector
}

func NewMetricsPolicy(collector *observability.MetricsCollector) *MetricsPolicy {
	return &MetricsPolicy{collector: collector}
}

func (m *MetricsPolicy) Execute(ctx context.Context, req *http.Request, next Executor) (*http.Response, error) {
	key := Key(req)
	m.collector.IncrementActiveRequests(key)
	defer m.collector.DecrementActiveRequests(key)

	start := time.Now()
	resp, err := next(ctx, req)

	switch {
	case resp != nil:
		m.collector.RecordRequestDuration(req.Method, key, resp.StatusCode, time.Since(start))
	case Rejected(err):
	case err != nil:
		// status 0: no status line was read
		m.collector.RecordRequestDuration(req.Method, key, 0, time.Since(start))
	}
	return resp, err
}
