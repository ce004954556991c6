package webclient

import (
	"github.com/seb7887/netclient/observability"
	"go.uber.org/atomic"
)

// Stats holds the usage counters of a runtime. Counters only grow.
type Stats struct {
	requestsSent atomic.Uint64
	bytesSent    atomic.Uint64
	bytesRecv    atomic.Uint64

	metrics *observability.MetricsCollector
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	RequestsSent uint64 `json:"requests_sent"`
	BytesSent    uint64 `json:"bytes_sent"`
	BytesRecv    uint64 `json:"bytes_recv"`
}

func newStats(metrics *observability.MetricsCollector) *Stats {
	return &Stats{metrics: metrics}
}

// RequestsSent is the number of accepted Send calls.
func (s *Stats) RequestsSent() uint64 { return s.requestsSent.Load() }

// BytesSent is the header and body size of every accepted request.
func (s *Stats) BytesSent() uint64 { return s.bytesSent.Load() }

// BytesRecv is the content size of every snapshot delivered to data receivers.
func (s *Stats) BytesRecv() uint64 { return s.bytesRecv.Load() }

// Snapshot reads the three counters. Each value is exact; the three reads are
// not atomic as a group.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		RequestsSent: s.RequestsSent(),
		BytesSent:    s.BytesSent(),
		BytesRecv:    s.BytesRecv(),
	}
}

func (s *Stats) recordSend(bytes int) {
	s.requestsSent.Inc()
	s.bytesSent.Add(uint64(bytes))
	s.metrics.AddRequestSent(bytes)
}

func (s *Stats) recordRecv(bytes int) {
	if bytes <= 0 {
		return
	}
	s.bytesRecv.Add(uint64(bytes))
	s.metrics.AddBytesReceived(bytes)
}
