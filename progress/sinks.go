package progress

import (
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// LogSink publishes Status via a structured logger, human-readable byte
// totals rendered with github.com/dustin/go-humanize.
type LogSink struct {
	Log *zap.Logger
}

// Publish implements Sink.
func (s *LogSink) Publish(st Status) {
	s.Log.Info("pull progress",
		zap.Int64("outstanding_fetches", st.OutstandingFetches),
		zap.Int64("outstanding_writes", st.OutstandingWrites),
		zap.Int64("fetched", st.Fetched),
		zap.Int64("requested", st.Requested),
		zap.Int64("scanned_metadata", st.ScannedMetadata),
		zap.String("bytes_transferred", humanize.Bytes(uint64(st.BytesTransferred))),
		zap.Int64("fetched_delta_parts", st.FetchedDeltaParts),
		zap.Int64("total_delta_parts", st.TotalDeltaParts),
	)
}

// PrometheusSink publishes Status as a set of gauges, the same pattern the
// teacher's cmd/zoekt-sourcegraph-indexserver/queue.go uses for
// metricQueueLen/metricQueueCap.
type PrometheusSink struct {
	outstandingFetches prometheus.Gauge
	outstandingWrites  prometheus.Gauge
	fetched            prometheus.Gauge
	requested          prometheus.Gauge
	scannedMetadata    prometheus.Gauge
	bytesTransferred   prometheus.Gauge
	totalDeltaParts    prometheus.Gauge
	fetchedDeltaParts  prometheus.Gauge
}

// NewPrometheusSink registers the pull engine's progress gauges against reg
// with MustRegister, so it panics if the gauges are already registered
// there.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	factory := prometheus.WrapRegistererWithPrefix("pullengine_", reg)
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		factory.MustRegister(g)
		return g
	}
	return &PrometheusSink{
		outstandingFetches: gauge("outstanding_fetches", "In-flight object/delta fetches."),
		outstandingWrites:  gauge("outstanding_writes", "In-flight store writes."),
		fetched:            gauge("fetched_total", "Objects fetched so far."),
		requested:          gauge("requested_total", "Objects requested so far."),
		scannedMetadata:    gauge("scanned_metadata_total", "Metadata objects scanned so far."),
		bytesTransferred:   gauge("bytes_transferred", "Bytes transferred so far."),
		totalDeltaParts:    gauge("total_delta_parts", "Static delta parts discovered so far."),
		fetchedDeltaParts:  gauge("fetched_delta_parts", "Static delta parts fetched so far."),
	}
}

// Publish implements Sink.
func (s *PrometheusSink) Publish(st Status) {
	s.outstandingFetches.Set(float64(st.OutstandingFetches))
	s.outstandingWrites.Set(float64(st.OutstandingWrites))
	s.fetched.Set(float64(st.Fetched))
	s.requested.Set(float64(st.Requested))
	s.scannedMetadata.Set(float64(st.ScannedMetadata))
	s.bytesTransferred.Set(float64(st.BytesTransferred))
	s.totalDeltaParts.Set(float64(st.TotalDeltaParts))
	s.fetchedDeltaParts.Set(float64(st.FetchedDeltaParts))
}
