package util

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a Prometheus registry exposing Stats. The collectors
// read the atomic counters on scrape, so Stats stays the single source.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "seqtunnel",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	reg.MustRegister(
		counter("connections_total", "Tunnelled TCP connections opened.", &Stats.TotalConns),
		counter("connections_closed_total", "Tunnelled TCP connections closed.", &Stats.ClosedConns),
		counter("transport_sent_bytes_total", "Bytes written to the DataChannel.", &Stats.BytesSent),
		counter("transport_received_bytes_total", "Bytes read from the DataChannel.", &Stats.BytesRecv),
		counter("payloads_forwarded_total", "Payloads written to a sink in sequence order.", &Stats.Forwarded),
		counter("payload_bytes_forwarded_total", "Content bytes written to a sink.", &Stats.ForwardedBytes),
		counter("payloads_stale_total", "Duplicate payloads dropped.", &Stats.Stale),
		counter("pending_overflows_total", "Sessions aborted because the pending buffer was full.", &Stats.Overflows),
		counter("sink_write_failures_total", "Sink writes that failed.", &Stats.WriteFailures),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "seqtunnel",
			Name:      "payloads_pending",
			Help:      "Payloads currently buffered out of order.",
		}, func() float64 { return float64(Stats.Buffered.Load()) }),
	)

	return reg
}

// ServeMetrics serves /metrics for reg on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	LogInfo("metrics available at http://%s/metrics", listener.Addr())

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			LogError("metrics server stopped: %v", err)
		}
	}()

	return nil
}
