package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/connection counter.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // cumulative count of tunnelled connections
	ClosedConns atomic.Int64 // cumulative count of closed connections
	BytesSent   atomic.Int64 // cumulative bytes written to the transport
	BytesRecv   atomic.Int64 // cumulative bytes read from the transport

	Forwarded      atomic.Int64 // payloads written to a sink in order
	ForwardedBytes atomic.Int64 // content bytes written to a sink
	Buffered       atomic.Int64 // payloads currently held out of order
	Stale          atomic.Int64 // duplicate payloads dropped
	Overflows      atomic.Int64 // sessions aborted by a full pending buffer
	WriteFailures  atomic.Int64 // sink writes that returned an error
}

func (s *stats) AddConn()      { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

func (s *stats) AddForwarded(n int) {
	s.Forwarded.Add(1)
	s.ForwardedBytes.Add(int64(n))
}

func (s *stats) AddBuffered(delta int) { s.Buffered.Add(int64(delta)) }
func (s *stats) AddStale()             { s.Stale.Add(1) }
func (s *stats) AddOverflow()          { s.Overflows.Add(1) }
func (s *stats) AddWriteFailure()      { s.WriteFailures.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// reportInterval is how often StartStatsReporter samples the counters.
const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every reportInterval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if line, ok := cur.report(prev, reportInterval.Seconds()); ok {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// snapshot is a point-in-time copy of the counters the reporter prints.
type snapshot struct {
	total, closed, sent, recv, stale int64
}

func takeSnapshot() snapshot {
	return snapshot{
		total:  Stats.TotalConns.Load(),
		closed: Stats.ClosedConns.Load(),
		sent:   Stats.BytesSent.Load(),
		recv:   Stats.BytesRecv.Load(),
		stale:  Stats.Stale.Load(),
	}
}

// report formats the delta against prev. It reports false when nothing
// worth printing happened in the interval.
func (s snapshot) report(prev snapshot, secs float64) (string, bool) {
	inS := float64(s.sent-prev.sent) / secs
	outS := float64(s.recv-prev.recv) / secs
	inC := s.total - prev.total
	outC := s.closed - prev.closed
	stale := s.stale - prev.stale

	if inC == 0 && outC == 0 && inS <= 10 && outS <= 10 && stale == 0 {
		return "", false
	}
	return formatStats(inS, outS, inC, outC, stale, Stats.Buffered.Load()), true
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string exactly
// 8 chars wide, e.g. "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// stay below 100 so the width never grows to "100.0 KiB"
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders one reporter line.
func formatStats(inS, outS float64, inC, outC, stale, buffered int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ | Reorder: %d held, %d stale",
		formatBytes(inS),
		formatBytes(outS),
		inC,
		outC,
		buffered,
		stale,
	)
}
