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

// Stats is the process-wide call traffic counter.
var Stats = &stats{}

type stats struct {
	FragmentsSent atomic.Int64 // transcript fragments written to the DataChannel
	FragmentsRecv atomic.Int64 // transcript fragments read from the DataChannel
	BytesSent     atomic.Int64 // cumulative bytes written to the DataChannel
	BytesRecv     atomic.Int64 // cumulative bytes read from the DataChannel
}

func (s *stats) AddFragmentSent() { s.FragmentsSent.Add(1) }
func (s *stats) AddFragmentRecv() { s.FragmentsRecv.Add(1) }
func (s *stats) AddSent(n int)    { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)    { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics every
// interval while anything changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevFragOut, prevFragIn int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				fragOut := Stats.FragmentsSent.Load()
				fragIn := Stats.FragmentsRecv.Load()

				if fragOut != prevFragOut || fragIn != prevFragIn {
					pterm.DefaultLogger.Info(formatStats(fragOut-prevFragOut, fragIn-prevFragIn, float64(sent-prevSent), float64(recv-prevRecv)))
				}

				prevSent = sent
				prevRecv = recv
				prevFragOut = fragOut
				prevFragIn = fragIn

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a one-line summary of the last reporting window.
func formatStats(fragOut, fragIn int64, bytesOut, bytesIn float64) string {
	return fmt.Sprintf("Fragments: %3d↑ %3d↓ | Bytes: %s↑ %s↓",
		fragOut,
		fragIn,
		formatBytes(bytesOut),
		formatBytes(bytesIn),
	)
}
