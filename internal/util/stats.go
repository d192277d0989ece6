// Package util provides shared logging and statistics helpers.
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

// Stats is the process-wide call/audio counter.
var Stats = &stats{}

type stats struct {
	CandidatesSent     atomic.Int64 // local ICE candidates sent to the relay
	CandidatesRecv     atomic.Int64 // remote ICE candidates received from the relay
	CandidatesBuffered atomic.Int64 // remote candidates held until the remote description was set
	ICERestarts        atomic.Int64 // connectivity restarts issued
	BytesSent          atomic.Int64 // cumulative audio payload bytes written to the local track
	BytesRecv          atomic.Int64 // cumulative RTP payload bytes read from the remote track
}

func (s *stats) AddCandidateSent()     { s.CandidatesSent.Add(1) }
func (s *stats) AddCandidateRecv()     { s.CandidatesRecv.Add(1) }
func (s *stats) AddCandidateBuffered() { s.CandidatesBuffered.Add(1) }
func (s *stats) AddICERestart()        { s.ICERestarts.Add(1) }
func (s *stats) AddSent(n int)         { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)         { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs audio throughput every
// 10 seconds while audio is flowing. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevRestarts int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				restarts := Stats.ICERestarts.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0

				if inS > 0 || outS > 0 || restarts != prevRestarts {
					pterm.DefaultLogger.Info(formatStats(inS, outS, restarts))
				}

				prevSent = sent
				prevRecv = recv
				prevRestarts = restarts

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

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, restarts int64) string {
	return fmt.Sprintf("Audio in: %s/s | out: %s/s | ICE restarts: %d",
		formatBytes(inS),
		formatBytes(outS),
		restarts,
	)
}
