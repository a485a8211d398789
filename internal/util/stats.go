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

// Stats is the process-wide peer/transfer counter.
var Stats = &stats{}

type stats struct {
	PeersOpened atomic.Int64 // cumulative peer connections created
	PeersClosed atomic.Int64 // cumulative peer connections removed
	BytesSent   atomic.Int64 // cumulative bytes written to data channels
	BytesRecv   atomic.Int64 // cumulative bytes read from data channels and remote tracks
}

func (s *stats) AddPeer()      { s.PeersOpened.Add(1) }
func (s *stats) RemovePeer()   { s.PeersClosed.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs transfer statistics
// every 10 seconds while there is activity. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevOpened, prevClosed int64
		for {
			select {
			case <-ticker.C:
				opened := Stats.PeersOpened.Load()
				closed := Stats.PeersClosed.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				upS := float64(sent-prevSent) / 10.0
				downS := float64(recv-prevRecv) / 10.0
				newPeers := opened - prevOpened
				gonePeers := closed - prevClosed

				if newPeers > 0 || gonePeers > 0 || upS > 10 || downS > 10 {
					pterm.DefaultLogger.Info(formatStats(upS, downS, opened-closed))
				}

				prevSent = sent
				prevRecv = recv
				prevOpened = opened
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a fixed-width (8 chars) string,
// for example "99.0   B", " 1.5 KiB", "98.9 GiB".
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(upS, downS float64, peers int64) string {
	return fmt.Sprintf("Up: %s/s | Down: %s/s | Peers: %2d",
		FormatBytes(upS),
		FormatBytes(downS),
		peers,
	)
}
