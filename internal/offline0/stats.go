package offline0

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector tracks sizes of responses served as hit or miss.
type statsCollector struct {
	hits       atomic.Uint64
	misses     atomic.Uint64
	totalBytes atomic.Uint64
	minBytes   atomic.Uint64
	maxBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(src Source, respBytes int) {
	switch src {
	case SourceCache:
		s.hits.Add(1)
	case SourceNetwork, SourceStored:
		s.misses.Add(1)
	default:
		return
	}
	n := uint64(max(respBytes, 0))
	s.totalBytes.Add(n)

	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits     uint64
	Misses   uint64
	MinBytes uint64
	MaxBytes uint64
	AvgBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	hits, misses := s.hits.Load(), s.misses.Load()
	count := hits + misses
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Hits:     hits,
		Misses:   misses,
		MinBytes: minv,
		MaxBytes: s.maxBytes.Load(),
		AvgBytes: s.totalBytes.Load() / count,
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
