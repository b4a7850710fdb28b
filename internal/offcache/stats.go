package offcache

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector tallies responses by source and tracks body sizes of
// responses served from or stored into the cache.
type statsCollector struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	network     atomic.Uint64
	offline     atomic.Uint64
	passthrough atomic.Uint64
	failures    atomic.Uint64

	sized     atomic.Uint64
	sizeTotal atomic.Uint64
	sizeMin   atomic.Uint64
	sizeMax   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.sizeMin.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(source string, respBytes int) {
	switch source {
	case SourceHit:
		s.hits.Add(1)
	case SourceMiss:
		s.misses.Add(1)
	case SourceNetwork:
		s.network.Add(1)
		return
	case SourceOffline:
		s.offline.Add(1)
		return
	case SourcePassthrough:
		s.passthrough.Add(1)
		return
	case SourceNetworkError:
		s.failures.Add(1)
		return
	default:
		return
	}

	n := uint64(max(respBytes, 0))
	s.sized.Add(1)
	s.sizeTotal.Add(n)
	for {
		cur := s.sizeMin.Load()
		if n >= cur || s.sizeMin.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.sizeMax.Load()
		if n <= cur || s.sizeMax.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits, Misses, Network, Offline, Passthrough, Failures uint64

	MinRespBytes uint64
	MaxRespBytes uint64
	AvgRespBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	ss := statsSnapshot{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Network:     s.network.Load(),
		Offline:     s.offline.Load(),
		Passthrough: s.passthrough.Load(),
		Failures:    s.failures.Load(),
	}
	count := s.sized.Load()
	if count == 0 {
		return ss
	}
	ss.MinRespBytes = s.sizeMin.Load()
	ss.MaxRespBytes = s.sizeMax.Load()
	ss.AvgRespBytes = s.sizeTotal.Load() / count
	return ss
}

// HitRatio is hits over cache-eligible lookups, 0 when there were none.
func (ss statsSnapshot) HitRatio() float64 {
	total := ss.Hits + ss.Misses + ss.Network + ss.Offline + ss.Failures
	if total == 0 {
		return 0
	}
	return float64(ss.Hits) / float64(total)
}

func formatBytes(b uint64) string {
	units := []struct {
		size   uint64
		suffix string
	}{
		{1 << 30, "gb"},
		{1 << 20, "mb"},
		{1 << 10, "kb"},
	}
	for _, u := range units {
		if b >= u.size {
			s := fmt.Sprintf("%.1f", float64(b)/float64(u.size))
			return strings.TrimSuffix(s, ".0") + u.suffix
		}
	}
	return fmt.Sprintf("%db", b)
}
