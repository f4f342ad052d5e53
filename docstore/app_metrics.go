package docstore

import (
	"runtime"
	"strings"
	"sync"
	"time"
)

type AppMetrics interface {
	RecordRequest(method, path string, status int, latencyMS int64)
	StoreMetrics
	Snapshot() MetricsSnapshot
}

type RouteStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMinMS int64 `json:"latency_min_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
}

type ReadStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	CacheHits    int64 `json:"cache_hits"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
}

type WriteStats struct {
	Count          int64 `json:"count"`
	SuccessCount   int64 `json:"success_count"`
	ExhaustedCount int64 `json:"exhausted_count"`
	TotalAttempts  int64 `json:"total_attempts"`
	TotalConflicts int64 `json:"total_conflicts"`
	RetryDelayMS   int64 `json:"retry_delay_ms"`
}

type ListStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
	TotalKeys    int64 `json:"total_keys"`
}

type RecentRequest struct {
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

type RuntimeStats struct {
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	Goroutines     int    `json:"goroutines"`
	NumGC          uint32 `json:"num_gc"`
	GCPauseNS      uint64 `json:"gc_pause_ns"`
}

type MetricsSnapshot struct {
	RouteStats     map[string]RouteStats `json:"route_stats"`
	ReadStats      map[string]ReadStats  `json:"read_stats"`
	WriteStats     map[string]WriteStats `json:"write_stats"`
	ListStats      map[string]ListStats  `json:"list_stats"`
	RecentRequests []RecentRequest       `json:"recent_requests"`
	Runtime        RuntimeStats          `json:"runtime"`
	UptimeSeconds  int64                 `json:"uptime_seconds"`
	StartTime      time.Time             `json:"start_time"`
}

// noop implementation: used when metrics are disabled.
type NoopAppMetrics struct{}

func (NoopAppMetrics) RecordRequest(method, path string, status int, latencyMS int64) {}

func (NoopAppMetrics) RecordRead(kind DocumentKind, latencyMS int64, cacheHit bool, err error) {}

func (NoopAppMetrics) RecordList(kind DocumentKind, latencyMS int64, keyCount int, err error) {}

func (NoopAppMetrics) ObserveMutationRetry(stats MutationRetryStats) {}

func (NoopAppMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{}
}

const appMetricsRecentCapacity = 200

// in-memory implementation: records metrics into local maps keyed by route or
// document kind, plus a ring buffer of recent requests.
type InMemAppMetrics struct {
	mu sync.Mutex

	routeStats map[string]RouteStats
	readStats  map[string]ReadStats
	writeStats map[string]WriteStats
	listStats  map[string]ListStats

	recent      []RecentRequest
	recentNext  int
	recentCount int

	startTime time.Time
}

func NewInMemAppMetrics() *InMemAppMetrics {
	return &InMemAppMetrics{
		routeStats: make(map[string]RouteStats),
		readStats:  make(map[string]ReadStats),
		writeStats: make(map[string]WriteStats),
		listStats:  make(map[string]ListStats),
		recent:     make([]RecentRequest, appMetricsRecentCapacity),
		startTime:  time.Now().UTC(),
	}
}

func (m *InMemAppMetrics) RecordRequest(method, path string, status int, latencyMS int64) {
	if m == nil {
		return
	}

	method = strings.TrimSpace(strings.ToUpper(method))
	path = strings.TrimSpace(path)
	if method == "" {
		method = "UNKNOWN"
	}
	if path == "" {
		path = "/"
	}
	if latencyMS < 0 {
		latencyMS = 0
	}

	key := method + " " + path

	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.routeStats[key]
	v.Count++
	if status >= 400 {
		v.ErrorCount++
	}
	v.LatencySumMS += latencyMS
	if v.Count == 1 || latencyMS < v.LatencyMinMS {
		v.LatencyMinMS = latencyMS
	}
	if latencyMS > v.LatencyMaxMS {
		v.LatencyMaxMS = latencyMS
	}
	m.routeStats[key] = v

	m.appendRecentLocked(RecentRequest{
		Method:    method,
		Path:      path,
		Status:    status,
		LatencyMS: latencyMS,
		Timestamp: time.Now().UTC(),
	})
}

func (m *InMemAppMetrics) RecordRead(kind DocumentKind, latencyMS int64, cacheHit bool, err error) {
	if m == nil {
		return
	}
	key := metricsKindKey(kind)
	latencyMS = max(latencyMS, 0)

	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.readStats[key]
	v.Count++
	if err != nil {
		v.ErrorCount++
	}
	if cacheHit {
		v.CacheHits++
	}
	v.LatencySumMS += latencyMS
	v.LatencyMaxMS = max(v.LatencyMaxMS, latencyMS)
	m.readStats[key] = v
}

func (m *InMemAppMetrics) RecordList(kind DocumentKind, latencyMS int64, keyCount int, err error) {
	if m == nil {
		return
	}
	key := metricsKindKey(kind)
	latencyMS = max(latencyMS, 0)
	keyCount = max(keyCount, 0)

	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.listStats[key]
	v.Count++
	if err != nil {
		v.ErrorCount++
	}
	v.LatencySumMS += latencyMS
	v.LatencyMaxMS = max(v.LatencyMaxMS, latencyMS)
	v.TotalKeys += int64(keyCount)
	m.listStats[key] = v
}

// ObserveMutationRetry folds one completed write into the per-kind write stats.
func (m *InMemAppMetrics) ObserveMutationRetry(stats MutationRetryStats) {
	if m == nil {
		return
	}
	key := metricsKindKey(stats.Kind)

	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.writeStats[key]
	v.Count++
	if stats.Success {
		v.SuccessCount++
	}
	if stats.Exhausted {
		v.ExhaustedCount++
	}
	v.TotalAttempts += int64(stats.Attempts)
	v.TotalConflicts += int64(stats.ConflictCount)
	v.RetryDelayMS += stats.TotalRetryDelay.Milliseconds()
	m.writeStats[key] = v
}

func (m *InMemAppMetrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}

	m.mu.Lock()
	out := MetricsSnapshot{
		RouteStats:     copyMap(m.routeStats),
		ReadStats:      copyMap(m.readStats),
		WriteStats:     copyMap(m.writeStats),
		ListStats:      copyMap(m.listStats),
		RecentRequests: m.recentSnapshotLocked(),
		StartTime:      m.startTime,
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
	}
	m.mu.Unlock()

	// runtime.ReadMemStats stops the world; keep it outside m.mu.
	var rt runtime.MemStats
	runtime.ReadMemStats(&rt)
	out.Runtime = RuntimeStats{
		HeapAllocBytes: rt.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
		NumGC:          rt.NumGC,
		GCPauseNS:      rt.PauseTotalNs,
	}

	return out
}

func (m *InMemAppMetrics) appendRecentLocked(entry RecentRequest) {
	m.recent[m.recentNext] = entry
	m.recentNext = (m.recentNext + 1) % len(m.recent)
	if m.recentCount < len(m.recent) {
		m.recentCount++
	}
}

func (m *InMemAppMetrics) recentSnapshotLocked() []RecentRequest {
	if m.recentCount == 0 {
		return []RecentRequest{}
	}
	out := make([]RecentRequest, 0, m.recentCount)
	start := (m.recentNext - m.recentCount + len(m.recent)) % len(m.recent)
	for i := 0; i < m.recentCount; i++ {
		out = append(out, m.recent[(start+i)%len(m.recent)])
	}
	return out
}

func metricsKindKey(kind DocumentKind) string {
	if kind == "" {
		return string(KindOther)
	}
	return string(kind)
}

func copyMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
