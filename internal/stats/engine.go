// Package stats implements the Statistics Engine (§4.7): a circular buffer
// of response-time samples with percentile tracking on read, LRU-bounded
// per-endpoint and per-identity counters, and a short-lived snapshot cache
// so concurrent readers of /stats and /performance share one computation.
package stats

import (
	"runtime"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const (
	defaultBufferSize    = 1024
	defaultEndpointCap   = 500
	defaultIdentityCap   = 1000
	defaultSnapshotCache = 1000 * time.Millisecond
)

// Config tunes the Statistics Engine, mirroring the stats.* block of the
// configuration surface in §6.
type Config struct {
	BufferSize      int
	EndpointCap     int
	IdentityCap     int
	SnapshotCacheMs time.Duration
}

// DefaultConfig returns the spec's defaults: 1024 samples, 500 endpoint
// entries, 1000 identity entries, 1000ms snapshot cache.
func DefaultConfig() Config {
	return Config{
		BufferSize:      defaultBufferSize,
		EndpointCap:     defaultEndpointCap,
		IdentityCap:     defaultIdentityCap,
		SnapshotCacheMs: defaultSnapshotCache,
	}
}

// counterEntry tracks per-endpoint or per-identity request/denial counts.
type counterEntry struct {
	Requests   int64
	Denials    int64
	LastSeenMs int64
}

// circularBuffer is a fixed-size ring of response-time samples (float64
// milliseconds). Writes are O(1); reads sort the live portion, tolerated
// because reads are bounded by the request rate on /performance, per §4.7.
type circularBuffer struct {
	mu     sync.Mutex
	data   []float64
	cursor int
	filled bool
}

func newCircularBuffer(capacity int) *circularBuffer {
	if capacity <= 0 {
		capacity = defaultBufferSize
	}
	return &circularBuffer{data: make([]float64, capacity)}
}

func (b *circularBuffer) Add(sample float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[b.cursor] = sample
	b.cursor = (b.cursor + 1) % len(b.data)
	if b.cursor == 0 {
		b.filled = true
	}
}

// Percentiles returns p50, p95, p99 over the live portion of the buffer.
func (b *circularBuffer) Percentiles() (p50, p95, p99 float64) {
	b.mu.Lock()
	var live []float64
	if b.filled {
		live = append(live, b.data...)
	} else {
		live = append(live, b.data[:b.cursor]...)
	}
	b.mu.Unlock()

	if len(live) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(live)
	return percentileOf(live, 0.50), percentileOf(live, 0.95), percentileOf(live, 0.99)
}

func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Engine is the Statistics Engine. Compose it once per process and share it
// across the Decision Engine (for recording) and the Observability Facade
// (for reading).
type Engine struct {
	cfg Config

	samples *circularBuffer

	endpointMu sync.Mutex
	endpoints  *lru.Cache[string, *counterEntry]

	identityMu sync.Mutex
	identities *lru.Cache[string, *counterEntry]

	totalRequests int64
	deniedTotal   int64
	failOpens     int64
	startedAt     time.Time

	snapMu       sync.Mutex
	cachedSnap   Snapshot
	cachedAtMs   int64

	mu sync.Mutex // guards totalRequests/deniedTotal/failOpens
}

// New builds a Statistics Engine with the given config (zero-value fields
// fall back to DefaultConfig's values).
func New(cfg Config) *Engine {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.EndpointCap <= 0 {
		cfg.EndpointCap = defaultEndpointCap
	}
	if cfg.IdentityCap <= 0 {
		cfg.IdentityCap = defaultIdentityCap
	}
	if cfg.SnapshotCacheMs <= 0 {
		cfg.SnapshotCacheMs = defaultSnapshotCache
	}

	endpoints, _ := lru.New[string, *counterEntry](cfg.EndpointCap)
	identities, _ := lru.New[string, *counterEntry](cfg.IdentityCap)

	return &Engine{
		cfg:        cfg,
		samples:    newCircularBuffer(cfg.BufferSize),
		endpoints:  endpoints,
		identities: identities,
		startedAt:  time.Now(),
	}
}

// RecordRequest records one decisioned request: its latency, whether it was
// denied, the endpoint it hit, and the identity that made it.
func (e *Engine) RecordRequest(endpoint, identityID string, latencyMs float64, denied bool) {
	e.samples.Add(latencyMs)

	nowMs := time.Now().UnixMilli()

	e.mu.Lock()
	e.totalRequests++
	if denied {
		e.deniedTotal++
	}
	e.mu.Unlock()

	e.bumpCounter(&e.endpointMu, e.endpoints, endpoint, nowMs, denied)
	e.bumpCounter(&e.identityMu, e.identities, identityID, nowMs, denied)
}

func (e *Engine) bumpCounter(mu *sync.Mutex, cache *lru.Cache[string, *counterEntry], key string, nowMs int64, denied bool) {
	if key == "" {
		return
	}
	mu.Lock()
	defer mu.Unlock()

	entry, ok := cache.Get(key)
	if !ok {
		entry = &counterEntry{}
	}
	entry.Requests++
	if denied {
		entry.Denials++
	}
	entry.LastSeenMs = nowMs
	cache.Add(key, entry)
}

// RecordFailOpen increments the fail-open counter operators are expected to
// alert on when nonzero, per §4.4.
func (e *Engine) RecordFailOpen() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failOpens++
	log.Warn().Int64("total_fail_opens", e.failOpens).Msg("rate limiter failed open")
}

// EndpointSnapshot is one entry of the per-endpoint breakdown.
type EndpointSnapshot struct {
	Endpoint   string `json:"endpoint"`
	Requests   int64  `json:"requests"`
	Denials    int64  `json:"denials"`
	LastSeenMs int64  `json:"lastSeenMs"`
}

// Snapshot is the derived read-side view cached for SnapshotCacheMs.
type Snapshot struct {
	TotalRequests  int64              `json:"totalRequests"`
	DeniedRequests int64              `json:"deniedRequests"`
	FailOpens      int64              `json:"failOpens"`
	RPS            float64            `json:"rps"`
	P50            float64            `json:"p50"`
	P95            float64            `json:"p95"`
	P99            float64            `json:"p99"`
	PerEndpoint    []EndpointSnapshot `json:"perEndpoint"`
	MemoryBytes    uint64             `json:"memoryBytes"`
	Goroutines     int                `json:"goroutines"`
	UptimeSec      float64            `json:"uptimeSec"`
}

// Snapshot returns the current statistics snapshot, reusing a cached
// computation when called again within SnapshotCacheMs.
func (e *Engine) Snapshot() Snapshot {
	now := time.Now()
	nowMs := now.UnixMilli()

	e.snapMu.Lock()
	if nowMs-e.cachedAtMs < e.cfg.SnapshotCacheMs.Milliseconds() && e.cachedAtMs != 0 {
		snap := e.cachedSnap
		e.snapMu.Unlock()
		return snap
	}
	e.snapMu.Unlock()

	snap := e.computeSnapshot(now)

	e.snapMu.Lock()
	e.cachedSnap = snap
	e.cachedAtMs = nowMs
	e.snapMu.Unlock()

	return snap
}

func (e *Engine) computeSnapshot(now time.Time) Snapshot {
	e.mu.Lock()
	total := e.totalRequests
	denied := e.deniedTotal
	failOpens := e.failOpens
	e.mu.Unlock()

	p50, p95, p99 := e.samples.Percentiles()

	uptime := now.Sub(e.startedAt).Seconds()
	rps := 0.0
	if uptime > 0 {
		rps = float64(total) / uptime
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	e.endpointMu.Lock()
	perEndpoint := make([]EndpointSnapshot, 0, e.endpoints.Len())
	for _, key := range e.endpoints.Keys() {
		if v, ok := e.endpoints.Peek(key); ok {
			perEndpoint = append(perEndpoint, EndpointSnapshot{
				Endpoint: key, Requests: v.Requests, Denials: v.Denials, LastSeenMs: v.LastSeenMs,
			})
		}
	}
	e.endpointMu.Unlock()

	return Snapshot{
		TotalRequests:  total,
		DeniedRequests: denied,
		FailOpens:      failOpens,
		RPS:            rps,
		P50:            p50,
		P95:            p95,
		P99:            p99,
		PerEndpoint:    perEndpoint,
		MemoryBytes:    memStats.Alloc,
		Goroutines:     runtime.NumGoroutine(),
		UptimeSec:      uptime,
	}
}

// Reset clears the counters, the sample buffer and both counter caches in
// one step, holding all of their locks together so a concurrent
// RecordRequest lands either wholly before or wholly after the reset.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.samples.mu.Lock()
	e.endpointMu.Lock()
	e.identityMu.Lock()
	e.totalRequests = 0
	e.deniedTotal = 0
	e.failOpens = 0
	clear(e.samples.data)
	e.samples.cursor = 0
	e.samples.filled = false
	e.endpoints.Purge()
	e.identities.Purge()
	e.identityMu.Unlock()
	e.endpointMu.Unlock()
	e.samples.mu.Unlock()
	e.mu.Unlock()

	e.snapMu.Lock()
	e.cachedAtMs = 0
	e.snapMu.Unlock()
}
