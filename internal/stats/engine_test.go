package stats

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequestUpdatesTotals(t *testing.T) {
	e := New(DefaultConfig())
	e.RecordRequest("/v1/widgets", "api:abc:/v1/widgets", 12.5, false)
	e.RecordRequest("/v1/widgets", "api:abc:/v1/widgets", 8.0, true)

	snap := e.Snapshot()
	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.DeniedRequests)
	require.Len(t, snap.PerEndpoint, 1)
	assert.Equal(t, int64(2), snap.PerEndpoint[0].Requests)
	assert.Equal(t, int64(1), snap.PerEndpoint[0].Denials)
}

func TestPercentilesOverWrapAroundBuffer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 4
	e := New(cfg)

	for i := 1; i <= 10; i++ {
		e.RecordRequest("/e", "", float64(i), false)
	}

	snap := e.Snapshot()
	assert.GreaterOrEqual(t, snap.P50, 7.0)
	assert.LessOrEqual(t, snap.P99, 10.0)
}

func TestEndpointCacheIsBoundedByLRU(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndpointCap = 3
	e := New(cfg)

	for i := 0; i < 10; i++ {
		e.RecordRequest(fmt.Sprintf("/endpoint-%d", i), "", 1.0, false)
	}

	assert.LessOrEqual(t, e.endpoints.Len(), 3)
}

func TestSnapshotIsCachedWithinWindow(t *testing.T) {
	e := New(DefaultConfig())
	e.RecordRequest("/a", "", 1.0, false)

	first := e.Snapshot()
	e.RecordRequest("/a", "", 1.0, false)
	second := e.Snapshot()

	assert.Equal(t, first.TotalRequests, second.TotalRequests, "second call within the cache window should reuse the first snapshot")
}

func TestResetClearsAllBuffers(t *testing.T) {
	e := New(DefaultConfig())
	e.RecordRequest("/a", "id1", 1.0, true)
	e.RecordFailOpen()

	e.Reset()

	snap := e.computeSnapshot(time.Now())
	assert.Equal(t, int64(0), snap.TotalRequests)
	assert.Equal(t, int64(0), snap.DeniedRequests)
	assert.Equal(t, int64(0), snap.FailOpens)
	assert.Empty(t, snap.PerEndpoint)
}

func TestRecordFailOpenIncrements(t *testing.T) {
	e := New(DefaultConfig())
	e.RecordFailOpen()
	e.RecordFailOpen()

	snap := e.computeSnapshot(time.Now())
	assert.Equal(t, int64(2), snap.FailOpens)
}
