package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
)

func newTestBus(t *testing.T, opts Options) *Bus {
	t.Helper()
	b := NewBus(opts, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func emitN(b *Bus, jobID string, n int) {
	for i := 0; i < n; i++ {
		b.Emit(models.NewEvent(models.EventSystemInfo, jobID, models.SeverityInfo, map[string]interface{}{
			"seq": i,
		}))
	}
}

func TestEmitDeliversInOrder(t *testing.T) {
	b := newTestBus(t, DefaultOptions())

	var got []int
	b.Subscribe(func(e models.Event) {
		got = append(got, e.Data["seq"].(int))
	})

	emitN(b, "job1", 10)

	require.Len(t, got, 10)
	for i, seq := range got {
		assert.Equal(t, i, seq)
	}
}

func TestSubscriberPanicDoesNotBreakEmit(t *testing.T) {
	b := newTestBus(t, DefaultOptions())

	var delivered int
	b.Subscribe(func(e models.Event) { panic("boom") })
	b.Subscribe(func(e models.Event) { delivered++ })

	emitN(b, "job1", 3)

	assert.Equal(t, 3, delivered, "second subscriber should still receive all events")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t, DefaultOptions())

	var count int
	id := b.Subscribe(func(e models.Event) { count++ })

	emitN(b, "job1", 2)
	b.Unsubscribe(id)
	emitN(b, "job1", 2)

	assert.Equal(t, 2, count)
}

func TestGlobalRingTrims(t *testing.T) {
	b := newTestBus(t, Options{GlobalBuffer: 5, JobBuffer: 500, MaxJobs: 100})

	emitN(b, "job1", 8)

	got := b.Query(interfaces.EventFilter{})
	require.Len(t, got, 5)
	assert.Equal(t, 3, got[0].Data["seq"], "oldest surviving event should be seq 3")
	assert.Equal(t, 7, got[4].Data["seq"])
}

func TestPerJobBufferAndQuery(t *testing.T) {
	b := newTestBus(t, DefaultOptions())

	emitN(b, "job1", 3)
	emitN(b, "job2", 2)

	assert.Len(t, b.Query(interfaces.EventFilter{JobID: "job1"}), 3)
	assert.Len(t, b.Query(interfaces.EventFilter{JobID: "job2"}), 2)
	assert.Empty(t, b.Query(interfaces.EventFilter{JobID: "job3"}))
}

func TestJobLRUEviction(t *testing.T) {
	b := newTestBus(t, Options{GlobalBuffer: 1000, JobBuffer: 500, MaxJobs: 3})

	for i := 0; i < 5; i++ {
		emitN(b, fmt.Sprintf("job%d", i), 1)
	}

	// job0 and job1 are the least recently used and must be evicted.
	assert.Empty(t, b.Query(interfaces.EventFilter{JobID: "job0"}))
	assert.Empty(t, b.Query(interfaces.EventFilter{JobID: "job1"}))
	assert.Len(t, b.Query(interfaces.EventFilter{JobID: "job4"}), 1)
}

func TestQueryFilters(t *testing.T) {
	b := newTestBus(t, DefaultOptions())

	b.Emit(models.NewEvent(models.EventJobStarted, "job1", models.SeverityInfo, nil))
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	b.Emit(models.NewEvent(models.EventSkuProcessing, "job1", models.SeverityDebug, nil))
	b.Emit(models.NewEvent(models.EventSkuSuccess, "job1", models.SeverityInfo, nil))

	byType := b.Query(interfaces.EventFilter{
		JobID: "job1",
		Types: []models.EventType{models.EventSkuSuccess},
	})
	require.Len(t, byType, 1)
	assert.Equal(t, models.EventSkuSuccess, byType[0].Type)

	since := b.Query(interfaces.EventFilter{JobID: "job1", Since: cutoff})
	assert.Len(t, since, 2)

	limited := b.Query(interfaces.EventFilter{JobID: "job1", Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, models.EventSkuSuccess, limited[0].Type, "limit keeps the newest events")
}

func TestClearDropsJob(t *testing.T) {
	b := newTestBus(t, DefaultOptions())

	emitN(b, "job1", 3)
	b.Clear("job1")

	assert.Empty(t, b.Query(interfaces.EventFilter{JobID: "job1"}))
	// Global buffer is untouched by Clear.
	assert.Len(t, b.Query(interfaces.EventFilter{}), 3)
}

func TestEventEnvelopeRoundTrip(t *testing.T) {
	original := models.NewEvent(models.EventSkuFailed, "job9", models.SeverityError, map[string]interface{}{
		"site": "demo",
		"sku":  "ABC-1",
	})

	parsed, err := models.EventFromMap(original.ToMap())
	require.NoError(t, err)

	assert.Equal(t, original.Type, parsed.Type)
	assert.Equal(t, original.JobID, parsed.JobID)
	assert.Equal(t, original.EventID, parsed.EventID)
	assert.Equal(t, original.Severity, parsed.Severity)
	assert.Equal(t, original.Data["site"], parsed.Data["site"])
	assert.True(t, original.Timestamp.Equal(parsed.Timestamp))
}

func TestEmitterTypedHelpers(t *testing.T) {
	b := newTestBus(t, DefaultOptions())
	em := NewEmitter(b, "job1")

	em.JobStarted(3, []string{"demo"}, false)
	em.SkuProcessing("demo", "A")
	em.SkuSuccess("demo", "A", 4, 120*time.Millisecond)
	em.JobCompleted(models.JobSummary{Total: 1, Successful: 1}, time.Second)

	got := b.Query(interfaces.EventFilter{JobID: "job1"})
	require.Len(t, got, 4)
	assert.Equal(t, models.EventJobStarted, got[0].Type)
	assert.Equal(t, models.EventSkuProcessing, got[1].Type)
	assert.Equal(t, models.EventSkuSuccess, got[2].Type)
	assert.Equal(t, models.EventJobCompleted, got[3].Type)
	assert.Equal(t, 1, got[3].Data["successful"])
}
