package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/carpo/internal/models"
)

func TestEffectiveMaxWorkers(t *testing.T) {
	tests := []struct {
		name   string
		config SiteConfig
		global int
		want   int
	}{
		{"login site is serialized", SiteConfig{RequiresLogin: true, MaxWorkers: 5}, 8, 1},
		{"clamped to global cap", SiteConfig{MaxWorkers: 10}, 4, 4},
		{"defaults to two", SiteConfig{}, 8, 2},
		{"explicit below cap", SiteConfig{MaxWorkers: 3}, 8, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.EffectiveMaxWorkers(tt.global))
		})
	}
}

func TestSiteTasksStartInFIFOOrder(t *testing.T) {
	o := NewOrchestrator(4, nil)
	// Single worker so start order is observable.
	o.RegisterSite("acme", SiteConfig{RequiresLogin: true})

	for i := 0; i < 5; i++ {
		_, err := o.Enqueue("acme", fmt.Sprintf("SKU-%d", i))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var order []string
	tasks, err := o.Run(context.Background(), func(ctx context.Context, site, sku string) (map[string]interface{}, error) {
		mu.Lock()
		order = append(order, sku)
		mu.Unlock()
		return nil, nil
	})

	require.NoError(t, err)
	assert.Len(t, tasks, 5)
	assert.Equal(t, []string{"SKU-0", "SKU-1", "SKU-2", "SKU-3", "SKU-4"}, order)
	for _, task := range tasks {
		assert.Equal(t, models.TaskCompleted, task.Status)
	}
}

func TestLoginSiteNeverRunsConcurrently(t *testing.T) {
	o := NewOrchestrator(8, nil)
	o.RegisterSite("members", SiteConfig{RequiresLogin: true, MaxWorkers: 4})

	for i := 0; i < 6; i++ {
		_, err := o.Enqueue("members", fmt.Sprintf("SKU-%d", i))
		require.NoError(t, err)
	}

	var inFlight, peak int32
	_, err := o.Run(context.Background(), func(ctx context.Context, site, sku string) (map[string]interface{}, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	})

	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&peak), "login sites run one task at a time")
}

func TestGlobalCapBoundsTotalConcurrency(t *testing.T) {
	o := NewOrchestrator(2, nil)
	o.RegisterSite("acme", SiteConfig{MaxWorkers: 2})
	o.RegisterSite("globex", SiteConfig{MaxWorkers: 2})

	for i := 0; i < 4; i++ {
		_, err := o.Enqueue("acme", fmt.Sprintf("A-%d", i))
		require.NoError(t, err)
		_, err = o.Enqueue("globex", fmt.Sprintf("G-%d", i))
		require.NoError(t, err)
	}

	var inFlight, peak int32
	tasks, err := o.Run(context.Background(), func(ctx context.Context, site, sku string) (map[string]interface{}, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	})

	require.NoError(t, err)
	assert.Len(t, tasks, 8)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2), "global semaphore is the hard ceiling")
}

func TestFailedTaskCarriesError(t *testing.T) {
	o := NewOrchestrator(2, nil)
	o.RegisterSite("acme", SiteConfig{MaxWorkers: 1})
	_, err := o.Enqueue("acme", "BAD")
	require.NoError(t, err)
	_, err = o.Enqueue("acme", "GOOD")
	require.NoError(t, err)

	tasks, err := o.Run(context.Background(), func(ctx context.Context, site, sku string) (map[string]interface{}, error) {
		if sku == "BAD" {
			return nil, errors.New("element not found")
		}
		return map[string]interface{}{"Name": "Widget"}, nil
	})
	require.NoError(t, err)

	byStatus := map[models.TaskStatus]*models.ScheduledTask{}
	for _, task := range tasks {
		byStatus[task.Status] = task
	}
	require.Contains(t, byStatus, models.TaskFailed)
	require.Contains(t, byStatus, models.TaskCompleted)
	assert.Equal(t, "BAD", byStatus[models.TaskFailed].SKU)
	assert.Equal(t, "element not found", byStatus[models.TaskFailed].Error)
	assert.Equal(t, "Widget", byStatus[models.TaskCompleted].Result["Name"])
}

func TestShutdownSurfacesQueuedTasksAsCancelled(t *testing.T) {
	o := NewOrchestrator(1, nil)
	o.RegisterSite("acme", SiteConfig{RequiresLogin: true})

	for i := 0; i < 5; i++ {
		_, err := o.Enqueue("acme", fmt.Sprintf("SKU-%d", i))
		require.NoError(t, err)
	}

	started := make(chan struct{})
	var once sync.Once
	var tasks []*models.ScheduledTask
	done := make(chan struct{})
	go func() {
		defer close(done)
		tasks, _ = o.Run(context.Background(), func(ctx context.Context, site, sku string) (map[string]interface{}, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		})
	}()

	<-started
	o.Shutdown(2 * time.Second)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop after shutdown")
	}

	require.Len(t, tasks, 5)
	cancelled := 0
	for _, task := range tasks {
		require.True(t, task.Status.Terminal(), "every task ends in a terminal state")
		if task.Status == models.TaskCancelled {
			cancelled++
		}
	}
	assert.GreaterOrEqual(t, cancelled, 4, "never-started tasks surface as cancelled")
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	o := NewOrchestrator(1, nil)
	o.RegisterSite("acme", SiteConfig{})
	_, err := o.Enqueue("acme", "SKU-1")
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = o.Run(context.Background(), func(ctx context.Context, site, sku string) (map[string]interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()

	<-started
	_, err = o.Run(context.Background(), func(ctx context.Context, site, sku string) (map[string]interface{}, error) {
		return nil, nil
	})
	assert.Error(t, err)
	close(release)
}

func TestEnqueueUnregisteredSite(t *testing.T) {
	o := NewOrchestrator(2, nil)
	_, err := o.Enqueue("ghost", "SKU-1")
	assert.Error(t, err)
}

func TestTaskStateMachine(t *testing.T) {
	task := models.NewScheduledTask("acme", "SKU-1")
	assert.Equal(t, models.TaskQueued, task.Status)

	require.NoError(t, task.Transition(models.TaskWaiting))
	require.NoError(t, task.Transition(models.TaskRunning))
	assert.False(t, task.StartedAt.IsZero())

	require.NoError(t, task.Transition(models.TaskCompleted))
	assert.False(t, task.CompletedAt.IsZero())

	// Terminal states are final.
	assert.Error(t, task.Transition(models.TaskRunning))
	assert.Error(t, task.Transition(models.TaskCancelled))

	// Skipping waiting is illegal.
	fresh := models.NewScheduledTask("acme", "SKU-2")
	assert.Error(t, fresh.Transition(models.TaskRunning))
}

func TestStatsAggregation(t *testing.T) {
	o := NewOrchestrator(4, nil)
	o.RegisterSite("acme", SiteConfig{MaxWorkers: 2})
	for i := 0; i < 3; i++ {
		_, err := o.Enqueue("acme", fmt.Sprintf("SKU-%d", i))
		require.NoError(t, err)
	}

	_, err := o.Run(context.Background(), func(ctx context.Context, site, sku string) (map[string]interface{}, error) {
		if sku == "SKU-1" {
			return nil, errors.New("timeout")
		}
		return nil, nil
	})
	require.NoError(t, err)

	stats := o.Stats()
	assert.Equal(t, 3, stats["total_tasks"])
	assert.Equal(t, 2, stats["completed_tasks"])
	assert.Equal(t, 1, stats["failed_tasks"])
	assert.InDelta(t, 2.0/3.0, stats["success_rate"], 0.001)
}
