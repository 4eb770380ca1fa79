package metrics

import (
	"context"
	"time"

	"github.com/sethwebster/expo-free-agent/pkg/log"
	"github.com/sethwebster/expo-free-agent/pkg/storage"
	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// Collector periodically refreshes the build and worker gauges from the store
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := c.store.CountBuildsByStatus(ctx)
	if err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("failed to count builds")
	} else {
		for _, status := range []types.BuildStatus{
			types.BuildStatusPending,
			types.BuildStatusAssigned,
			types.BuildStatusBuilding,
			types.BuildStatusCompleted,
			types.BuildStatusFailed,
			types.BuildStatusCancelled,
		} {
			BuildsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	}

	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("failed to list workers")
		return
	}
	byStatus := make(map[types.WorkerStatus]int)
	for _, w := range workers {
		byStatus[w.Status]++
	}
	for _, status := range []types.WorkerStatus{
		types.WorkerStatusIdle,
		types.WorkerStatusBuilding,
		types.WorkerStatusOffline,
	} {
		WorkersTotal.WithLabelValues(string(status)).Set(float64(byStatus[status]))
	}
}
