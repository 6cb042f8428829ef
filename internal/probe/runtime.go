package probe

import (
	"context"
	"encoding/json"
	"runtime"
	"taskvisor/internal/domain"
	"time"
)

type stat struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// RuntimeCollector reports statistics of the worker's own Go runtime.
type RuntimeCollector struct {
	started time.Time
}

func NewRuntimeCollector() *RuntimeCollector {
	return &RuntimeCollector{started: time.Now()}
}

func (c *RuntimeCollector) Capabilities() map[string]bool {
	return map[string]bool{"runtime": true, "memory": true}
}

func (c *RuntimeCollector) Collect(context.Context) ([]domain.Item, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := []stat{
		{"goroutines", runtime.NumGoroutine()},
		{"heap_alloc_bytes", ms.HeapAlloc},
		{"gc_cycles", ms.NumGC},
		{"cpus", runtime.NumCPU()},
		{"uptime_seconds", time.Since(c.started).Seconds()},
	}
	items := make([]domain.Item, 0, len(stats))
	for _, s := range stats {
		b, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, nil
}
