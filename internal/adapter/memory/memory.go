// Package memory is an in-process scheduler backend. It keeps jobs in a map
// per cluster and is meant for development setups and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/hpc-gateway/internal/adapter"
	"github.com/JakeFAU/hpc-gateway/internal/cluster"
)

// Kind is the adapter kind cluster definitions use to select this backend.
const Kind = "memory"

// Clock supplies submission timestamps.
type Clock interface {
	Now() time.Time
}

// Backend stores jobs for every cluster that uses the memory adapter.
type Backend struct {
	mu     sync.Mutex
	clock  Clock
	seq    int
	queues map[string]map[string]*adapter.Info
}

// New returns an empty backend.
func New(clock Clock) *Backend {
	return &Backend{clock: clock, queues: map[string]map[string]*adapter.Info{}}
}

// Register installs the backend under Kind.
func (b *Backend) Register(reg *adapter.Registry) error {
	return reg.Register(Kind, b.Factory)
}

// Factory returns a view of the backend scoped to c.
func (b *Backend) Factory(c cluster.Cluster) (adapter.Adapter, error) {
	queue := "batch"
	if v, ok := c.AdapterConfig["default_queue"].(string); ok && v != "" {
		queue = v
	}
	return &clusterView{backend: b, cluster: c.ID, defaultQueue: queue}, nil
}

// SetStatus moves a job to status. It returns false when the job is unknown.
func (b *Backend) SetStatus(clusterID, jobID string, status adapter.Status) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.queues[clusterID][jobID]
	if !ok {
		return false
	}
	job.Status = status
	if status == adapter.StatusRunning && job.StartedAt == nil {
		now := b.clock.Now()
		job.StartedAt = &now
	}
	return true
}

type clusterView struct {
	backend      *Backend
	cluster      string
	defaultQueue string
}

// Info returns the job with id. Unknown jobs come back as an empty completed
// record, the way schedulers report jobs that have left the queue.
func (v *clusterView) Info(_ context.Context, id string) (adapter.Info, error) {
	b := v.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.queues[v.cluster][id]
	if !ok {
		return adapter.Info{Status: adapter.StatusCompleted}, nil
	}
	return *job, nil
}

func (v *clusterView) InfoAll(_ context.Context, filter adapter.Filter) ([]adapter.Info, error) {
	b := v.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []adapter.Info{}
	for _, job := range b.queues[v.cluster] {
		if filter.Owner != "" && job.Owner != filter.Owner {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].ID)
		c, _ := strconv.Atoi(out[j].ID)
		return a < c
	})
	return out, nil
}

func (v *clusterView) Submit(_ context.Context, script adapter.Script) (string, error) {
	if script.Content == "" {
		return "", fmt.Errorf("script content is empty")
	}
	b := v.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := strconv.Itoa(b.seq)
	now := b.clock.Now()
	queue := script.QueueName
	if queue == "" {
		queue = v.defaultQueue
	}
	status := adapter.StatusQueued
	if native, ok := script.Native.(map[string]any); ok {
		if hold, _ := native["hold"].(bool); hold {
			status = adapter.StatusQueuedHeld
		}
	}
	if b.queues[v.cluster] == nil {
		b.queues[v.cluster] = map[string]*adapter.Info{}
	}
	b.queues[v.cluster][id] = &adapter.Info{
		ID:             id,
		Name:           script.JobName,
		Owner:          script.Owner,
		Status:         status,
		Queue:          queue,
		AccountingID:   script.AccountingID,
		SubmittedAt:    &now,
		WallclockLimit: script.WallTime,
	}
	return id, nil
}

func (v *clusterView) Delete(_ context.Context, id string) error {
	b := v.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[v.cluster][id]; !ok {
		return fmt.Errorf("job %s not found on cluster %s", id, v.cluster)
	}
	delete(b.queues[v.cluster], id)
	return nil
}
