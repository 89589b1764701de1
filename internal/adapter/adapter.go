// Package adapter defines the contract between the job gateway and a
// scheduler backend, plus a registry that opens backends by kind.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/hpc-gateway/internal/cluster"
)

// Status is the portable job state every backend maps onto.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusQueuedHeld   Status = "queued_held"
	StatusRunning      Status = "running"
	StatusSuspended    Status = "suspended"
	StatusCompleted    Status = "completed"
	StatusUndetermined Status = "undetermined"
)

// Valid reports whether s is one of the portable states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusQueuedHeld, StatusRunning, StatusSuspended, StatusCompleted, StatusUndetermined:
		return true
	}
	return false
}

// Info is a backend's description of one job.
type Info struct {
	ID     string
	Name   string
	Owner  string
	Status Status
	// NativeState is the scheduler's own state string, when it exposes one.
	NativeState    string
	Queue          string
	AccountingID   string
	SubmittedAt    *time.Time
	StartedAt      *time.Time
	WallclockTime  int64
	WallclockLimit int64
}

// Script is a submission request. Everything except Content is optional
// and forwarded as-is.
type Script struct {
	Content      string
	Workdir      string
	Owner        string
	JobName      string
	QueueName    string
	WallTime     int64
	AccountingID string
	OutputPath   string
	ErrorPath    string
	// Native carries backend-specific arguments the gateway does not interpret.
	Native any
}

// Filter narrows InfoAll.
type Filter struct {
	Owner string
}

// Adapter talks to one cluster's scheduler.
type Adapter interface {
	Info(ctx context.Context, id string) (Info, error)
	InfoAll(ctx context.Context, filter Filter) ([]Info, error)
	Submit(ctx context.Context, script Script) (string, error)
	Delete(ctx context.Context, id string) error
}

// Factory builds an Adapter for a cluster definition.
type Factory func(c cluster.Cluster) (Adapter, error)

// ErrUnknownKind is returned by Open when no factory handles a cluster's
// adapter kind.
var ErrUnknownKind = errors.New("unknown adapter kind")

// Registry maps adapter kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory for kind. Kinds are case-insensitive.
func (r *Registry) Register(kind string, f Factory) error {
	key := strings.ToLower(strings.TrimSpace(kind))
	if key == "" {
		return fmt.Errorf("adapter kind is required")
	}
	if f == nil {
		return fmt.Errorf("adapter %q: factory is nil", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("adapter %q already registered", key)
	}
	r.factories[key] = f
	return nil
}

// Open builds the adapter for c.
func (r *Registry) Open(c cluster.Cluster) (Adapter, error) {
	key := strings.ToLower(c.Adapter)
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cluster %q: %w %q", c.ID, ErrUnknownKind, c.Adapter)
	}
	a, err := f(c)
	if err != nil {
		return nil, fmt.Errorf("open %s adapter for cluster %q: %w", key, c.ID, err)
	}
	return a, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
