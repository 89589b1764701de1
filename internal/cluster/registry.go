package cluster

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Registry holds the submission-enabled clusters as an immutable snapshot.
// Lookups never touch the disk; Reload swaps in a fresh snapshot atomically.
type Registry struct {
	dir    string
	logger *zap.Logger
	snap   atomic.Pointer[snapshot]
}

type snapshot struct {
	ordered []Cluster
	byID    map[string]Cluster
}

func newSnapshot(all []Cluster) *snapshot {
	s := &snapshot{ordered: []Cluster{}, byID: make(map[string]Cluster, len(all))}
	for _, c := range all {
		if !c.SubmissionEnabled() {
			continue
		}
		s.ordered = append(s.ordered, c)
		s.byID[c.ID] = c
	}
	return s
}

// NewRegistry loads dir once and returns the resulting registry.
func NewRegistry(dir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{dir: dir, logger: logger.Named("clusters")}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRegistry serves a fixed set of clusters. Reload is a no-op.
func NewStaticRegistry(clusters ...Cluster) *Registry {
	r := &Registry{logger: zap.NewNop()}
	r.snap.Store(newSnapshot(clusters))
	return r
}

// List returns the submission-enabled clusters ordered by id.
func (r *Registry) List() []Cluster {
	s := r.snap.Load()
	out := make([]Cluster, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Get returns the submission-enabled cluster with id.
func (r *Registry) Get(id string) (Cluster, bool) {
	c, ok := r.snap.Load().byID[id]
	return c, ok
}

// Reload re-reads the cluster directory. On failure the current snapshot
// stays in place.
func (r *Registry) Reload() error {
	if r.dir == "" {
		if r.snap.Load() == nil {
			r.snap.Store(newSnapshot(nil))
		}
		return nil
	}
	all, err := LoadDir(r.dir, r.logger)
	if err != nil {
		return err
	}
	s := newSnapshot(all)
	r.snap.Store(s)
	r.logger.Info("clusters loaded",
		zap.String("dir", r.dir),
		zap.Int("defined", len(all)),
		zap.Int("enabled", len(s.ordered)))
	return nil
}
