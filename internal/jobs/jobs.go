// Package jobs translates gateway job requests into scheduler adapter calls
// and normalizes what the adapters return.
//
// The gateway never stores job state. Every read goes to the backend and
// every result is rebuilt from the adapter's answer.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/hpc-gateway/internal/adapter"
	"github.com/JakeFAU/hpc-gateway/internal/apperr"
	"github.com/JakeFAU/hpc-gateway/internal/cluster"
	"github.com/JakeFAU/hpc-gateway/internal/metrics"
)

// StatusCancelled is reported for a job the caller just cancelled.
const StatusCancelled = "cancelled"

// Job is the normalized view of one scheduler job.
type Job struct {
	ID             string     `json:"job_id"`
	Cluster        string     `json:"cluster"`
	Name           string     `json:"job_name"`
	Owner          string     `json:"job_owner"`
	Status         string     `json:"status"`
	Queue          string     `json:"queue_name"`
	AccountingID   string     `json:"accounting_id"`
	SubmittedAt    *time.Time `json:"submitted_at"`
	StartedAt      *time.Time `json:"started_at"`
	WallclockTime  int64      `json:"wallclock_time"`
	WallclockLimit int64      `json:"wallclock_limit"`
}

// Cancelled is returned by Cancel.
type Cancelled struct {
	ID     string `json:"job_id"`
	Status string `json:"status"`
}

// ScriptBody is the script part of a submission.
type ScriptBody struct {
	Content string `json:"content"`
	Workdir string `json:"workdir,omitempty"`
}

// Options are optional submission settings, forwarded untouched.
type Options struct {
	JobName      string `json:"job_name,omitempty"`
	QueueName    string `json:"queue_name,omitempty"`
	WallTime     int64  `json:"wall_time,omitempty"`
	AccountingID string `json:"accounting_id,omitempty"`
	OutputPath   string `json:"output_path,omitempty"`
	ErrorPath    string `json:"error_path,omitempty"`
	Native       any    `json:"native,omitempty"`
}

// SubmitRequest is the body of POST /api/v1/jobs.
type SubmitRequest struct {
	Cluster string     `json:"cluster"`
	Script  ScriptBody `json:"script"`
	Options Options    `json:"options"`
}

// Clusters resolves submission-enabled clusters.
type Clusters interface {
	Get(id string) (cluster.Cluster, bool)
}

// Adapters opens the backend for a cluster.
type Adapters interface {
	Open(c cluster.Cluster) (adapter.Adapter, error)
}

// Limiter paces backend calls per cluster.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Gateway implements the job operations.
type Gateway struct {
	clusters Clusters
	adapters Adapters
	limiter  Limiter
	logger   *zap.Logger
}

// NewGateway wires a Gateway.
func NewGateway(clusters Clusters, adapters Adapters, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{clusters: clusters, adapters: adapters, logger: logger.Named("jobs")}
}

// SetLimiter makes every operation wait on l, keyed by cluster id, before it
// reaches the backend.
func (g *Gateway) SetLimiter(l Limiter) {
	g.limiter = l
}

// List returns owner's jobs on clusterID.
func (g *Gateway) List(ctx context.Context, clusterID, owner string) ([]Job, error) {
	c, err := g.cluster(clusterID)
	if err != nil {
		return nil, err
	}
	a, err := g.open(ctx, c, apperr.Unavailable)
	if err != nil {
		return nil, err
	}
	infos, err := a.InfoAll(ctx, adapter.Filter{Owner: owner})
	metrics.ObserveBackendCall(c.ID, "list", err)
	if err != nil {
		return nil, g.backendFailure(c.ID, "list", apperr.Unavailable, err)
	}
	jobs := make([]Job, 0, len(infos))
	for _, info := range infos {
		jobs = append(jobs, normalize(c.ID, info))
	}
	return jobs, nil
}

// Get returns one job. A record whose id, name, owner and queue are all
// empty is what schedulers return for unknown jobs and is reported as
// NotFound.
func (g *Gateway) Get(ctx context.Context, clusterID, jobID string) (Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return Job{}, apperr.New(apperr.BadRequest, "job id is required")
	}
	c, err := g.cluster(clusterID)
	if err != nil {
		return Job{}, err
	}
	a, err := g.open(ctx, c, apperr.Unavailable)
	if err != nil {
		return Job{}, err
	}
	info, err := a.Info(ctx, jobID)
	metrics.ObserveBackendCall(c.ID, "info", err)
	if err != nil {
		return Job{}, g.backendFailure(c.ID, "info", apperr.Unavailable, err)
	}
	job := normalize(c.ID, info)
	if structurallyEmpty(job) {
		return Job{}, apperr.Newf(apperr.NotFound, "job %s not found on cluster %s", jobID, c.ID)
	}
	return job, nil
}

// Submit sends req to the cluster's scheduler on behalf of owner and returns
// the job as the scheduler reports it right after submission.
//
// Submission and the follow-up query are separate backend calls. When the
// query fails the job still exists on the backend; the error message names
// its id so the caller can look it up later.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest, owner string) (Job, error) {
	clusterID := strings.TrimSpace(req.Cluster)
	if clusterID == "" {
		return Job{}, apperr.New(apperr.BadRequest, "cluster is required")
	}
	c, ok := g.clusters.Get(clusterID)
	if !ok {
		return Job{}, apperr.Newf(apperr.NotFound, "cluster %s not found", clusterID)
	}
	if strings.TrimSpace(req.Script.Content) == "" {
		return Job{}, apperr.New(apperr.BadRequest, "script content is required")
	}
	a, err := g.open(ctx, c, apperr.Unprocessable)
	if err != nil {
		return Job{}, err
	}

	id, err := a.Submit(ctx, adapter.Script{
		Content:      req.Script.Content,
		Workdir:      req.Script.Workdir,
		Owner:        owner,
		JobName:      req.Options.JobName,
		QueueName:    req.Options.QueueName,
		WallTime:     req.Options.WallTime,
		AccountingID: req.Options.AccountingID,
		OutputPath:   req.Options.OutputPath,
		ErrorPath:    req.Options.ErrorPath,
		Native:       req.Options.Native,
	})
	metrics.ObserveBackendCall(c.ID, "submit", err)
	if err != nil {
		return Job{}, g.backendFailure(c.ID, "submit", apperr.Unprocessable, err)
	}
	g.logger.Info("job submitted", zap.String("cluster", c.ID), zap.String("job_id", id), zap.String("owner", owner))

	info, err := a.Info(ctx, id)
	metrics.ObserveBackendCall(c.ID, "info", err)
	if err != nil {
		g.logger.Warn("submitted job could not be queried",
			zap.String("cluster", c.ID), zap.String("job_id", id), zap.Error(err))
		return Job{}, apperr.Wrap(apperr.Unprocessable,
			fmt.Sprintf("job %s was submitted to cluster %s but its state could not be read: %v", id, c.ID, err), err)
	}
	job := normalize(c.ID, info)
	if job.ID == "" {
		job.ID = id
	}
	return job, nil
}

// Cancel asks the scheduler to remove jobID.
func (g *Gateway) Cancel(ctx context.Context, clusterID, jobID string) (Cancelled, error) {
	if strings.TrimSpace(jobID) == "" {
		return Cancelled{}, apperr.New(apperr.BadRequest, "job id is required")
	}
	c, err := g.cluster(clusterID)
	if err != nil {
		return Cancelled{}, err
	}
	a, err := g.open(ctx, c, apperr.Unprocessable)
	if err != nil {
		return Cancelled{}, err
	}
	err = a.Delete(ctx, jobID)
	metrics.ObserveBackendCall(c.ID, "delete", err)
	if err != nil {
		return Cancelled{}, g.backendFailure(c.ID, "delete", apperr.Unprocessable, err)
	}
	g.logger.Info("job cancelled", zap.String("cluster", c.ID), zap.String("job_id", jobID))
	return Cancelled{ID: jobID, Status: StatusCancelled}, nil
}

func (g *Gateway) cluster(id string) (cluster.Cluster, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return cluster.Cluster{}, apperr.New(apperr.BadRequest, "cluster query parameter is required")
	}
	c, ok := g.clusters.Get(id)
	if !ok {
		return cluster.Cluster{}, apperr.Newf(apperr.NotFound, "cluster %s not found", id)
	}
	return c, nil
}

func (g *Gateway) open(ctx context.Context, c cluster.Cluster, kind apperr.Kind) (adapter.Adapter, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, c.ID); err != nil {
			return nil, apperr.Wrap(apperr.Unavailable, fmt.Sprintf("cluster %s: request abandoned while rate limited", c.ID), err)
		}
	}
	a, err := g.adapters.Open(c)
	if err != nil {
		g.logger.Warn("adapter unavailable", zap.String("cluster", c.ID), zap.String("adapter", c.Adapter), zap.Error(err))
		return nil, apperr.Wrap(kind, fmt.Sprintf("cluster %s: scheduler adapter unavailable", c.ID), err)
	}
	return a, nil
}

func (g *Gateway) backendFailure(clusterID, op string, kind apperr.Kind, err error) error {
	g.logger.Warn("scheduler call failed",
		zap.String("cluster", clusterID), zap.String("op", op), zap.Error(err))
	return apperr.Wrap(kind, fmt.Sprintf("cluster %s: %v", clusterID, err), err)
}

func normalize(clusterID string, info adapter.Info) Job {
	return Job{
		ID:             info.ID,
		Cluster:        clusterID,
		Name:           info.Name,
		Owner:          info.Owner,
		Status:         statusOf(info),
		Queue:          info.Queue,
		AccountingID:   info.AccountingID,
		SubmittedAt:    info.SubmittedAt,
		StartedAt:      info.StartedAt,
		WallclockTime:  info.WallclockTime,
		WallclockLimit: info.WallclockLimit,
	}
}

// statusOf prefers the scheduler's own state name and falls back to the
// portable status.
func statusOf(info adapter.Info) string {
	if native := strings.TrimSpace(info.NativeState); native != "" {
		return strings.ToLower(native)
	}
	if info.Status == "" {
		return string(adapter.StatusUndetermined)
	}
	return string(info.Status)
}

func structurallyEmpty(j Job) bool {
	return j.ID == "" && j.Name == "" && j.Owner == "" && j.Queue == ""
}
