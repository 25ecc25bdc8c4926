package app

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/racer/internal/batch"
	"github.com/raysh454/racer/internal/logging"
	"github.com/raysh454/racer/internal/sender"
)

type JobEventType string

const (
	JobEventStatus   JobEventType = "status"
	JobEventProgress JobEventType = "progress"
	JobEventResult   JobEventType = "result"
)

type JobEvent struct {
	JobID string       `json:"job_id"`
	Type  JobEventType `json:"type"`

	// For status changes
	Status JobStatus `json:"status,omitempty"`
	Error  string    `json:"error,omitempty"`

	// For progress
	Processed int `json:"processed,omitempty"`
	Total     int `json:"total,omitempty"`
}

type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
)

// Job is a batch send running in the background.
type Job struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"` // "send"
	Batch     string        `json:"batch"`
	Status    JobStatus     `json:"status"`
	Error     string        `json:"error,omitempty"`
	Processed int           `json:"processed"`
	Total     int           `json:"total"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Events    chan JobEvent `json:"-"`

	Summary *batch.MiniSummary `json:"summary,omitempty"`
}

const jobEventBuffer = 64

func (r *Racer) newJob(typ, batchName string) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Type:      typ,
		Batch:     batchName,
		Status:    JobPending,
		StartedAt: time.Now().UTC(),
		Events:    make(chan JobEvent, jobEventBuffer),
	}
}

func (r *Racer) setJob(job *Job) {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()
	r.jobs[job.ID] = job
}

func (r *Racer) emitJobEvent(jobID string, ev JobEvent) {
	r.jobsMu.Lock()
	job, ok := r.jobs[jobID]
	r.jobsMu.Unlock()
	if !ok || job == nil || job.Events == nil {
		return
	}

	// Non-blocking send; drop if buffer is full.
	select {
	case job.Events <- ev:
	default:
	}
}

func (r *Racer) setStatus(jobID string, status JobStatus, errMsg string) {
	r.jobsMu.Lock()
	if j, ok := r.jobs[jobID]; ok {
		j.Status = status
		j.Error = errMsg
	}
	r.jobsMu.Unlock()
	r.emitJobEvent(jobID, JobEvent{JobID: jobID, Type: JobEventStatus, Status: status, Error: errMsg})
}

// progressCallback records progress on the job and forwards it as events.
func (r *Racer) progressCallback(jobID string) sender.ProgressCallback {
	return func(done, total int) {
		r.jobsMu.Lock()
		if j, ok := r.jobs[jobID]; ok {
			j.Processed = done
			j.Total = total
		}
		r.jobsMu.Unlock()
		r.emitJobEvent(jobID, JobEvent{JobID: jobID, Type: JobEventProgress, Processed: done, Total: total})
	}
}

// finishJob stamps the end time, closes the event stream and schedules the
// job for removal.
func (r *Racer) finishJob(jobID string) {
	r.jobsMu.Lock()
	j := r.jobs[jobID]
	if j != nil {
		j.EndedAt = time.Now().UTC()
	}
	if cancel := r.jobCancels[jobID]; cancel != nil {
		cancel()
	}
	delete(r.jobCancels, jobID)
	r.jobsMu.Unlock()

	// Close events channel so websocket loop can terminate cleanly
	if j != nil && j.Events != nil {
		close(j.Events)
	}
	if r.cfg.JobRetentionTime > 0 {
		time.AfterFunc(r.cfg.JobRetentionTime, func() {
			r.jobsMu.Lock()
			delete(r.jobs, jobID)
			r.jobsMu.Unlock()
		})
	}
}

// StartSendJob sends the named batch in the background. Progress and the
// final status are published on the returned job's Events channel, which is
// closed when the job ends.
func (r *Racer) StartSendJob(ctx context.Context, name string) (*Job, error) {
	b, err := r.acquire(name, false)
	if err != nil {
		return nil, err
	}

	job := r.newJob("send", name)
	r.setJob(job)

	// The job outlives the caller's request; only CancelJob and Close stop it.
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(r.ctx, cancel)
	r.jobsMu.Lock()
	r.jobCancels[job.ID] = cancel
	r.jobsMu.Unlock()

	r.emitJobEvent(job.ID, JobEvent{JobID: job.ID, Type: JobEventStatus, Status: JobPending})
	snapshot := *job

	go func() {
		defer r.finishJob(job.ID)
		defer r.release(name)
		defer stop()

		r.setStatus(job.ID, JobRunning, "")
		logger := r.logger.With(logging.Field{Key: "job_id", Value: job.ID})

		_, err := r.sender.Run(jobCtx, b, r.requests, r.progressCallback(job.ID))
		if err == nil && jobCtx.Err() != nil {
			err = jobCtx.Err()
		}
		switch {
		case err != nil && errors.Is(err, context.Canceled):
			r.setStatus(job.ID, JobCanceled, err.Error())
			logger.Info("send job canceled", logging.Field{Key: "batch", Value: name})
		case err != nil:
			r.setStatus(job.ID, JobFailed, err.Error())
			logger.Warn("send job failed", logging.Field{Key: "batch", Value: name}, logging.Field{Key: "error", Value: err.Error()})
		default:
			r.persistBatch(jobCtx, b)
			ms := b.MiniSummary()
			r.jobsMu.Lock()
			if j, ok := r.jobs[job.ID]; ok {
				j.Status = JobDone
				j.Summary = &ms
			}
			r.jobsMu.Unlock()
			r.emitJobEvent(job.ID, JobEvent{JobID: job.ID, Type: JobEventResult, Status: JobDone})
		}
	}()

	return &snapshot, nil
}

// CancelJob stops a running job. Unknown ids are ignored.
func (r *Racer) CancelJob(jobID string) {
	r.jobsMu.Lock()
	cancel := r.jobCancels[jobID]
	r.jobsMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// GetJob returns a snapshot of the job, or nil when it is unknown.
func (r *Racer) GetJob(jobID string) *Job {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// ListJobs returns snapshots of the known jobs, oldest first.
func (r *Racer) ListJobs() []*Job {
	r.jobsMu.Lock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		cp := *j
		out = append(out, &cp)
	}
	r.jobsMu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out
}
