package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/finance-dedup/internal/jobs"
)

// DefaultKeepFinished is how many completed or failed jobs a Store retains.
const DefaultKeepFinished = 500

// Store is an in-memory JobStore. Jobs are lost on restart. Pending and
// running jobs are always kept; finished ones are evicted oldest first once
// more than KeepFinished accumulate.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*jobs.LoadJob

	KeepFinished int
}

// NewStore creates an in-memory job store keeping DefaultKeepFinished finished jobs.
func NewStore() *Store {
	return &Store{
		jobs:         make(map[string]*jobs.LoadJob),
		KeepFinished: DefaultKeepFinished,
	}
}

func finished(status jobs.JobStatus) bool {
	return status == jobs.JobStatusCompleted || status == jobs.JobStatusFailed
}

// SaveJob stores a copy of job.
func (s *Store) SaveJob(ctx context.Context, job *jobs.LoadJob) error {
	if job.JobID == "" {
		return fmt.Errorf("SaveJob: job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *job
	s.jobs[job.JobID] = &saved
	if finished(saved.Status) {
		s.evictLocked()
	}
	return nil
}

// evictLocked drops the oldest finished jobs beyond KeepFinished.
func (s *Store) evictLocked() {
	if s.KeepFinished <= 0 {
		return
	}
	var done []*jobs.LoadJob
	for _, j := range s.jobs {
		if finished(j.Status) {
			done = append(done, j)
		}
	}
	if len(done) <= s.KeepFinished {
		return
	}
	sort.Slice(done, func(i, j int) bool { return finishedAt(done[i]).Before(finishedAt(done[j])) })
	for _, j := range done[:len(done)-s.KeepFinished] {
		delete(s.jobs, j.JobID)
	}
}

func finishedAt(j *jobs.LoadJob) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.CreatedAt
}

// GetJob returns a copy of the job with jobID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.LoadJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("GetJob: %w: %s", jobs.ErrJobNotFound, jobID)
	}
	out := *job
	return &out, nil
}

// ListJobs returns copies of the jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.LoadJob, error) {
	s.mu.RLock()
	result := make([]*jobs.LoadJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.CompanyID != "" && job.CompanyID != filter.CompanyID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out := *job
		result = append(result, &out)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].JobID < result[j].JobID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset >= len(result) {
		return []*jobs.LoadJob{}, nil
	}
	if filter.Offset > 0 {
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// UpdateJobStatus moves a job to status. errorMsg replaces the job error when
// set; a finished status also stamps CompletedAt.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("UpdateJobStatus: %w: %s", jobs.ErrJobNotFound, jobID)
	}

	job.Status = status
	if errorMsg != "" {
		job.Error = errorMsg
	}
	if finished(status) {
		if job.CompletedAt == nil {
			now := time.Now()
			job.CompletedAt = &now
		}
		s.evictLocked()
	}
	return nil
}

var _ jobs.JobStore = (*Store)(nil)
