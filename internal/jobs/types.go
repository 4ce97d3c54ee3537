package jobs

import (
	"context"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeBulkLoad replays the history of a company or one of its accounts.
	JobTypeBulkLoad JobType = "bulk_load"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// LoadJob asks for a bulk load of a company, or of a single account when
// Bank and AccountNumber are set.
type LoadJob struct {
	JobID         string `json:"job_id"`
	CompanyID     string `json:"company_id"`
	Bank          string `json:"bank,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`

	// Accounts and FailedAccounts are filled in by the handler.
	Accounts       int    `json:"accounts"`
	FailedAccounts int    `json:"failed_accounts"`
	ReportURI      string `json:"report_uri,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// SingleAccount reports whether the job targets one account.
func (j *LoadJob) SingleAccount() bool {
	return j.Bank != "" && j.AccountNumber != ""
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *LoadJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *LoadJob) GetType() JobType {
	return JobTypeBulkLoad
}

// GetStatus implements the Job interface.
func (j *LoadJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher enqueues jobs.
type Publisher interface {
	PublishLoad(ctx context.Context, job *LoadJob) error
	Close() error
}

// Consumer runs queued jobs.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error makes the job eligible for retry.
type JobHandler func(ctx context.Context, job Job) error

// JobStore keeps job state for status queries.
type JobStore interface {
	SaveJob(ctx context.Context, job *LoadJob) error
	GetJob(ctx context.Context, jobID string) (*LoadJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*LoadJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	CompanyID string
	Status    JobStatus
	Limit     int
	Offset    int
}
