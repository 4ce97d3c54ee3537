package inmemory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/finance-dedup/internal/jobs"
)

func waitForStatus(t *testing.T, s *Store, id string, want jobs.JobStatus) *jobs.LoadJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.GetJob(context.Background(), id)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := s.GetJob(context.Background(), id)
	t.Fatalf("job %s never reached %s, last state %+v", id, want, job)
	return nil
}

func TestQueue_ProcessesJob(t *testing.T) {
	store := NewStore()
	q := NewQueue(10, 2, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		load := job.(*jobs.LoadJob)
		load.Accounts = 3
		load.ReportURI = "gs://reports/run.json"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	job := &jobs.LoadJob{CompanyID: "c-1"}
	if err := q.PublishLoad(ctx, job); err != nil {
		t.Fatalf("PublishLoad() error = %v", err)
	}
	if job.JobID == "" || job.MaxRetries != 3 {
		t.Errorf("defaults not applied: %+v", job)
	}

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	if done.Accounts != 3 || done.ReportURI == "" || done.StartedAt == nil || done.CompletedAt == nil {
		t.Errorf("unexpected completed job: %+v", done)
	}

	if err := q.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestQueue_RetriesThenFails(t *testing.T) {
	store := NewStore()
	q := NewQueue(10, 1, store)
	q.RetryBackoff = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	_ = q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("bigquery unavailable")
	})

	job := &jobs.LoadJob{CompanyID: "c-1", MaxRetries: 2}
	if err := q.PublishLoad(ctx, job); err != nil {
		t.Fatal(err)
	}

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	if failed.RetryCount != 2 || failed.Error != "bigquery unavailable" {
		t.Errorf("unexpected failed job: %+v", failed)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("handler called %d times, want 3", n)
	}
	_ = q.Stop(context.Background())
}

func TestQueue_Closed(t *testing.T) {
	q := NewQueue(1, 1, nil)
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	if err := q.PublishLoad(context.Background(), &jobs.LoadJob{CompanyID: "c-1"}); !errors.Is(err, jobs.ErrQueueClosed) {
		t.Errorf("PublishLoad() error = %v, want ErrQueueClosed", err)
	}
	if err := q.Start(context.Background(), nil); !errors.Is(err, jobs.ErrQueueClosed) {
		t.Errorf("Start() error = %v, want ErrQueueClosed", err)
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestStore(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	base := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	for i, company := range []string{"c-1", "c-2", "c-1"} {
		job := &jobs.LoadJob{JobID: string(rune('a' + i)), CompanyID: company, Status: jobs.JobStatusPending, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := s.SaveJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveJob(ctx, &jobs.LoadJob{}); err == nil {
		t.Error("expected an error for a job without id")
	}

	list, _ := s.ListJobs(ctx, jobs.JobFilter{CompanyID: "c-1"})
	if len(list) != 2 || list[0].JobID != "c" || list[1].JobID != "a" {
		t.Errorf("ListJobs() = %+v", list)
	}
	list, _ = s.ListJobs(ctx, jobs.JobFilter{Limit: 1, Offset: 1})
	if len(list) != 1 || list[0].JobID != "b" {
		t.Errorf("paged ListJobs() = %+v", list)
	}

	if err := s.UpdateJobStatus(ctx, "a", jobs.JobStatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}
	job, _ := s.GetJob(ctx, "a")
	if job.Status != jobs.JobStatusFailed || job.Error != "boom" {
		t.Errorf("GetJob() = %+v", job)
	}
	job.CompanyID = "mutated"
	if again, _ := s.GetJob(ctx, "a"); again.CompanyID != "c-1" {
		t.Error("GetJob must return a copy")
	}

	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("GetJob() error = %v, want ErrJobNotFound", err)
	}
	if err := s.UpdateJobStatus(ctx, "missing", jobs.JobStatusFailed, ""); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("UpdateJobStatus() error = %v", err)
	}
}

func TestStore_KeepsBoundedFinishedJobs(t *testing.T) {
	s := NewStore()
	s.KeepFinished = 2
	ctx := context.Background()
	base := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	if err := s.SaveJob(ctx, &jobs.LoadJob{JobID: "running", Status: jobs.JobStatusRunning, CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	for i, id := range []string{"old", "mid", "new"} {
		done := base.Add(time.Duration(i+1) * time.Hour)
		job := &jobs.LoadJob{JobID: id, Status: jobs.JobStatusCompleted, CreatedAt: base, CompletedAt: &done}
		if err := s.SaveJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.GetJob(ctx, "old"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("oldest finished job should be evicted, err = %v", err)
	}
	for _, id := range []string{"running", "mid", "new"} {
		if _, err := s.GetJob(ctx, id); err != nil {
			t.Errorf("GetJob(%s) error = %v", id, err)
		}
	}

	if err := s.UpdateJobStatus(ctx, "running", jobs.JobStatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}
	job, err := s.GetJob(ctx, "running")
	if err != nil || job.CompletedAt == nil {
		t.Fatalf("failed job should be kept and stamped: %+v, %v", job, err)
	}
	if _, err := s.GetJob(ctx, "mid"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("mid should be evicted once a newer job finishes, err = %v", err)
	}
}
