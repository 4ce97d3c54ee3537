// Package app builds the service components from configuration. It is shared
// by the binaries under cmd/.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/finance-dedup/internal/config"
	"github.com/dvloznov/finance-dedup/internal/detector"
	"github.com/dvloznov/finance-dedup/internal/embedding"
	infraBQ "github.com/dvloznov/finance-dedup/internal/infra/bigquery"
	"github.com/dvloznov/finance-dedup/internal/jobs"
	"github.com/dvloznov/finance-dedup/internal/loader"
	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/dvloznov/finance-dedup/internal/notify"
	"github.com/dvloznov/finance-dedup/internal/reports"
	"github.com/dvloznov/finance-dedup/internal/similarity"
	"github.com/dvloznov/finance-dedup/internal/store"
	"github.com/dvloznov/finance-dedup/internal/updates"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates the candidate store client.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
}

// DetectorOptions maps configuration onto detector options.
func DetectorOptions(cfg *config.Config) detector.Options {
	opts := detector.DefaultOptions()
	opts.DayTTL = cfg.Detection.DayTTL
	opts.ExactTTL = cfg.Detection.ExactTTL
	opts.PatternTTL = cfg.Detection.PatternTTL
	opts.LookbackDays = cfg.Detection.LookbackDays
	if len(cfg.Detection.PatternMonths) > 0 {
		opts.PatternMonths = cfg.Detection.PatternMonths
	}
	return opts
}

// UpdatesOptions maps configuration onto update detector options.
func UpdatesOptions(cfg *config.Config) updates.Options {
	opts := updates.DefaultOptions()
	opts.TTL = cfg.Updates.TTL
	opts.RequireGrowth = cfg.Updates.RequireGrowth
	return opts
}

// LoaderOptions maps configuration onto loader options. Retention follows
// the detectors so loaded entries expire like live ones.
func LoaderOptions(cfg *config.Config) loader.Options {
	opts := loader.DefaultOptions()
	opts.HistoryDays = cfg.Loader.HistoryDays
	opts.PageSize = cfg.Loader.PageSize
	opts.Concurrency = cfg.Loader.Concurrency
	opts.DayTTL = cfg.Detection.DayTTL
	opts.ExactTTL = cfg.Detection.ExactTTL
	opts.UpdateTTL = cfg.Updates.TTL
	return opts
}

// NewMatcher returns the concept matcher, backed by Gemini embeddings when enabled.
func NewMatcher(ctx context.Context, cfg config.LLMConfig) (*similarity.Matcher, error) {
	if !cfg.EmbeddingEnabled {
		return similarity.NewMatcher(nil, cfg.EmbeddingThreshold), nil
	}
	emb, err := embedding.NewGeminiEmbedder(ctx, cfg.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("NewMatcher: %w", err)
	}
	return similarity.NewMatcher(emb, cfg.EmbeddingThreshold), nil
}

// NewDetector builds the duplicate detector over s.
func NewDetector(ctx context.Context, cfg *config.Config, s *store.Store) (*detector.Detector, error) {
	matcher, err := NewMatcher(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	return detector.New(s, matcher, DetectorOptions(cfg)), nil
}

// Publisher is a notify.Publisher that owns a connection.
type Publisher interface {
	notify.Publisher
	Close() error
}

type nopCloser struct{ notify.LogPublisher }

func (nopCloser) Close() error { return nil }

// NewPublisher returns a Pub/Sub publisher, or a logging one when no project
// is configured.
func NewPublisher(ctx context.Context, cfg config.GCPConfig) (Publisher, error) {
	if cfg.Project == "" {
		log := logger.FromContext(ctx)
		log.Warn().Msg("GCP_PROJECT not set, events will only be logged")
		return nopCloser{}, nil
	}
	pub, err := notify.NewPubSubPublisher(ctx, cfg.Project)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// Loader is a bulk loader together with the clients it owns.
type Loader struct {
	*loader.Loader
	closers []func() error
}

// Close releases the BigQuery and storage clients.
func (l *Loader) Close() error {
	var first error
	for _, c := range l.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewLoader builds a loader reading from BigQuery. Reports are archived to
// GCS when a reports bucket is configured.
func NewLoader(ctx context.Context, cfg *config.Config, s *store.Store) (*Loader, error) {
	if cfg.GCP.Project == "" {
		return nil, fmt.Errorf("NewLoader: GCP_PROJECT is required for bulk loads")
	}

	repo, err := infraBQ.NewTransactionRepository(ctx, infraBQ.TableRef{
		Project: cfg.GCP.Project,
		Dataset: cfg.GCP.Dataset,
		Table:   cfg.GCP.Table,
	})
	if err != nil {
		return nil, fmt.Errorf("NewLoader: %w", err)
	}
	out := &Loader{closers: []func() error{repo.Close}}

	var archiver loader.Archiver
	if cfg.GCP.ReportsBucket != "" {
		gcs, err := reports.NewGCSArchiver(ctx, cfg.GCP.ReportsBucket, cfg.GCP.ReportsPrefix)
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("NewLoader: %w", err)
		}
		out.closers = append(out.closers, gcs.Close)
		archiver = gcs
	}

	out.Loader = loader.New(s, store.NewLockManager(s.Client()), repo, archiver, LoaderOptions(cfg))
	return out, nil
}

// Runner is the part of the loader a load job needs.
type Runner interface {
	LoadAccount(ctx context.Context, acct loader.Account) (loader.AccountReport, error)
	LoadCompany(ctx context.Context, companyID string) (*loader.Report, error)
}

// LoadJobHandler runs bulk-load jobs with l and records the outcome on the job.
func LoadJobHandler(l Runner) jobs.JobHandler {
	return func(ctx context.Context, job jobs.Job) error {
		load, ok := job.(*jobs.LoadJob)
		if !ok {
			return fmt.Errorf("unexpected job type: %T", job)
		}
		log := logger.FromContext(ctx)
		start := time.Now()

		if load.SingleAccount() {
			rep, err := l.LoadAccount(ctx, loader.Account{
				CompanyID:     load.CompanyID,
				Bank:          load.Bank,
				AccountNumber: load.AccountNumber,
			})
			load.Accounts = 1
			if err != nil {
				load.FailedAccounts = 1
				return err
			}
			log.Info().
				Int("transactions", rep.Transactions).
				Int("day_added", rep.DayAdded).
				Dur("took", time.Since(start)).
				Msg("Account loaded")
			return nil
		}

		report, err := l.LoadCompany(ctx, load.CompanyID)
		if report != nil {
			load.Accounts = len(report.Accounts)
			load.FailedAccounts = report.Failed
			load.ReportURI = report.Location
		}
		if err != nil {
			return err
		}
		if report.Failed > 0 && report.Failed == len(report.Accounts) {
			return fmt.Errorf("all %d accounts failed", report.Failed)
		}
		log.Info().
			Int("accounts", load.Accounts).
			Int("failed", load.FailedAccounts).
			Dur("took", time.Since(start)).
			Msg("Company loaded")
		return nil
	}
}
