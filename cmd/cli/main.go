package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dvloznov/finance-dedup/internal/app"
	"github.com/dvloznov/finance-dedup/internal/config"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/jobs"
	"github.com/dvloznov/finance-dedup/internal/jobs/inmemory"
	"github.com/dvloznov/finance-dedup/internal/loader"
	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/dvloznov/finance-dedup/internal/reports"
	"github.com/dvloznov/finance-dedup/internal/store"
	"github.com/dvloznov/finance-dedup/internal/updates"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		l := logger.New()
		l.Fatal().Err(err).Msg("Invalid configuration")
	}
	log := logger.NewWithOptions(logger.Options{Level: cfg.Log.Level, Format: "console"})

	switch os.Args[1] {
	case "load":
		runLoad(cfg, log)
	case "load-company":
		runLoadCompany(cfg, log)
	case "status":
		runStatus(cfg, log)
	case "schedule":
		runSchedule(cfg, log)
	case "report":
		runReport(log)
	case "check":
		runCheck(cfg, log)
	case "forget":
		runForget(cfg, log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Transaction dedup CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  load          Load the recent history of one account into the store")
	fmt.Println("  load-company  Load the recent history of every account of a company")
	fmt.Println("  status        Show when an account was last loaded")
	fmt.Println("  schedule      Reload companies periodically on a cron schedule")
	fmt.Println("  report        Download an archived load report")
	fmt.Println("  check         Run duplicate and update detection on a JSON transaction")
	fmt.Println("  forget        Remove a transaction from the store")
	fmt.Println("  help          Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*store.Store, func()) {
	client := app.NewRedisClient(cfg.Redis)
	s := store.New(client)
	if err := s.Ping(ctx); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis not reachable")
	}
	return s, func() { client.Close() }
}

func openLoader(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app.Loader, func()) {
	s, closeStore := openStore(ctx, cfg, log)
	l, err := app.NewLoader(ctx, cfg, s)
	if err != nil {
		closeStore()
		log.Fatal().Err(err).Msg("Failed to create loader")
	}
	return l, func() {
		l.Close()
		closeStore()
	}
}

func accountFlags(fs *flag.FlagSet) (*string, *string, *string) {
	company := fs.String("company", "", "company id")
	bank := fs.String("bank", "", "bank name")
	account := fs.String("account", "", "account number")
	return company, bank, account
}

func runLoad(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	company, bank, account := accountFlags(fs)
	days := fs.Int("days", cfg.Loader.HistoryDays, "days of history to load")
	fs.Parse(os.Args[2:])

	if *company == "" || *bank == "" || *account == "" {
		log.Fatal().Msg("Error: --company, --bank and --account are required")
	}
	cfg.Loader.HistoryDays = *days

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	l, closeAll := openLoader(ctx, cfg, log)
	defer closeAll()

	rep, err := l.LoadAccount(ctx, loader.Account{CompanyID: *company, Bank: *bank, AccountNumber: *account})
	if err != nil {
		log.Fatal().Err(err).Msg("Load failed")
	}
	printJSON(rep)
}

func runLoadCompany(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("load-company", flag.ExitOnError)
	company := fs.String("company", "", "company id")
	days := fs.Int("days", cfg.Loader.HistoryDays, "days of history to load")
	concurrency := fs.Int("concurrency", cfg.Loader.Concurrency, "accounts loaded at a time")
	fs.Parse(os.Args[2:])

	if *company == "" {
		log.Fatal().Msg("Error: --company is required")
	}
	cfg.Loader.HistoryDays = *days
	cfg.Loader.Concurrency = *concurrency

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	l, closeAll := openLoader(ctx, cfg, log)
	defer closeAll()

	report, err := l.LoadCompany(ctx, *company)
	if err != nil {
		log.Fatal().Err(err).Msg("Company load failed")
	}
	printJSON(report)
	if report.Failed > 0 {
		os.Exit(2)
	}
}

func runStatus(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	company, bank, account := accountFlags(fs)
	fs.Parse(os.Args[2:])

	if *company == "" || *bank == "" || *account == "" {
		log.Fatal().Msg("Error: --company, --bank and --account are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	s, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	l := loader.New(s, store.NewLockManager(s.Client()), nil, nil, app.LoaderOptions(cfg))
	at, ok, err := l.LastLoaded(ctx, loader.Account{CompanyID: *company, Bank: *bank, AccountNumber: *account})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read load watermark")
	}
	if !ok {
		fmt.Println("Account has not been loaded, or its watermark expired.")
		return
	}
	fmt.Printf("Last loaded: %s (%s ago)\n", at.Format(time.RFC3339), time.Since(at).Round(time.Second))
}

func runSchedule(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	spec := fs.String("cron", "0 3 * * *", "cron expression of the reload")
	companies := fs.String("companies", "", "comma separated company ids")
	runNow := fs.Bool("now", false, "also run once at startup")
	fs.Parse(os.Args[2:])

	ids := splitList(*companies)
	if len(ids) == 0 {
		log.Fatal().Msg("Error: --companies is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	l, closeAll := openLoader(ctx, cfg, log)
	defer closeAll()

	jobStore := inmemory.NewStore()
	queue := inmemory.NewQueue(cfg.Loader.QueueSize, 1, jobStore)
	if err := queue.Start(ctx, app.LoadJobHandler(l)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start load worker")
	}

	enqueue := func() {
		for _, id := range ids {
			job := &jobs.LoadJob{CompanyID: id}
			if err := queue.PublishLoad(ctx, job); err != nil {
				log.Error().Err(err).Str("company_id", id).Msg("Failed to enqueue load")
				continue
			}
			log.Info().Str("job_id", job.JobID).Str("company_id", id).Msg("Load enqueued")
		}
	}

	c := cron.New()
	if _, err := c.AddFunc(*spec, enqueue); err != nil {
		log.Fatal().Err(err).Str("cron", *spec).Msg("Invalid cron expression")
	}
	c.Start()
	log.Info().Str("cron", *spec).Strs("companies", ids).Msg("Scheduler started, waiting for jobs...")
	if *runNow {
		enqueue()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down scheduler...")
	<-c.Stop().Done()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}
	log.Info().Msg("Scheduler exited")
}

func runReport(log zerolog.Logger) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	uri := fs.String("uri", "", "gs:// URI of the report (as printed by load-company)")
	out := fs.String("out", "", "write the report to this directory instead of stdout")
	fs.Parse(os.Args[2:])

	if *uri == "" {
		log.Fatal().Msg("Error: --uri is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	bucket, _, err := reports.ParseURI(*uri)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid report URI")
	}
	archiver, err := reports.NewGCSArchiver(ctx, bucket, "")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create storage client")
	}
	defer archiver.Close()

	data, err := archiver.Fetch(ctx, *uri)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to download report")
	}

	if *out == "" {
		os.Stdout.Write(data)
		return
	}
	path := filepath.Join(*out, reports.Filename(*uri))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Fatal().Err(err).Msg("Failed to write report")
	}
	fmt.Printf("Report written to %s\n", path)
}

func readMessage(path string) (domain.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Message{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("decoding %s: %w", path, err)
	}
	return msg, nil
}

func runCheck(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	file := fs.String("file", "", "path of a JSON transaction message")
	withUpdates := fs.Bool("updates", false, "also run update detection")
	fs.Parse(os.Args[2:])

	if *file == "" {
		log.Fatal().Msg("Error: --file is required")
	}
	msg, err := readMessage(*file)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read transaction")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	s, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	det, err := app.NewDetector(ctx, cfg, s)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create detector")
	}
	res := det.CheckMessage(ctx, msg)

	out := map[string]interface{}{"duplicates": res}
	if *withUpdates {
		found, err := updates.New(s, app.UpdatesOptions(cfg)).DetectMessage(ctx, msg)
		if err != nil {
			log.Error().Err(err).Msg("Update detection failed")
		}
		out["updates"] = updates.Actionable(found)
	}
	printJSON(out)
}

func runForget(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("forget", flag.ExitOnError)
	file := fs.String("file", "", "path of a JSON transaction message")
	fs.Parse(os.Args[2:])

	if *file == "" {
		log.Fatal().Msg("Error: --file is required")
	}
	msg, err := readMessage(*file)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read transaction")
	}
	tx, err := msg.Transaction()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid transaction")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	s, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	det, err := app.NewDetector(ctx, cfg, s)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create detector")
	}
	removed, err := det.Forget(ctx, tx)
	if err != nil {
		log.Fatal().Err(err).Msg("Forget failed")
	}
	fmt.Printf("Removed %d entries for %s.\n", removed, tx.Checksum)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encoding output: %v\n", err)
	}
}
