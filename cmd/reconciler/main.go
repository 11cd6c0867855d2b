package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"treasury-service/internal/cache"
	"treasury-service/internal/config"
	"treasury-service/internal/logger"
	"treasury-service/internal/metrics"
	"treasury-service/internal/notify"
	"treasury-service/internal/reconcile"
	"treasury-service/internal/repository"
	"treasury-service/internal/settlement"
)

type reconcilerConfig struct {
	Verbose      bool
	Alert        bool
	Cron         string
	RebuildCache bool
	ReportPath   string
	MinAge       time.Duration
	MaxAttempts  int
	BatchSize    int
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func parseFlags(args []string, defaults *config.Config) (reconcilerConfig, error) {
	fs := flag.NewFlagSet("reconciler", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg reconcilerConfig
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show detailed progress")
	fs.BoolVar(&cfg.Alert, "alert", true, "return non-zero exit code when settlements escalate")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled reconciliation runs")
	fs.BoolVar(&cfg.RebuildCache, "rebuild-cache", false, "rebuild Redis projections from the ledger before reconciling")
	fs.StringVar(&cfg.ReportPath, "report", "", "write run report to file")
	fs.DurationVar(&cfg.MinAge, "min-age", defaults.ReconcileMinAge, "minimum age before a PENDING entry is reconciled")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", defaults.ReconcileMaxAttempts, "attempts before a stuck settlement escalates")
	fs.IntVar(&cfg.BatchSize, "batch-size", defaults.ReconcileBatchSize, "maximum entries per pass")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts <= 0 {
		return cfg, errors.New("max-attempts must be positive")
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer) int {
	envCfg := config.Load()
	cfg, err := parseFlags(args, envCfg)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if strings.TrimSpace(cfg.Cron) != "" {
		return runScheduled(ctx, envCfg, cfg, out, errOut)
	}
	return runOnce(ctx, envCfg, cfg, out, errOut)
}

func runScheduled(ctx context.Context, envCfg *config.Config, cfg reconcilerConfig, out, errOut io.Writer) int {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting scheduled reconciliation...")
	}

	scheduledCfg := cfg
	scheduledCfg.Alert = false

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if code := runOnce(ctx, envCfg, scheduledCfg, out, errOut); code == 2 {
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if cfg.Verbose {
			fmt.Fprintln(out, "Running scheduled reconciliation...")
		}
		if code := runOnce(ctx, envCfg, scheduledCfg, out, errOut); code != 0 {
			fmt.Fprintf(errOut, "scheduled reconciliation exited with code %d\n", code)
		}
	}))

	c.Start()
	<-ctx.Done()
	c.Stop()
	return 0
}

func runOnce(ctx context.Context, envCfg *config.Config, cfg reconcilerConfig, out, errOut io.Writer) int {
	db, err := sql.Open("postgres", envCfg.DSN())
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	dbPingCtx, dbPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping database: %v\n", err)
		return 2
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         envCfg.RedisAddr,
		Password:     envCfg.RedisPassword,
		DB:           envCfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	defer redisClient.Close()

	log := logger.New("treasury-reconciler", errOut)
	m := metrics.NewDefault()
	ledgerRepo := repository.NewLedgerRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	stateCache := cache.NewStore(redisClient)
	rail := settlement.NewHTTPClient(envCfg.SettlementURL, envCfg.SettlementAPIKey, envCfg.SettlementTimeout)
	notifier := notify.New(redisClient, envCfg.EventChannel, envCfg.WebhookURL, log, m)

	rec := reconcile.New(ledgerRepo, approvalRepo, rail, stateCache, notifier, m, log, reconcile.Config{
		MinAge:      cfg.MinAge,
		MaxAttempts: cfg.MaxAttempts,
		BatchSize:   cfg.BatchSize,
	})

	if cfg.RebuildCache {
		if cfg.Verbose {
			fmt.Fprintln(out, "Rebuilding cache projections...")
		}
		if err := rec.RebuildProjections(ctx); err != nil {
			fmt.Fprintf(errOut, "cache rebuild failed: %v\n", err)
			return 2
		}
	}

	result, err := rec.Run(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "reconciliation failed: %v\n", err)
		return 2
	}

	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, result); err != nil {
			fmt.Fprintf(errOut, "failed to write report: %v\n", err)
			return 2
		}
	}

	fmt.Fprintf(out, "Reconciliation: scanned=%d confirmed=%d failed=%d pending=%d escalated=%d errors=%d\n",
		result.Scanned, result.Confirmed, result.Failed, result.Pending, result.Escalated, result.Errors)

	if cfg.Alert && result.Escalated > 0 {
		return 1
	}
	return 0
}

type runReport struct {
	RunAt  string            `json:"run_at"`
	Result *reconcile.Result `json:"result"`
}

func writeReport(path string, result *reconcile.Result) error {
	data, err := json.MarshalIndent(runReport{
		RunAt:  time.Now().UTC().Format(time.RFC3339),
		Result: result,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
