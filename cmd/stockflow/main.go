package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockflow/cmd/stockflow/cli"
	"github.com/odyssey-erp/stockflow/internal/app"
	"github.com/odyssey-erp/stockflow/internal/observability"
	"github.com/odyssey-erp/stockflow/internal/platform/cache"
	"github.com/odyssey-erp/stockflow/internal/platform/db"
	"github.com/odyssey-erp/stockflow/jobs"
)

const usage = `usage: stockflow [command]

commands:
  serve                          run the ops server (default)
  opname -user ID [-json]        reconcile a counting session read from stdin
  budget -department ID -period YYYY-MM [-json]
  jobs trigger NAME [-department ID]
  jobs stats`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return 1
	}

	logger := app.NewLogger(cfg)

	command := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	if command == "jobs" {
		return runJobs(ctx, cfg, args)
	}
	if command != "serve" && command != "opname" && command != "budget" {
		_, _ = fmt.Fprintln(os.Stderr, usage)
		return 2
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns, MinConns: cfg.PGMinConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	svc := buildServices(cfg, logger, pool, redisClient, jobClient, metrics)

	switch command {
	case "opname":
		return runOpname(ctx, svc, args)
	case "budget":
		return runBudget(ctx, svc, args)
	default:
		return serve(ctx, stop, cfg, logger, metrics, pool, redisClient)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger, metrics *observability.Metrics, pool app.Pinger, redisClient *redis.Client) int {
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)
	redisCheck := app.PingFunc(func(ctx context.Context) error {
		return cache.Ping(ctx, redisClient)
	})

	router := app.NewRouter(app.RouterParams{
		Logger: logger,
		Config: cfg,
		Checks: map[string]app.Pinger{
			"postgres": pool,
			"redis":    redisCheck,
		},
		JobHandler: jobHandler,
		Metrics:    metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return 1
	}
	return 0
}

func runOpname(ctx context.Context, svc *services, args []string) int {
	fs := flag.NewFlagSet("opname", flag.ContinueOnError)
	userID := fs.Int64("user", 0, "user posting the session")
	jsonOut := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	actor, err := svc.rbac.ResolveActor(ctx, *userID)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "opname reconcile: %v\n", err)
		return 1
	}
	c, err := cli.NewOpnameCLI(svc.opname)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return c.ReconcileCommand(ctx, cli.OpnameOptions{Actor: actor, JSONOutput: *jsonOut})
}

func runBudget(ctx context.Context, svc *services, args []string) int {
	fs := flag.NewFlagSet("budget", flag.ContinueOnError)
	deptID := fs.Int64("department", 0, "department id")
	period := fs.String("period", time.Now().UTC().Format("2006-01"), "month as YYYY-MM")
	jsonOut := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	c, err := cli.NewBudgetCLI(svc.budget)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return c.RemainingCommand(ctx, cli.BudgetOptions{DepartmentID: *deptID, Period: *period, JSONOutput: *jsonOut})
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	c, err := cli.NewJobsCLI(cfg.RedisAddr, cfg.IdempotencyRetention)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = c.Close() }()

	switch args[0] {
	case "trigger":
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		deptID := fs.Int64("department", 0, "restrict the low-stock scan to one department")
		if len(args) < 2 {
			_, _ = fmt.Fprintln(os.Stderr, usage)
			return 2
		}
		if err := fs.Parse(args[2:]); err != nil {
			return 2
		}
		info, err := c.Trigger(ctx, args[1], *deptID)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		_, _ = fmt.Printf("enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := c.InspectQueues(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		for _, s := range stats {
			_, _ = fmt.Printf("%-12s pending=%d active=%d scheduled=%d retry=%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry)
		}
	default:
		_, _ = fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	return 0
}
