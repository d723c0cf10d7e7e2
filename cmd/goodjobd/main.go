// Command goodjobd runs a standalone goodjob worker process: it enrolls
// no handlers of its own (an embedding application registers those via
// the library API before calling goodjob.NewRuntime), but it is useful
// as a reference entrypoint and for a dedicated cron/cleanup-only
// process per spec.md §7's deployment guidance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goodjob-go/goodjob"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "goodjobd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		logMode     = flag.String("log-mode", "production", "log mode: production or development")
		serviceName = flag.String("service-name", "goodjobd", "service name reported to tracing")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, err := goodjob.NewLogger(*logMode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	dsn := os.Getenv("GOODJOB_DATABASE_URL")
	if dsn == "" {
		return fmt.Errorf("GOODJOB_DATABASE_URL must be set")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	cfg := goodjob.LoadConfigFromEnv(goodjob.DefaultConfig())
	cfg.Pool = pool

	tel, shutdownTel := goodjob.InitTelemetry(ctx, log, *serviceName)
	defer shutdownTel(context.Background())

	registry := goodjob.NewRegistry()

	rt, err := goodjob.NewRuntime(cfg, registry, log, tel)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx := context.Background()
	if cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(stopCtx, cfg.ShutdownTimeout)
		defer cancel()
	}
	return rt.Stop(stopCtx)
}
