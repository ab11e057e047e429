// Command rtreplica is the process entrypoint for one replica of one
// replicated table (SPEC_FULL.md "cmd/rtreplica | process entrypoint"):
// it loads configuration, dials the coordinator ensemble, opens the
// local durable queue mirror, attaches the table, and runs every
// background subsystem until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/johnskopis/ClickHouse/internal/alter"
	"github.com/johnskopis/ClickHouse/internal/config"
	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/queue"
	"github.com/johnskopis/ClickHouse/internal/rlog"
	"github.com/johnskopis/ClickHouse/internal/storage"
	"github.com/johnskopis/ClickHouse/internal/table"
)

func main() {
	configPath := flag.String("config", "rtreplica.toml", "path to the replica's TOML configuration file")
	logPath := flag.String("log-file", "", "rotating JSON log sink (stderr if empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtreplica: %v\n", err)
		os.Exit(1)
	}

	if *logPath != "" {
		rlog.SetGlobal(rlog.NewRotatingProduction(*logPath, 100, 10, 28))
	}

	ctx := rlog.WithTable(context.Background(), cfg.TableName)
	ctx = rlog.WithReplica(ctx, cfg.ReplicaName)

	if err := run(ctx, cfg); err != nil {
		rlog.Fatal(ctx, "rtreplica exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	client, err := coord.Dial(ctx, cfg.ZookeeperHosts, cfg.ZookeeperSessionTimeout)
	if err != nil {
		return fmt.Errorf("dial coordinator: %w", err)
	}
	defer client.Close()

	store, err := queue.OpenStore(cfg.LocalStateDir)
	if err != nil {
		return fmt.Errorf("open local queue store: %w", err)
	}
	defer store.Close()

	t, err := table.New(client, cfg, store)
	if err != nil {
		return fmt.Errorf("wire table: %w", err)
	}

	// The real on-disk MergeTree part storage engine is out of scope
	// (spec §1); rtreplica drives the narrow storage.Engine contract
	// against the in-memory reference double until a real binding is
	// plugged in here.
	if err := t.Prepare(ctx, table.Meta{Columns: alter.ColumnSet{}, Engine: storage.NewFakeEngine()}); err != nil {
		return fmt.Errorf("prepare table: %w", err)
	}
	if err := t.Commit(ctx); err != nil {
		return fmt.Errorf("commit table: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	partialCtx, cancelPartial := context.WithCancel(ctx)
	defer cancelRun()
	defer cancelPartial()

	runErr := make(chan error, 1)
	go func() { runErr <- t.Run(runCtx, partialCtx) }()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		rlog.Info(ctx, "rtreplica received shutdown signal", zap.String("signal", sig.String()))
		cancelPartial()
		select {
		case <-time.After(10 * time.Second):
		case sig := <-sigs:
			rlog.Warn(ctx, "rtreplica received second signal, forcing shutdown", zap.String("signal", sig.String()))
		}
		cancelRun()
		return <-runErr
	case err := <-runErr:
		return err
	}
}
