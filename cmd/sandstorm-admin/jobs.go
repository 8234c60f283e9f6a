package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"text/tabwriter"
	"time"

	"github.com/target/sandstorm/internal/bootstrap"
	"github.com/target/sandstorm/internal/data"
	"github.com/target/sandstorm/internal/domain/model"
)

type jobStatsOptions struct {
	RawJSON bool
}

func parseJobStatsFlags(args []string) (jobStatsOptions, error) {
	fs := flag.NewFlagSet("job-stats", flag.ContinueOnError)
	rawJSON := fs.Bool("json", false, "print raw JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return jobStatsOptions{}, err
	}
	return jobStatsOptions{RawJSON: *rawJSON}, nil
}

func runJobStats(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobStatsFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, _, err := connectInfraWithOptions(&connectInfraOptions{
		Logger: cmdCtx.Logger,
		Config: &cmdCtx.Config,
		WantDB: true,
	})
	if err != nil {
		return err
	}
	defer closeInfra(db, nil, cmdCtx.Logger)

	repo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
	stats, err := repo.Stats(ctx)
	if err != nil {
		return err
	}

	return printJobStats(stats, opts.RawJSON)
}

func printJobStats(stats *model.JobStats, rawJSON bool) error {
	if rawJSON {
		encoded, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		return writef(os.Stdout, "%s\n", encoded)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		count int
	}{
		{"pending", stats.Pending},
		{"provisioning", stats.Provisioning},
		{"running", stats.Running},
		{"succeeded", stats.Succeeded},
		{"failed", stats.Failed},
		{"timed_out", stats.TimedOut},
		{"cancelled", stats.Cancelled},
	}

	total := 0
	for _, row := range rows {
		if err := writef(w, "%s\t%d\n", row.label, row.count); err != nil {
			return err
		}
		total += row.count
	}
	if err := writef(w, "total\t%d\n", total); err != nil {
		return err
	}
	return w.Flush()
}

type sweepOptions struct {
	Timeout time.Duration
}

func parseSweepFlags(name string, args []string) (sweepOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	timeout := fs.Duration("timeout", 2*time.Minute, "maximum time to wait for the pass to complete")
	if err := fs.Parse(args); err != nil {
		return sweepOptions{}, err
	}
	return sweepOptions{Timeout: *timeout}, nil
}

func runSweep(cmdCtx *commandContext, args []string) error {
	opts, err := parseSweepFlags("sweep", args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, opts.Timeout)
	defer cancel()

	services, cleanup, err := buildServices(cmdCtx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := services.Sweeper.SweepOnce(ctx); err != nil {
		return err
	}
	return writef(os.Stdout, "sweep pass completed\n")
}

func runTimeoutScan(cmdCtx *commandContext, args []string) error {
	opts, err := parseSweepFlags("timeout-scan", args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, opts.Timeout)
	defer cancel()

	services, cleanup, err := buildServices(cmdCtx)
	if err != nil {
		return err
	}
	defer cleanup()

	resolved, err := services.Timeout.ScanOnce(ctx)
	if err != nil {
		return err
	}
	return writef(os.Stdout, "timed out %d job(s)\n", resolved)
}

// buildServices wires the full service container for commands that need the
// sandbox provider (sweep, timeout-scan). The returned cleanup closes the
// underlying connections.
func buildServices(cmdCtx *commandContext) (bootstrap.ServiceContainer, func(), error) {
	db, redisClient, err := connectInfraWithOptions(&connectInfraOptions{
		Logger:    cmdCtx.Logger,
		Config:    &cmdCtx.Config,
		WantDB:    true,
		WantRedis: true,
	})
	if err != nil {
		return bootstrap.ServiceContainer{}, nil, err
	}

	cleanup := func() { closeInfra(db, redisClient, cmdCtx.Logger) }

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cmdCtx.Config,
		DB:          db,
		RedisClient: redisClient,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		cleanup()
		return bootstrap.ServiceContainer{}, nil, err
	}

	return services, cleanup, nil
}
