package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Webhook dedup keys are written as "webhook:<job-id>:<event-seq>".
const dedupKeyPrefix = "webhook:"

const dedupScanBatch = 200

type dedupListOptions struct {
	JobID string
	Limit int
}

type dedupClearOptions struct {
	JobID  string
	All    bool
	DryRun bool
	Yes    bool
}

func parseDedupListFlags(args []string) (dedupListOptions, error) {
	fs := flag.NewFlagSet("list-dedup-keys", flag.ContinueOnError)
	jobID := fs.String("job", "", "only list keys for this job id")
	limit := fs.Int("limit", 100, "maximum number of keys to print")
	if err := fs.Parse(args); err != nil {
		return dedupListOptions{}, err
	}
	return dedupListOptions{JobID: strings.TrimSpace(*jobID), Limit: *limit}, nil
}

func parseDedupClearFlags(args []string) (dedupClearOptions, error) {
	fs := flag.NewFlagSet("clear-dedup-keys", flag.ContinueOnError)
	jobID := fs.String("job", "", "only clear keys for this job id")
	all := fs.Bool("all", false, "clear keys for all jobs")
	dryRun := fs.Bool("dry-run", false, "print what would be deleted without deleting")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return dedupClearOptions{}, err
	}

	opts := dedupClearOptions{
		JobID:  strings.TrimSpace(*jobID),
		All:    *all,
		DryRun: *dryRun,
		Yes:    *yes,
	}
	if opts.JobID == "" && !opts.All {
		return dedupClearOptions{}, errors.New("either --job or --all is required")
	}
	if opts.JobID != "" && opts.All {
		return dedupClearOptions{}, errors.New("--job and --all are mutually exclusive")
	}
	return opts, nil
}

func dedupScanPattern(jobID string) string {
	if jobID == "" {
		return dedupKeyPrefix + "*"
	}
	return dedupKeyPrefix + jobID + ":*"
}

func runListDedupKeys(cmdCtx *commandContext, args []string) error {
	opts, err := parseDedupListFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	_, redisClient, err := connectInfraWithOptions(&connectInfraOptions{
		Logger:    cmdCtx.Logger,
		Config:    &cmdCtx.Config,
		WantRedis: true,
	})
	if err != nil {
		return err
	}
	if redisClient == nil {
		return errRedisNotConfigured
	}
	defer closeInfra(nil, redisClient, cmdCtx.Logger)

	keys, err := scanDedupKeys(ctx, redisClient, dedupScanPattern(opts.JobID), opts.Limit)
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		return writef(os.Stdout, "no dedup keys found\n")
	}
	for _, key := range keys {
		if err := writef(os.Stdout, "%s\n", key); err != nil {
			return err
		}
	}
	return writef(os.Stdout, "\n%d key(s)\n", len(keys))
}

func runClearDedupKeys(cmdCtx *commandContext, args []string) error {
	opts, err := parseDedupClearFlags(args)
	if err != nil {
		return err
	}
	if confirmErr := confirmDedupClear(opts); confirmErr != nil {
		return confirmErr
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, 2*time.Minute)
	defer cancel()

	_, redisClient, err := connectInfraWithOptions(&connectInfraOptions{
		Logger:    cmdCtx.Logger,
		Config:    &cmdCtx.Config,
		WantRedis: true,
	})
	if err != nil {
		return err
	}
	if redisClient == nil {
		return errRedisNotConfigured
	}
	defer closeInfra(nil, redisClient, cmdCtx.Logger)

	keys, err := scanDedupKeys(ctx, redisClient, dedupScanPattern(opts.JobID), 0)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return writef(os.Stdout, "no dedup keys matched\n")
	}

	if opts.DryRun {
		for _, key := range keys {
			if err := writef(os.Stdout, "would delete %s\n", key); err != nil {
				return err
			}
		}
		return writef(os.Stdout, "\ndry run: %d key(s) matched\n", len(keys))
	}

	deleted := int64(0)
	for start := 0; start < len(keys); start += dedupScanBatch {
		end := min(start+dedupScanBatch, len(keys))
		n, delErr := redisClient.Del(ctx, keys[start:end]...).Result()
		if delErr != nil {
			return fmt.Errorf("delete dedup keys: %w", delErr)
		}
		deleted += n
	}

	return writef(os.Stdout, "deleted %d key(s)\n", deleted)
}

func confirmDedupClear(opts dedupClearOptions) error {
	if opts.Yes || opts.DryRun {
		return nil
	}

	scope := "job " + opts.JobID
	if opts.All {
		scope = "ALL jobs"
	}
	if err := writef(os.Stdout, "About to clear webhook dedup keys for %s. Continue? [y/N]: ", scope); err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read confirmation: %w", err)
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	if answer != "y" && answer != "yes" {
		return errors.New("aborted")
	}
	return nil
}

// scanDedupKeys walks the keyspace with SCAN. A limit of 0 means no limit.
func scanDedupKeys(ctx context.Context, client redis.UniversalClient, pattern string, limit int) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, dedupScanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan dedup keys: %w", err)
		}
		keys = append(keys, batch...)
		if limit > 0 && len(keys) >= limit {
			return keys[:limit], nil
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
