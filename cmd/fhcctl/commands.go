package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"

	"FHCElite/internal/session"
	"FHCElite/internal/usecase"
	"FHCElite/pkg/queue"
	"FHCElite/pkg/util"
)

// syncCmd implements the "sync" command.
type syncCmd struct {
	g     *globals
	out   string
	daily bool
}

func (*syncCmd) Name() string     { return "sync" }
func (*syncCmd) Synopsis() string { return "syncs every instrument and writes the snapshot file" }
func (*syncCmd) Usage() string {
	return `sync [-out path] [-daily]

Reconciles the whole universe against the upstream sources, stores fresh
samples and writes the board as a JSON snapshot document.
`
}

func (c *syncCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.out, "out", "", "snapshot file, defaults to board.snapshot_out")
	f.BoolVar(&c.daily, "daily", true, "refresh the exchange daily snapshot first for previous closes")
}

func (c *syncCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	tk, err := c.g.toolkit()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer tk.Close()

	if c.daily {
		if records, err := tk.Board.Daily(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: daily snapshot unavailable: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "daily snapshot: %d records\n", len(records))
		}
	}

	quotes := tk.Board.RefreshAll(ctx)
	for _, in := range tk.Board.Instruments() {
		q, ok := quotes[in.ID]
		if !ok {
			fmt.Printf("%s %-6s: no data\n", in.ID, in.Name)
			continue
		}
		stale := ""
		if q.Stale {
			stale = " (stale)"
		}
		fmt.Printf("%s %-6s: %8.2f %+6.2f%%%s\n", in.ID, in.Name, q.Price, q.ChangePercent, stale)
	}

	out := c.out
	if out == "" {
		out = tk.Config.Board.SnapshotOut
	}
	if err := tk.Board.WriteFile(ctx, out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", out)
	return subcommands.ExitSuccess
}

// purgeCmd implements the "purge" command.
type purgeCmd struct {
	g         *globals
	retention string
}

func (*purgeCmd) Name() string     { return "purge" }
func (*purgeCmd) Synopsis() string { return "deletes samples older than the retention window" }
func (*purgeCmd) Usage() string {
	return `purge [-retention 24h|N]

Deletes stored samples older than the retention window. A bare number is
read as days.
`
}

func (c *purgeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.retention, "retention", "", "retention window, defaults to engine.retention")
}

func (c *purgeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	tk, err := c.g.toolkit()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer tk.Close()

	retention := util.ParseDurationDefault(c.retention, tk.Config.Engine.Retention)
	n, err := tk.Retention.PurgeOlderThan(ctx, retention)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("deleted %d samples older than %s\n", n, retention)
	return subcommands.ExitSuccess
}

// enqueueCmd implements the "enqueue" command.
type enqueueCmd struct {
	g         *globals
	jobType   string
	ids       string
	retention int
	dedupeTTL time.Duration
}

func (*enqueueCmd) Name() string     { return "enqueue" }
func (*enqueueCmd) Synopsis() string { return "queues a purge or sync job for the running service" }
func (*enqueueCmd) Usage() string {
	return `enqueue -type purge|sync [-ids 2881,2886] [-retention-hours N] [-dedupe 1m]

Pushes a job onto the Redis job queue and prints the queue sizes. An
identical job still pending is not queued twice. Requires queue.enabled and
a redis or layered cache.
`
}

func (c *enqueueCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.jobType, "type", "sync", "job type: purge or sync")
	f.StringVar(&c.ids, "ids", "", "comma separated instrument ids for sync, empty means all")
	f.IntVar(&c.retention, "retention-hours", 0, "retention override for purge")
	f.DurationVar(&c.dedupeTTL, "dedupe", time.Minute, "window in which an identical job is rejected")
}

func (c *enqueueCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var (
		msgType string
		payload interface{}
		dedupe  string
	)
	switch c.jobType {
	case "purge":
		msgType, payload, dedupe = usecase.JobTypePurge, usecase.PurgePayload{RetentionHours: c.retention}, usecase.JobTypePurge
	case "sync":
		var ids []string
		for _, id := range strings.Split(c.ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		p := usecase.SyncPayload{InstrumentIDs: ids}
		msgType, payload, dedupe = usecase.JobTypeSync, p, p.DedupeKey()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown job type %q\n", c.jobType)
		return subcommands.ExitUsageError
	}

	tk, err := c.g.toolkit()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer tk.Close()
	if tk.Jobs == nil {
		fmt.Fprintln(os.Stderr, "Error: job queue is disabled")
		return subcommands.ExitFailure
	}

	err = tk.Jobs.Enqueue(ctx, msgType, payload, queue.WithDedupeKey(dedupe, c.dedupeTTL))
	switch {
	case errors.Is(err, queue.ErrDuplicate):
		fmt.Fprintf(os.Stderr, "%s already queued\n", msgType)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	default:
		fmt.Printf("enqueued %s\n", msgType)
	}

	if st, err := tk.Jobs.Stats(ctx); err == nil {
		fmt.Printf("pending=%d processing=%d retrying=%d dead=%d\n", st.Pending, st.Processing, st.Retrying, st.Dead)
	}
	return subcommands.ExitSuccess
}

// timelineCmd implements the "timeline" command.
type timelineCmd struct {
	g    *globals
	id   string
	date string
}

func (*timelineCmd) Name() string     { return "timeline" }
func (*timelineCmd) Synopsis() string { return "prints the reconciled timeline of one instrument" }
func (*timelineCmd) Usage() string {
	return `timeline -id 2881 [-date YYYY-MM-DD]

Prints the slot timeline as JSON. Without -date, today's timeline is
reconciled and synced when needed; with -date only stored samples are read.
`
}

func (c *timelineCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.id, "id", "", "instrument id")
	f.StringVar(&c.date, "date", "", "exchange-local date, defaults to today")
}

func (c *timelineCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.id == "" {
		fmt.Fprintln(os.Stderr, "Error: -id is required")
		return subcommands.ExitUsageError
	}
	tk, err := c.g.toolkit()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer tk.Close()

	var view interface{}
	if c.date == "" {
		res, err := tk.Reconciler.Run(ctx, c.id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return subcommands.ExitFailure
		}
		if res.SyncErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: sync failed, serving stored samples: %v\n", res.SyncErr)
		}
		view = res.View
	} else {
		day, ok := util.ParseDateIn(c.date, tk.Clock.Location())
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: bad date %q\n", c.date)
			return subcommands.ExitUsageError
		}
		v, err := tk.Reconciler.Timeline(ctx, c.id, day.Format(session.DateLayout))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return subcommands.ExitFailure
		}
		view = v
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(view); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
