package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/mergequeue"
)

var mergeQueueFlagSet = flag.NewFlagSet("merge-queue", flag.ExitOnError)

var (
	mergeQueueInterval = mergeQueueFlagSet.Duration("interval", 0, "Keep polling for submitted changes at this interval instead of exiting once the queue is drained.")
	mergeQueueDrain    = mergeQueueFlagSet.Duration("drain-timeout", time.Minute, "How long to wait for the queue to drain.")
)

// submittedBranches returns the branches of every project with changes
// waiting to be merged.
func submittedBranches(ctx context.Context, env *Env) ([]change.Branch, error) {
	projects, err := env.Repos.List()
	if err != nil {
		return nil, err
	}
	var branches []change.Branch
	for _, p := range projects {
		open, err := env.Store.ByProjectOpen(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, c := range open {
			if c.Status == change.Submitted && !slices.Contains(branches, c.Dest) {
				branches = append(branches, c.Dest)
			}
		}
	}
	return branches, nil
}

func scheduleSubmitted(ctx context.Context, env *Env, q *mergequeue.Queue) (int, error) {
	branches, err := submittedBranches(ctx, env)
	if err != nil {
		return 0, err
	}
	for _, b := range branches {
		if err := q.Schedule(b); err != nil {
			return 0, err
		}
	}
	return len(branches), nil
}

// runMergeQueue merges every submitted change through the merge queue.
func runMergeQueue(env *Env, args []string) error {
	mergeQueueFlagSet.Parse(args)
	if len(mergeQueueFlagSet.Args()) != 0 {
		return errors.New("merge-queue takes no arguments.")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	q := mergequeue.New(mergequeue.SubmitRunner(env.Op, env.Logger), mergequeue.Options{
		Workers:    env.Config.Queue.Workers,
		RetryDelay: env.Config.Queue.RetryDelay,
		Fuzz:       env.Config.Queue.Fuzz,
		Lease:      env.Lease,
		Logger:     env.Logger,
	})
	q.Start(ctx)
	defer q.Stop()

	n, err := scheduleSubmitted(ctx, env, q)
	if err != nil {
		return err
	}
	if *mergeQueueInterval <= 0 {
		drainCtx, cancel := context.WithTimeout(ctx, *mergeQueueDrain)
		defer cancel()
		if err := q.Drain(drainCtx); err != nil {
			return fmt.Errorf("waiting for %d branch(es): %w", n, err)
		}
		fmt.Fprintf(env.Out, "Processed %d branch(es)\n", n)
		return nil
	}

	ticker := time.NewTicker(*mergeQueueInterval)
	defer ticker.Stop()
	var errs *multierror.Error
	for {
		select {
		case <-ctx.Done():
			return errs.ErrorOrNil()
		case <-ticker.C:
			if _, err := scheduleSubmitted(ctx, env, q); err != nil {
				env.Logger.ErrorContext(ctx, "scheduling submitted branches", "error", err)
				errs = multierror.Append(errs, err)
			}
		}
	}
}

var mergeQueueCmd = &Command{
	Usage: func(arg0 string) {
		fmt.Printf("Usage: %s merge-queue [<option>...]\n\nOptions:\n", arg0)
		mergeQueueFlagSet.PrintDefaults()
	},
	RunMethod: func(env *Env, args []string) error {
		return runMergeQueue(env, args)
	},
}

// rebuildMirror regenerates the notes mirror of the given projects.
func rebuildMirror(env *Env, args []string) error {
	ctx := context.Background()
	projects := args
	if len(projects) == 0 {
		var err error
		if projects, err = env.Repos.List(); err != nil {
			return err
		}
	}
	var errs *multierror.Error
	for _, p := range projects {
		if err := env.Mirror.Rebuild(ctx, p); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		fmt.Fprintf(env.Out, "Rebuilt %s\n", p)
	}
	return errs.ErrorOrNil()
}

var rebuildMirrorCmd = &Command{
	Usage: func(arg0 string) {
		fmt.Printf("Usage: %s rebuild-mirror [<project>...]\n", arg0)
	},
	RunMethod: func(env *Env, args []string) error {
		return rebuildMirror(env, args)
	},
}
