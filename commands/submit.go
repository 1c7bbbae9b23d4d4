package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"msrl.dev/git-submit/changeops"
	"msrl.dev/git-submit/commands/output"
	"msrl.dev/git-submit/submit"
	"msrl.dev/git-submit/update"
)

var submitFlagSet = flag.NewFlagSet("submit", flag.ExitOnError)

var (
	submitDryRun    = submitFlagSet.Bool("dry-run", false, "Integrate the changes without writing anything.")
	submitAsync     = submitFlagSet.Bool("async", false, "Only mark the changes submitted; the merge queue merges them.")
	submitSkipRules = submitFlagSet.Bool("skip-rules", false, "Do not check the submit rules.")
	submitAs        = submitFlagSet.Int("as", 0, "Account id of the submitter.")
)

// submitChange submits a change together with every change it depends on.
func submitChange(env *Env, args []string) error {
	submitFlagSet.Parse(args)
	args = submitFlagSet.Args()
	if len(args) != 1 {
		return errors.New("Only submitting one change at a time is supported.")
	}
	if *submitDryRun && *submitAsync {
		return errors.New("Only one of --dry-run or --async may be used.")
	}
	ctx := context.Background()
	caller, err := env.account(ctx, *submitAs)
	if err != nil {
		return err
	}
	c, err := env.loadChange(ctx, args[0])
	if err != nil {
		return err
	}
	opts := submit.Options{DryRun: *submitDryRun, CheckRules: !*submitSkipRules}

	if *submitAsync {
		branches, err := env.Op.Submit(ctx, c.ID, caller, opts)
		if err != nil {
			return err
		}
		for _, b := range branches {
			fmt.Fprintf(env.Out, "Queued %s\n", b)
		}
		return nil
	}

	res, err := env.Op.Merge(ctx, c.ID, caller, opts)
	if res != nil {
		output.PrintResult(env.Out, res, *submitDryRun)
	}
	return err
}

var submitCmd = &Command{
	Usage: func(arg0 string) {
		fmt.Printf("Usage: %s submit [<option>...] <change>\n\nOptions:\n", arg0)
		submitFlagSet.PrintDefaults()
	},
	RunMethod: func(env *Env, args []string) error {
		return submitChange(env, args)
	},
}

// mergeableChange reports whether a change could be merged as is.
func mergeableChange(env *Env, args []string) error {
	if len(args) != 1 {
		return errors.New("Only checking one change at a time is supported.")
	}
	ctx := context.Background()
	c, err := env.loadChange(ctx, args[0])
	if err != nil {
		return err
	}
	ok, err := env.Op.Mergeable(ctx, c.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(env.Out, ok)
	return nil
}

var mergeableCmd = &Command{
	Usage: func(arg0 string) {
		fmt.Printf("Usage: %s mergeable <change>\n", arg0)
	},
	RunMethod: func(env *Env, args []string) error {
		return mergeableChange(env, args)
	},
}

var abandonFlagSet = flag.NewFlagSet("abandon", flag.ExitOnError)

var (
	abandonMessage = abandonFlagSet.String("m", "", "Message explaining why the change is abandoned.")
	abandonAs      = abandonFlagSet.Int("as", 0, "Account id abandoning the change.")
)

// abandonChange closes a change without merging it.
func abandonChange(env *Env, args []string) error {
	abandonFlagSet.Parse(args)
	args = abandonFlagSet.Args()
	if len(args) != 1 {
		return errors.New("Only abandoning one change at a time is supported.")
	}
	ctx := context.Background()
	caller, err := env.account(ctx, *abandonAs)
	if err != nil {
		return err
	}
	c, err := env.loadChange(ctx, args[0])
	if err != nil {
		return err
	}
	u := update.New(update.Options{
		Project: c.Dest.Project,
		Store:   env.Store,
		Mirror:  env.Mirror,
		Sink:    env.Sink,
		User:    caller,
		Logger:  env.Logger,
	})
	u.AddOp(c.ID, changeops.NewAbandonOp(*abandonMessage, env.Sink))
	if err := update.Execute(ctx, []*update.BatchUpdate{u}, nil, false); err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "Abandoned change %d\n", c.ID)
	return nil
}

var abandonCmd = &Command{
	Usage: func(arg0 string) {
		fmt.Printf("Usage: %s abandon [<option>...] <change>\n\nOptions:\n", arg0)
		abandonFlagSet.PrintDefaults()
	},
	RunMethod: func(env *Env, args []string) error {
		return abandonChange(env, args)
	},
}

var deleteDraftFlagSet = flag.NewFlagSet("delete-draft", flag.ExitOnError)

var deleteDraftAs = deleteDraftFlagSet.Int("as", 0, "Account id deleting the draft.")

// deleteDraft removes a draft change and its patch set refs.
func deleteDraft(env *Env, args []string) error {
	deleteDraftFlagSet.Parse(args)
	args = deleteDraftFlagSet.Args()
	if len(args) != 1 {
		return errors.New("Only deleting one draft at a time is supported.")
	}
	ctx := context.Background()
	caller, err := env.account(ctx, *deleteDraftAs)
	if err != nil {
		return err
	}
	c, err := env.loadChange(ctx, args[0])
	if err != nil {
		return err
	}
	repo, err := env.Repos.OpenRepo(c.Dest.Project)
	if err != nil {
		return err
	}
	u := update.New(update.Options{
		Project: c.Dest.Project,
		Repo:    repo,
		Store:   env.Store,
		Sink:    env.Sink,
		User:    caller,
		Logger:  env.Logger,
	}).SetOrder(update.DBBeforeRepo)
	u.AddOp(c.ID, &changeops.DeleteDraftOp{})
	if err := update.Execute(ctx, []*update.BatchUpdate{u}, nil, false); err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "Deleted draft %d\n", c.ID)
	return nil
}

var deleteDraftCmd = &Command{
	Usage: func(arg0 string) {
		fmt.Printf("Usage: %s delete-draft [<option>...] <change>\n\nOptions:\n", arg0)
		deleteDraftFlagSet.PrintDefaults()
	},
	RunMethod: func(env *Env, args []string) error {
		return deleteDraft(env, args)
	},
}
