package commands

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/commands/output"
)

var showFlagSet = flag.NewFlagSet("show", flag.ExitOnError)

var (
	showJSONOutput = showFlagSet.Bool("json", false, "Format the output as JSON")
	showMirror     = showFlagSet.Bool("mirror", false, "Show the snapshot mirrored to the notes branch instead")
)

// showChange prints the details of a change.
func showChange(env *Env, args []string) error {
	showFlagSet.Parse(args)
	args = showFlagSet.Args()
	if len(args) != 1 {
		return errors.New("Only showing one change at a time is supported.")
	}
	ctx := context.Background()
	c, err := env.loadChange(ctx, args[0])
	if err != nil {
		return err
	}

	if *showMirror {
		stale, err := env.Mirror.Stale(ctx, c.ID)
		if err != nil {
			return err
		}
		if stale {
			env.Logger.WarnContext(ctx, "mirrored snapshot is stale", "change", c.ID)
		}
		snap, err := env.Mirror.Read(ctx, c.ID)
		if err != nil {
			return err
		}
		return printJSON(env, snap)
	}

	d := &output.Details{Change: c}
	if d.PatchSets, err = env.Store.PatchSets(ctx, c.ID); err != nil {
		return err
	}
	d.Approvals = make(map[int][]*change.Approval)
	for _, ps := range d.PatchSets {
		approvals, err := env.Store.Approvals(ctx, ps.ID)
		if err != nil {
			return err
		}
		d.Approvals[ps.ID.Number] = approvals
	}
	if d.Messages, err = env.Store.Messages(ctx, c.ID); err != nil {
		return err
	}
	if *showJSONOutput {
		return printJSON(env, d)
	}
	output.PrintDetails(env.Out, d)
	return nil
}

func printJSON(env *Env, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(env.Out, string(data))
	return nil
}

var showCmd = &Command{
	Usage: func(arg0 string) {
		fmt.Printf("Usage: %s show [<option>...] <change>\n\nOptions:\n", arg0)
		showFlagSet.PrintDefaults()
	},
	RunMethod: func(env *Env, args []string) error {
		return showChange(env, args)
	},
}
