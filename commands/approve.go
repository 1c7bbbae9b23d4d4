package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"time"

	"msrl.dev/git-submit/change"
)

var approveFlagSet = flag.NewFlagSet("approve", flag.ExitOnError)

var (
	approveLabel = approveFlagSet.String("label", change.CodeReview, "Label to vote on.")
	approveValue = approveFlagSet.Int("value", 2, "Vote value.")
	approveAs    = approveFlagSet.Int("as", 0, "Account id of the voter.")
)

// approveChange records a vote on the current patch set of a change.
func approveChange(env *Env, args []string) error {
	approveFlagSet.Parse(args)
	args = approveFlagSet.Args()
	if len(args) != 1 {
		return errors.New("Only approving one change at a time is supported.")
	}
	ctx := context.Background()
	voter, err := env.account(ctx, *approveAs)
	if err != nil {
		return err
	}
	if voter == nil {
		return errors.New("Voting requires an account; pass -as.")
	}
	if *approveLabel == change.SubmitLabel {
		return fmt.Errorf("The %s label is reserved.", change.SubmitLabel)
	}
	valid := false
	for _, l := range env.Config.Labels {
		if l.Name == *approveLabel {
			valid = *approveValue >= l.Min && *approveValue <= l.Max
			if !valid {
				return fmt.Errorf("%s must be between %d and %d", l.Name, l.Min, l.Max)
			}
		}
	}
	if !valid {
		return fmt.Errorf("unknown label %q", *approveLabel)
	}

	c, err := env.loadChange(ctx, args[0])
	if err != nil {
		return err
	}
	if !c.Status.IsOpen() {
		return fmt.Errorf("change %d is %s", c.ID, c.Status)
	}
	err = env.Store.InTx(ctx, c.ID, func(ctx context.Context, tx change.Tx) error {
		return tx.UpsertApproval(ctx, &change.Approval{
			PatchSet: tx.Change().CurrentPatchSetID(),
			Account:  voter.ID,
			Label:    *approveLabel,
			Value:    *approveValue,
			Granted:  time.Now().UTC(),
		})
	})
	if err != nil {
		return err
	}
	env.Mirror.Write(ctx, c.Dest.Project, []change.ID{c.ID})
	fmt.Fprintf(env.Out, "%s%+d on change %d\n", *approveLabel, *approveValue, c.ID)
	return nil
}

var approveCmd = &Command{
	Usage: func(arg0 string) {
		fmt.Printf("Usage: %s approve [<option>...] <change>\n\nOptions:\n", arg0)
		approveFlagSet.PrintDefaults()
	},
	RunMethod: func(env *Env, args []string) error {
		return approveChange(env, args)
	},
}

var accountFlagSet = flag.NewFlagSet("account", flag.ExitOnError)

var accountAdmin = accountFlagSet.Bool("admin", false, "Grant administrator rights.")

// addAccount creates or updates an account.
func addAccount(env *Env, args []string) error {
	accountFlagSet.Parse(args)
	args = accountFlagSet.Args()
	if len(args) != 3 {
		return errors.New("An account needs an id, a full name and an email address.")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid account id %q", args[0])
	}
	a := &change.Account{
		ID:            change.AccountID(id),
		FullName:      args[1],
		Email:         args[2],
		Administrator: *accountAdmin,
	}
	if err := env.Store.UpsertAccount(context.Background(), a); err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "Account %d: %s\n", a.ID, a.NameEmail())
	return nil
}

var accountCmd = &Command{
	Usage: func(arg0 string) {
		fmt.Printf("Usage: %s account [-admin] <id> <full name> <email>\n\nOptions:\n", arg0)
		accountFlagSet.PrintDefaults()
	},
	RunMethod: func(env *Env, args []string) error {
		return addAccount(env, args)
	},
}
