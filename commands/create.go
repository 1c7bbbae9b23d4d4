package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/changeops"
	"msrl.dev/git-submit/groups"
	"msrl.dev/git-submit/repository"
	"msrl.dev/git-submit/update"
)

var createFlagSet = flag.NewFlagSet("create", flag.ExitOnError)

var (
	createBranch = createFlagSet.String("b", "master", "Destination branch of the change.")
	createTopic  = createFlagSet.String("topic", "", "Topic of the change.")
	createAs     = createFlagSet.Int("as", 0, "Account id of the change owner.")
	createDraft  = createFlagSet.Bool("draft", false, "Create the change as a draft.")
)

// resolveCommit accepts a ref or a full commit hash.
func resolveCommit(repo repository.Repo, name string) (string, error) {
	if hash, err := repo.ResolveRef(name); err != nil {
		return "", err
	} else if hash != "" {
		return hash, nil
	}
	ok, err := repo.HasObject(name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("unknown revision %q", name)
	}
	return name, nil
}

// newGroups computes the groups of commit from the commits between it and
// every branch head.
func newGroups(ctx context.Context, env *Env, projectName string, repo repository.Repo, commit string) ([]string, error) {
	heads, err := repo.Refs(repository.BranchRefPrefix)
	if err != nil {
		return nil, err
	}
	walk := repo.NewDryRunInserter().NewRevWalk()
	walk.MarkStart(commit)
	walk.MarkUninteresting(slices.Collect(maps.Values(heads))...)
	commits, err := walk.Commits()
	if err != nil {
		return nil, err
	}

	existing := make(map[string][]change.PatchSetID)
	for _, c := range commits {
		for _, hash := range append([]string{c.Hash}, c.Parents...) {
			if _, ok := existing[hash]; ok {
				continue
			}
			patchSets, err := env.Store.PatchSetsByCommit(ctx, projectName, hash)
			if err != nil {
				return nil, err
			}
			ids := make([]change.PatchSetID, 0, len(patchSets))
			for _, ps := range patchSets {
				ids = append(ids, ps.ID)
			}
			existing[hash] = ids
		}
	}

	collector := groups.NewCollector(existing, groups.StoreLookup(env.Store))
	collector.SetLogger(env.Logger)
	walk.Reset()
	walk.MarkStart(commit)
	walk.MarkUninteresting(slices.Collect(maps.Values(heads))...)
	all, err := groups.Collect(ctx, walk, collector)
	if err != nil {
		return nil, fmt.Errorf("computing groups of %s: %w", commit, err)
	}
	if g := all[commit]; len(g) > 0 {
		return g, nil
	}
	return groups.DefaultGroups(commit), nil
}

// createChange uploads commit as a new change for review.
func createChange(env *Env, args []string) error {
	createFlagSet.Parse(args)
	args = createFlagSet.Args()
	if len(args) != 2 {
		return errors.New("Creating a change requires a project and a commit.")
	}
	ctx := context.Background()
	projectName := args[0]
	repo, err := env.Repos.OpenRepo(projectName)
	if err != nil {
		return err
	}
	owner, err := env.account(ctx, *createAs)
	if err != nil {
		return err
	}
	commit, err := resolveCommit(repo, args[1])
	if err != nil {
		return err
	}
	details, err := repo.GetCommitDetails(commit)
	if err != nil {
		return err
	}
	g, err := newGroups(ctx, env, projectName, repo, commit)
	if err != nil {
		return err
	}

	key, ok := change.KeyFromMessage(details.Message)
	if !ok {
		key = change.GenerateKey(projectName + "\n" + commit)
	}
	ref := *createBranch
	if !strings.HasPrefix(ref, "refs/") {
		ref = repository.BranchRefPrefix + ref
	}
	c := &change.Change{
		Key:     key,
		Dest:    change.Branch{Project: projectName, Ref: ref},
		Subject: details.Subject(),
		Topic:   *createTopic,
		Status:  change.New,
		Created: time.Now().UTC(),
	}
	if *createDraft {
		c.Status = change.Draft
	}
	ps := &change.PatchSet{Commit: commit, Groups: g}
	if owner != nil {
		c.Owner = owner.ID
		ps.Uploader = owner.ID
	}
	id, err := env.Store.NextChangeID(ctx)
	if err != nil {
		return err
	}
	u := update.New(update.Options{
		Project: projectName,
		Repo:    repo,
		Store:   env.Store,
		Mirror:  env.Mirror,
		Sink:    env.Sink,
		User:    owner,
		Logger:  env.Logger,
	}).SetOrder(update.RepoBeforeDB)
	u.AddInsertOp(changeops.NewInsertChangeOp(id, c, ps, env.Sink))
	err = update.Execute(ctx, []*update.BatchUpdate{u}, nil, false)
	var pe *update.PostUpdateError
	if errors.As(err, &pe) {
		env.Logger.WarnContext(ctx, "sending event", "error", err)
	} else if err != nil {
		return fmt.Errorf("creating change %d: %w", id, err)
	}
	fmt.Fprintf(env.Out, "Created change %d (%s)\n", c.ID, c.Key.Abbreviate())
	return nil
}

var createCmd = &Command{
	Usage: func(arg0 string) {
		fmt.Printf("Usage: %s create [<option>...] <project> <commit>\n\nOptions:\n", arg0)
		createFlagSet.PrintDefaults()
	},
	RunMethod: func(env *Env, args []string) error {
		return createChange(env, args)
	},
}
