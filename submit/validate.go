package submit

import (
	"context"
	"errors"
	"fmt"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/project"
	"msrl.dev/git-submit/repository"
)

// ValidationArgs describes a commit about to be integrated.
type ValidationArgs struct {
	Repo     repository.Repo
	Dest     change.Branch
	Commit   *CodeReviewCommit
	Caller   *change.Account
	Projects repository.Manager
}

// Validator checks a commit before it is merged. A non-zero status rejects
// the commit with that status.
type Validator interface {
	Validate(ctx context.Context, args *ValidationArgs) (MergeStatus, error)
}

// ValidatorFunc adapts a function to a Validator.
type ValidatorFunc func(ctx context.Context, args *ValidationArgs) (MergeStatus, error)

func (f ValidatorFunc) Validate(ctx context.Context, args *ValidationArgs) (MergeStatus, error) {
	return f(ctx, args)
}

// ConfigValidator rejects changes to refs/meta/config that would leave the
// project with a broken configuration or that move the project under a new
// parent without administrator rights.
type ConfigValidator struct{}

func (ConfigValidator) Validate(ctx context.Context, args *ValidationArgs) (MergeStatus, error) {
	if args.Dest.Ref != repository.MetaConfigRef {
		return 0, nil
	}
	text, err := args.Repo.ReadFile(args.Commit.Hash, project.ConfigFile)
	if err != nil {
		// Nothing to check.
		return 0, nil
	}

	oldParent := ""
	if tip, err := args.Repo.ResolveRef(repository.MetaConfigRef); err != nil {
		return 0, err
	} else if tip != "" {
		if old, err := args.Repo.ReadFile(tip, project.ConfigFile); err == nil {
			if cfg, err := project.ParseConfig(args.Dest.Project, old, project.Defaults{}); err == nil {
				oldParent = cfg.Parent
			}
		}
	}

	var projects []string
	if args.Projects != nil {
		if projects, err = args.Projects.List(); err != nil {
			return 0, fmt.Errorf("listing projects: %w", err)
		}
	}
	admin := args.Caller != nil && args.Caller.Administrator

	err = project.ValidateConfigChange(args.Dest.Project, text, oldParent, projects, admin)
	var ce *project.ConfigError
	if !errors.As(err, &ce) {
		return 0, err
	}
	switch ce.Kind {
	case project.ParentNotFound:
		return InvalidProjectConfigurationParentProjectNotFound, nil
	case project.RootCannotHaveParent:
		return InvalidProjectConfigurationRootProjectCannotHaveParent, nil
	case project.ParentChangeRequiresAdmin:
		return SettingParentProjectOnlyAllowedByAdmin, nil
	}
	return InvalidProjectConfiguration, nil
}
