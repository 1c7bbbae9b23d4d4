// Package project holds per-project submit configuration.
package project

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/config"

	"msrl.dev/git-submit/repository"
)

// SubmitType is the merge algorithm used for a project's changes.
type SubmitType int

const (
	FastForwardOnly SubmitType = iota
	MergeIfNecessary
	RebaseIfNecessary
	MergeAlways
	CherryPick
)

// SubmitTypes lists every submit type in bucket order.
var SubmitTypes = []SubmitType{FastForwardOnly, MergeIfNecessary, RebaseIfNecessary, MergeAlways, CherryPick}

var submitTypeNames = []string{"FAST_FORWARD_ONLY", "MERGE_IF_NECESSARY", "REBASE_IF_NECESSARY", "MERGE_ALWAYS", "CHERRY_PICK"}

func (t SubmitType) String() string {
	if int(t) < 0 || int(t) >= len(submitTypeNames) {
		return fmt.Sprintf("SubmitType(%d)", int(t))
	}
	return submitTypeNames[t]
}

// ParseSubmitType accepts "MERGE_IF_NECESSARY", "merge if necessary" and
// "merge-if-necessary" spellings.
func ParseSubmitType(s string) (SubmitType, error) {
	norm := strings.ToUpper(strings.NewReplacer(" ", "_", "-", "_").Replace(strings.TrimSpace(s)))
	for i, name := range submitTypeNames {
		if norm == name {
			return SubmitType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown submit type %q", s)
}

// RootProject is the project every other project inherits from.
const RootProject = "All-Projects"

// ConfigFile is the name of the project configuration file on refs/meta/config.
const ConfigFile = "project.config"

// Config is the submit configuration of one project.
type Config struct {
	Name              string
	Parent            string
	SubmitType        SubmitType
	UseContentMerge   bool
	UseRecursiveMerge bool
}

// MergeStrategy returns the tree merge strategy the project's settings select.
func (c *Config) MergeStrategy() repository.MergeStrategy {
	switch {
	case !c.UseContentMerge:
		return repository.SimpleTwoWayInCore
	case c.UseRecursiveMerge:
		return repository.Recursive
	default:
		return repository.Resolve
	}
}

// Defaults supplies values for settings a project does not set.
type Defaults struct {
	SubmitType        SubmitType
	UseContentMerge   bool
	UseRecursiveMerge bool
}

func (d Defaults) config(name string) *Config {
	return &Config{
		Name:              name,
		SubmitType:        d.SubmitType,
		UseContentMerge:   d.UseContentMerge,
		UseRecursiveMerge: d.UseRecursiveMerge,
	}
}

// apply overrides c with the settings present in a parsed config file.
func (c *Config) apply(cfg *config.Config) error {
	submit := cfg.Section("submit")
	if v := submit.Option("action"); v != "" {
		t, err := ParseSubmitType(v)
		if err != nil {
			return err
		}
		c.SubmitType = t
	}
	for key, dst := range map[string]*bool{
		"mergeContent":   &c.UseContentMerge,
		"recursiveMerge": &c.UseRecursiveMerge,
	} {
		if v := submit.Option(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("submit.%s: %w", key, err)
			}
			*dst = b
		}
	}
	if v := cfg.Section("access").Option("inheritFrom"); v != "" {
		c.Parent = v
	}
	return nil
}

// ParseConfig parses the text of a project.config file.
func ParseConfig(name, text string, defaults Defaults) (*Config, error) {
	raw := config.New()
	if err := config.NewDecoder(strings.NewReader(text)).Decode(raw); err != nil {
		return nil, fmt.Errorf("parsing %s of %s: %w", ConfigFile, name, err)
	}
	c := defaults.config(name)
	if err := c.apply(raw); err != nil {
		return nil, fmt.Errorf("parsing %s of %s: %w", ConfigFile, name, err)
	}
	return c, nil
}

// Load reads a project's configuration: defaults, then the repository's git
// config [submit] section, then project.config on refs/meta/config.
func Load(name string, repo repository.Repo, defaults Defaults) (*Config, error) {
	c := defaults.config(name)
	if v := repo.ConfigOption("submit", "", "action"); v != "" {
		t, err := ParseSubmitType(v)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", name, err)
		}
		c.SubmitType = t
	}
	if v := repo.ConfigOption("submit", "", "mergeContent"); v != "" {
		c.UseContentMerge = v == "true"
	}
	if v := repo.ConfigOption("submit", "", "recursiveMerge"); v != "" {
		c.UseRecursiveMerge = v == "true"
	}

	meta, err := repo.ResolveRef(repository.MetaConfigRef)
	if err != nil {
		return nil, err
	}
	if meta == "" {
		return c, nil
	}
	text, err := repo.ReadFile(meta, ConfigFile)
	if err != nil {
		// A meta config commit without project.config keeps the git config values.
		return c, nil
	}
	raw := config.New()
	if err := config.NewDecoder(strings.NewReader(text)).Decode(raw); err != nil {
		return nil, fmt.Errorf("parsing %s of %s: %w", ConfigFile, name, err)
	}
	if err := c.apply(raw); err != nil {
		return nil, fmt.Errorf("project %s: %w", name, err)
	}
	return c, nil
}

// Source returns project configurations by name.
type Source interface {
	Get(ctx context.Context, name string) (*Config, error)
}

// Loader is a Source reading configurations from repositories.
type Loader struct {
	Repos    repository.Manager
	Defaults Defaults
}

// Get loads the named project's configuration.
func (l *Loader) Get(ctx context.Context, name string) (*Config, error) {
	repo, err := l.Repos.OpenRepo(name)
	if err != nil {
		return nil, err
	}
	return Load(name, repo, l.Defaults)
}

// ConfigErrorKind classifies a rejected project configuration change.
type ConfigErrorKind int

const (
	InvalidConfig ConfigErrorKind = iota
	ParentNotFound
	RootCannotHaveParent
	ParentChangeRequiresAdmin
)

// ConfigError rejects a change to refs/meta/config.
type ConfigError struct {
	Kind ConfigErrorKind
	Err  error
}

func (e *ConfigError) Error() string {
	switch e.Kind {
	case ParentNotFound:
		return "parent project does not exist"
	case RootCannotHaveParent:
		return "the root project cannot have a parent"
	case ParentChangeRequiresAdmin:
		return "only an administrator can change the parent project"
	}
	return fmt.Sprintf("invalid project configuration: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ValidateConfigChange checks a new project.config for project name. oldParent
// is the parent before the change, projects lists the existing projects and
// admin reports whether the submitter is an administrator.
func ValidateConfigChange(name, text, oldParent string, projects []string, admin bool) error {
	c, err := ParseConfig(name, text, Defaults{})
	if err != nil {
		return &ConfigError{Kind: InvalidConfig, Err: err}
	}
	if c.Parent == "" || c.Parent == oldParent {
		return nil
	}
	if name == RootProject {
		return &ConfigError{Kind: RootCannotHaveParent}
	}
	found := false
	for _, p := range projects {
		if p == c.Parent {
			found = true
			break
		}
	}
	if !found {
		return &ConfigError{Kind: ParentNotFound, Err: errors.New(c.Parent)}
	}
	if !admin {
		return &ConfigError{Kind: ParentChangeRequiresAdmin}
	}
	return nil
}
