package project

import (
	"context"
	"errors"
	"testing"

	"msrl.dev/git-submit/repository"
	"msrl.dev/git-submit/repository/repotest"
)

func TestParseSubmitType(t *testing.T) {
	for in, want := range map[string]SubmitType{
		"cherry pick":         CherryPick,
		"MERGE_IF_NECESSARY":  MergeIfNecessary,
		"rebase-if-necessary": RebaseIfNecessary,
		"fast forward only":   FastForwardOnly,
		"merge always":        MergeAlways,
	} {
		got, err := ParseSubmitType(in)
		if err != nil || got != want {
			t.Errorf("ParseSubmitType(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseSubmitType("octopus"); err == nil {
		t.Error("ParseSubmitType(octopus) succeeded")
	}
}

func TestMergeStrategy(t *testing.T) {
	cases := []struct {
		content, recursive bool
		want               repository.MergeStrategy
	}{
		{false, false, repository.SimpleTwoWayInCore},
		{false, true, repository.SimpleTwoWayInCore},
		{true, false, repository.Resolve},
		{true, true, repository.Recursive},
	}
	for _, c := range cases {
		cfg := &Config{UseContentMerge: c.content, UseRecursiveMerge: c.recursive}
		if got := cfg.MergeStrategy(); got != c.want {
			t.Errorf("content=%v recursive=%v: %s, want %s", c.content, c.recursive, got, c.want)
		}
	}
}

func TestLoad(t *testing.T) {
	b := repotest.New(t, "p")
	if err := b.Repo.SetConfigOption("submit", "action", "cherry pick"); err != nil {
		t.Fatal(err)
	}
	c, err := Load("p", b.Repo, Defaults{SubmitType: MergeIfNecessary})
	if err != nil {
		t.Fatal(err)
	}
	if c.SubmitType != CherryPick {
		t.Errorf("git config submit type = %s", c.SubmitType)
	}

	meta := b.Commit("config", map[string]string{
		ConfigFile: "[access]\n\tinheritFrom = parent\n[submit]\n\taction = rebase if necessary\n\tmergeContent = true\n",
	})
	b.SetRef(repository.MetaConfigRef, meta)
	loader := &Loader{Repos: managerOf("p", b.Repo), Defaults: Defaults{}}
	c, err = loader.Get(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if c.SubmitType != RebaseIfNecessary || !c.UseContentMerge || c.Parent != "parent" {
		t.Errorf("meta config = %+v", c)
	}
}

type singleManager struct {
	name string
	repo *repository.GitRepo
}

func managerOf(name string, repo *repository.GitRepo) *singleManager {
	return &singleManager{name: name, repo: repo}
}

func (m *singleManager) OpenRepo(name string) (repository.Repo, error) {
	if name != m.name {
		return nil, repository.ErrProjectNotFound
	}
	return m.repo, nil
}

func (m *singleManager) List() ([]string, error) {
	return []string{m.name}, nil
}

func TestValidateConfigChange(t *testing.T) {
	projects := []string{RootProject, "p", "parent"}
	kind := func(err error) ConfigErrorKind {
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("error %v is not a ConfigError", err)
		}
		return ce.Kind
	}

	if err := ValidateConfigChange("p", "[submit]\n\taction = cherry pick\n", "", projects, false); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	if err := ValidateConfigChange("p", "[submit\n", "", projects, true); kind(err) != InvalidConfig {
		t.Errorf("malformed config: %v", err)
	}
	if err := ValidateConfigChange("p", "[submit]\n\taction = octopus\n", "", projects, true); kind(err) != InvalidConfig {
		t.Errorf("bad submit type: %v", err)
	}
	if err := ValidateConfigChange("p", "[access]\n\tinheritFrom = missing\n", "", projects, true); kind(err) != ParentNotFound {
		t.Errorf("missing parent: %v", err)
	}
	if err := ValidateConfigChange(RootProject, "[access]\n\tinheritFrom = p\n", "", projects, true); kind(err) != RootCannotHaveParent {
		t.Errorf("root with parent: %v", err)
	}
	if err := ValidateConfigChange("p", "[access]\n\tinheritFrom = parent\n", "", projects, false); kind(err) != ParentChangeRequiresAdmin {
		t.Errorf("non-admin parent change: %v", err)
	}
	if err := ValidateConfigChange("p", "[access]\n\tinheritFrom = parent\n", "parent", projects, false); err != nil {
		t.Errorf("unchanged parent rejected: %v", err)
	}
}
