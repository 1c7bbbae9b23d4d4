/*
Copyright 2015 Google Inc. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package commands contains the assorted sub commands supported by the git-submit tool.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/config"
	"msrl.dev/git-submit/events"
	"msrl.dev/git-submit/mergequeue"
	"msrl.dev/git-submit/project"
	"msrl.dev/git-submit/repository"
	"msrl.dev/git-submit/rules"
	"msrl.dev/git-submit/store/notedb"
	"msrl.dev/git-submit/submit"
)

// Env is everything a command runs against.
type Env struct {
	Config   *config.Config
	Store    change.Store
	Repos    repository.Manager
	Projects project.Source
	Rules    rules.Evaluator
	Mirror   *notedb.Mirror
	Sink     events.Sink
	Op       *submit.MergeOp
	Lease    mergequeue.Lease
	Out      io.Writer
	Logger   *slog.Logger

	closers []io.Closer
}

// NewEnv wires the submit machinery over store and repos.
func NewEnv(cfg *config.Config, store change.Store, repos repository.Manager, logger *slog.Logger) *Env {
	if logger == nil {
		logger = slog.Default()
	}
	env := &Env{
		Config: cfg,
		Store:  store,
		Repos:  repos,
		Out:    os.Stdout,
		Logger: logger,
	}
	env.Projects = &project.Loader{Repos: repos, Defaults: cfg.ProjectDefaults()}
	labels := make([]rules.LabelType, 0, len(cfg.Labels))
	for _, l := range cfg.Labels {
		labels = append(labels, rules.LabelType{Name: l.Name, Min: l.Min, Max: l.Max})
	}
	env.Rules = &rules.LabelEvaluator{Store: store, Projects: env.Projects, Labels: labels}

	ident := repository.Signature{Name: cfg.ServerIdent.Name, Email: cfg.ServerIdent.Email}
	env.Mirror = notedb.New(repos, store, cfg.Notes.Changes, ident)
	env.Mirror.SetLogger(logger)
	env.Sink = events.LogSink{Logger: logger}
	env.Op = submit.NewMergeOp(submit.Deps{
		Store:      store,
		Repos:      repos,
		Projects:   env.Projects,
		Rules:      env.Rules,
		Validators: []submit.Validator{submit.ConfigValidator{}},
		Sink:       env.Sink,
		Mirror:     env.Mirror,
		Config:     cfg,
		Logger:     logger,
	})

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		env.closers = append(env.closers, client)
		env.Lease = mergequeue.NewRedisLease(client, "git-submit", cfg.Redis.LeaseTTL)
	} else {
		env.Lease = mergequeue.NewLocalLease()
	}
	return env
}

// Close releases the connections opened by NewEnv.
func (e *Env) Close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// account resolves the -as flag of a command. Id 0 acts as the server.
func (e *Env) account(ctx context.Context, id int) (*change.Account, error) {
	if id == 0 {
		return nil, nil
	}
	a, err := e.Store.Account(ctx, change.AccountID(id))
	if err != nil {
		return nil, fmt.Errorf("account %d: %w", id, err)
	}
	return a, nil
}

// loadChange parses a change id argument and loads the change.
func (e *Env) loadChange(ctx context.Context, arg string) (*change.Change, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid change id %q", arg)
	}
	return e.Store.Get(ctx, change.ID(id))
}

// Command represents the definition of a single command.
type Command struct {
	Usage     func(string)
	RunMethod func(*Env, []string) error
}

// Run executes a command, given its arguments.
//
// The args parameter is all of the command line args that followed the
// subcommand.
func (cmd *Command) Run(env *Env, args []string) error {
	return cmd.RunMethod(env, args)
}

// CommandMap defines all of the available (sub)commands.
var CommandMap = map[string]*Command{
	"abandon":        abandonCmd,
	"account":        accountCmd,
	"approve":        approveCmd,
	"create":         createCmd,
	"delete-draft":   deleteDraftCmd,
	"merge-queue":    mergeQueueCmd,
	"mergeable":      mergeableCmd,
	"rebuild-mirror": rebuildMirrorCmd,
	"show":           showCmd,
	"submit":         submitCmd,
}
