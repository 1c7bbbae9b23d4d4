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

// Command git-submit merges reviewed changes into their destination branches.
//
// To install, run:
//
//	$ go install msrl.dev/git-submit/git-submit@latest
//
// And for usage information, run:
//
//	$ git-submit help
//
// The server configuration is read from the YAML file named by
// GIT_SUBMIT_CONFIG, or git-submit.yaml in the current directory. Variables
// may also be set in a .env file.
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"msrl.dev/git-submit/commands"
	"msrl.dev/git-submit/config"
	"msrl.dev/git-submit/repository"
	"msrl.dev/git-submit/store/sqlite"
)

const (
	configEnvVar      = "GIT_SUBMIT_CONFIG"
	defaultConfigFile = "git-submit.yaml"
)

const usageMessageTemplate = `Usage: %s <command>

Where <command> is one of:
  %s

For individual command usage, run:
  %s help <command>
`

func printUsage(w io.Writer, arg0 string) {
	var subcommands []string
	for subcommand := range commands.CommandMap {
		subcommands = append(subcommands, subcommand)
	}
	sort.Strings(subcommands)
	fmt.Fprintf(w, usageMessageTemplate, arg0, strings.Join(subcommands, "\n  "), arg0)
}

func printHelp(w io.Writer, args []string) {
	if len(args) < 3 {
		printUsage(w, args[0])
		return
	}
	subcommand, ok := commands.CommandMap[args[2]]
	if !ok {
		fmt.Fprintf(w, "Unknown command %q\n", args[2])
		printUsage(w, args[0])
		return
	}
	subcommand.Usage(args[0])
}

// loadConfig reads the configuration file. A missing default file means
// the defaults apply; a missing file named by GIT_SUBMIT_CONFIG is an error.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	path, explicit := os.LookupEnv(configEnvVar)
	if !explicit || path == "" {
		path = defaultConfigFile
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		cfg, err = config.DefaultConfig(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s:\n%w", path, err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.SlogLevel()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(w io.Writer, args []string) error {
	if len(args) < 2 {
		printUsage(w, args[0])
		return errors.New("no command given")
	}
	subcommand, ok := commands.CommandMap[args[1]]
	if !ok {
		printUsage(w, args[0])
		return fmt.Errorf("unknown command: %q", args[1])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	store, err := sqlite.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening %s: %w", cfg.Database, err)
	}
	defer store.Close()

	env := commands.NewEnv(cfg, store, repository.NewFileManager(cfg.Repositories), logger)
	defer env.Close()
	env.Out = w
	return subcommand.Run(env, args[2:])
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "help" {
		printHelp(os.Stdout, os.Args)
		return
	}
	if err := run(os.Stdout, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
