package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfig points GIT_SUBMIT_CONFIG at a config file whose database and
// repositories live under a temporary directory.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "git-submit.yaml")
	data := "database: " + filepath.Join(dir, "review.db") + "\n" +
		"repositories: " + filepath.Join(dir, "git") + "\n" +
		"log_level: warn\n" + extra
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(configEnvVar, path)
	return dir
}

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf, "git-submit")
	out := buf.String()
	if !strings.Contains(out, "git-submit help <command>") {
		t.Errorf("expected help hint in usage, got %q", out)
	}
	for _, want := range []string{"\n  submit\n", "\n  merge-queue\n", "\n  create\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q subcommand in usage, got %q", want, out)
		}
	}
}

func TestPrintHelpNoSubcommand(t *testing.T) {
	var buf bytes.Buffer
	printHelp(&buf, []string{"git-submit", "help"})
	if !strings.Contains(buf.String(), "Usage:") {
		t.Errorf("expected usage output, got %q", buf.String())
	}
}

func TestPrintHelpUnknownSubcommand(t *testing.T) {
	var buf bytes.Buffer
	printHelp(&buf, []string{"git-submit", "help", "nonexistent"})
	if !strings.Contains(buf.String(), "Unknown command") {
		t.Errorf("expected 'Unknown command' in output, got %q", buf.String())
	}
}

func TestRunNoCommand(t *testing.T) {
	var buf bytes.Buffer
	err := run(&buf, []string{"git-submit"})
	if err == nil || !strings.Contains(err.Error(), "no command") {
		t.Errorf("expected 'no command' error, got %v", err)
	}
	if !strings.Contains(buf.String(), "Usage:") {
		t.Errorf("expected usage in output, got %q", buf.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	err := run(&buf, []string{"git-submit", "nonexistent"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("expected 'unknown command' error, got %v", err)
	}
}

func TestRunMissingExplicitConfig(t *testing.T) {
	t.Setenv(configEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	var buf bytes.Buffer
	err := run(&buf, []string{"git-submit", "account", "1", "Jane Doe", "jane@example.com"})
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestRunInvalidConfig(t *testing.T) {
	writeConfig(t, "queue:\n  workers: 0\n")
	var buf bytes.Buffer
	err := run(&buf, []string{"git-submit", "account", "1", "Jane Doe", "jane@example.com"})
	if err == nil || !strings.Contains(err.Error(), "queue.workers") {
		t.Errorf("expected queue.workers error, got %v", err)
	}
}

func TestRunAccount(t *testing.T) {
	dir := writeConfig(t, "")
	var buf bytes.Buffer
	if err := run(&buf, []string{"git-submit", "account", "1", "Jane Doe", "jane@example.com"}); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "Account 1: Jane Doe <jane@example.com>\n"; got != want {
		t.Errorf("account printed %q, want %q", got, want)
	}
	if _, err := os.Stat(filepath.Join(dir, "review.db")); err != nil {
		t.Errorf("database was not created: %v", err)
	}
}

func TestMainHelpPath(t *testing.T) {
	origArgs := os.Args
	defer func() { os.Args = origArgs }()

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	os.Args = []string{"git-submit", "help"}
	main()
	w.Close()
	os.Stdout = old
	var buf bytes.Buffer
	buf.ReadFrom(r)
	if !strings.Contains(buf.String(), "Usage:") {
		t.Errorf("expected Usage in output, got %q", buf.String())
	}
}
