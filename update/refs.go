package update

import (
	"fmt"

	"msrl.dev/git-submit/repository"
)

// RefCommands accumulates ref updates, chaining successive updates of one
// ref into a single command from the first old value to the last new
// value.
type RefCommands struct {
	byName map[string]*repository.RefCommand
	order  []string
}

// NewRefCommands returns an empty accumulator.
func NewRefCommands() *RefCommands {
	return &RefCommands{byName: make(map[string]*repository.RefCommand)}
}

// Add queues cmd. A later command for a ref must start where the previous
// one ended.
func (r *RefCommands) Add(cmd repository.RefCommand) error {
	if prev, ok := r.byName[cmd.Name]; ok {
		if prev.NewHash != cmd.OldHash {
			return fmt.Errorf("cannot chain ref update %s after %s", cmd.String(), prev.String())
		}
		prev.NewHash = cmd.NewHash
		return nil
	}
	c := cmd
	c.Result = repository.RefNotAttempted
	r.byName[cmd.Name] = &c
	r.order = append(r.order, cmd.Name)
	return nil
}

// Get returns the chained command for a ref.
func (r *RefCommands) Get(name string) (repository.RefCommand, bool) {
	c, ok := r.byName[name]
	if !ok {
		return repository.RefCommand{}, false
	}
	return *c, true
}

// Value returns the value a ref will have after the queued commands, and
// whether any command touches it.
func (r *RefCommands) Value(name string) (string, bool) {
	c, ok := r.byName[name]
	if !ok {
		return "", false
	}
	return c.NewHash, true
}

// IsEmpty reports whether any command is queued. Commands whose old and
// new values are equal do not count.
func (r *RefCommands) IsEmpty() bool {
	return len(r.Commands()) == 0
}

// Commands returns the chained commands in the order their refs were first
// added, dropping commands that would not change their ref.
func (r *RefCommands) Commands() []*repository.RefCommand {
	out := make([]*repository.RefCommand, 0, len(r.order))
	for _, name := range r.order {
		c := r.byName[name]
		if c.OldHash == c.NewHash {
			continue
		}
		out = append(out, c)
	}
	return out
}
