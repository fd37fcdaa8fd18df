package repl

import (
	"sort"
	"strings"
)

// Completer provides command completion for the REPL.
type Completer struct {
	commands []string
}

// NewCompleter creates a Completer over the REPL's commands.
func NewCompleter() *Completer {
	cmds := make([]string, 0, len(commandHelp))
	for _, h := range commandHelp {
		cmds = append(cmds, h.name)
	}
	sort.Strings(cmds)
	return &Completer{commands: cmds}
}

// Complete returns the commands starting with prefix. Text that is not a
// command has no completions.
func (c *Completer) Complete(prefix string) []string {
	if !strings.HasPrefix(prefix, "/") {
		return nil
	}
	var suggestions []string
	for _, cmd := range c.commands {
		if strings.HasPrefix(cmd, prefix) {
			suggestions = append(suggestions, cmd)
		}
	}
	return suggestions
}
