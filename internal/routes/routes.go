// Package routes maps HTTP paths to the content a request on that path
// publishes. Tables are built once at startup and never change.
package routes

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/keithlinneman/wsexec/internal/xerrors"
)

// Table is an immutable route path to content mapping. Safe for concurrent
// reads without locking.
type Table struct {
	entries map[string]string
}

// New namespaces each action name into "/"+name and returns the table.
// Names are taken verbatim apart from surrounding slashes being trimmed.
func New(actions map[string]string) (*Table, error) {
	entries := make(map[string]string, len(actions))
	origin := make(map[string]string, len(actions))
	var errs []error

	for name, content := range actions {
		p, err := PathFor(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := origin[p]; dup {
			errs = append(errs, fmt.Errorf("actions %q and %q both map to %s", prev, name, p))
			continue
		}
		origin[p] = name
		entries[p] = content
	}
	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
		return nil, xerrors.Wrap(errors.Join(errs...), "build route table")
	}
	return &Table{entries: entries}, nil
}

// PathFor returns the route path an action name is served on.
func PathFor(name string) (string, error) {
	trimmed := strings.Trim(name, "/")
	if trimmed == "" {
		return "", fmt.Errorf("action name %q is empty", name)
	}
	for _, seg := range strings.Split(trimmed, "/") {
		switch seg {
		case "":
			return "", fmt.Errorf("action name %q has an empty segment", name)
		case ".", "..":
			return "", fmt.Errorf("action name %q has a %q segment", name, seg)
		}
	}
	return "/" + trimmed, nil
}

// Lookup returns the content for an exact path match.
func (t *Table) Lookup(path string) (string, bool) {
	if t == nil {
		return "", false
	}
	c, ok := t.entries[path]
	return c, ok
}

// Paths returns every route path, sorted.
func (t *Table) Paths() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.entries))
	for p := range t.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}
