// Package iospec models IO test specifications: ordered test cases made of
// input and output atoms, plus unresolved commands used by templates.
package iospec

import (
	"fmt"
	"strings"
)

// AtomKind tags the variant held by an Atom.
type AtomKind string

const (
	// KindInput is a value fed to the program's input stream.
	KindInput AtomKind = "input"
	// KindOutput is text the program is expected to print.
	KindOutput AtomKind = "output"
	// KindCommand is an unresolved generator embedded in a template.
	KindCommand AtomKind = "command"
)

// ComputeCommand marks a case whose outputs must be computed by running a
// reference implementation against its inputs.
const ComputeCommand = "compute"

// Command is an unresolved generator such as $int(1, 10).
type Command struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

// String renders the command the way it is written inside a template.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return "$" + c.Name
	}
	return fmt.Sprintf("$%s(%s)", c.Name, strings.Join(c.Args, ", "))
}

// IsCompute reports whether the command is the output placeholder marker.
func (c Command) IsCompute() bool {
	return c.Name == ComputeCommand
}

// Atom is one element of a test case.
type Atom struct {
	Kind    AtomKind `json:"kind"`
	Value   string   `json:"value,omitempty"`
	Command *Command `json:"command,omitempty"`
}

// Input builds an input atom.
func Input(value string) Atom {
	return Atom{Kind: KindInput, Value: value}
}

// Output builds an output atom.
func Output(value string) Atom {
	return Atom{Kind: KindOutput, Value: value}
}

// Cmd builds a command atom.
func Cmd(name string, args ...string) Atom {
	return Atom{Kind: KindCommand, Command: &Command{Name: name, Args: args}}
}

// IsInput reports whether the atom is a concrete input.
func (a Atom) IsInput() bool { return a.Kind == KindInput }

// IsOutput reports whether the atom is expected output.
func (a Atom) IsOutput() bool { return a.Kind == KindOutput }

// IsCommand reports whether the atom is an unresolved command.
func (a Atom) IsCommand() bool { return a.Kind == KindCommand && a.Command != nil }

// IsInputCommand reports whether the atom generates an input value.
func (a Atom) IsInputCommand() bool {
	return a.IsCommand() && !a.Command.IsCompute()
}

func (a Atom) clone() Atom {
	if a.Command == nil {
		return a
	}
	cmd := Command{Name: a.Command.Name, Args: append([]string(nil), a.Command.Args...)}
	a.Command = &cmd
	return a
}
