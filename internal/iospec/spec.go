package iospec

import (
	"slices"
	"strings"
	"unicode"
)

// Case is one program execution: an ordered sequence of atoms.
// A case has no atoms only when it is explicitly marked Empty.
type Case struct {
	Atoms []Atom `json:"atoms"`
	Empty bool   `json:"empty,omitempty"`
}

// NewCase builds a case from atoms, merging adjacent outputs.
func NewCase(atoms ...Atom) Case {
	return Case{Atoms: mergeOutputs(atoms)}
}

// EmptyCase returns an explicitly empty case.
func EmptyCase() Case {
	return Case{Empty: true}
}

// HasCommands reports whether the case contains any unresolved command.
func (c Case) HasCommands() bool {
	for _, atom := range c.Atoms {
		if atom.IsCommand() {
			return true
		}
	}
	return false
}

// HasInputCommands reports whether the case still needs input synthesis.
func (c Case) HasInputCommands() bool {
	for _, atom := range c.Atoms {
		if atom.IsInputCommand() {
			return true
		}
	}
	return false
}

// NeedsOutput reports whether the case outputs must come from a reference run.
func (c Case) NeedsOutput() bool {
	for _, atom := range c.Atoms {
		if atom.IsCommand() && atom.Command.IsCompute() {
			return true
		}
	}
	return false
}

// Inputs returns the concrete input values in order.
func (c Case) Inputs() []string {
	inputs := make([]string, 0, len(c.Atoms))
	for _, atom := range c.Atoms {
		if atom.IsInput() {
			inputs = append(inputs, atom.Value)
		}
	}
	return inputs
}

// Output returns all expected output text concatenated.
func (c Case) Output() string {
	var b strings.Builder
	for _, atom := range c.Atoms {
		if atom.IsOutput() {
			b.WriteString(atom.Value)
		}
	}
	return b.String()
}

// Clone returns a deep copy of the case.
func (c Case) Clone() Case {
	if c.Atoms == nil {
		return Case{Empty: c.Empty}
	}
	atoms := make([]Atom, len(c.Atoms))
	for i, atom := range c.Atoms {
		atoms[i] = atom.clone()
	}
	return Case{Atoms: atoms, Empty: c.Empty}
}

// Equal compares two concrete cases on their input sequence and their output
// text, byte for byte. Interleaving of outputs and inputs is presentation.
func (c Case) Equal(other Case) bool {
	if c.HasCommands() || other.HasCommands() {
		return slices.EqualFunc(c.Atoms, other.Atoms, atomEqual)
	}
	return slices.Equal(c.Inputs(), other.Inputs()) && c.Output() == other.Output()
}

func atomEqual(a, b Atom) bool {
	if a.Kind != b.Kind || a.Value != b.Value {
		return false
	}
	if a.Command == nil || b.Command == nil {
		return a.Command == b.Command
	}
	return a.Command.Name == b.Command.Name && slices.Equal(a.Command.Args, b.Command.Args)
}

// Spec is an ordered sequence of test cases. Order matches execution order.
type Spec struct {
	Cases []Case `json:"cases"`
}

// NewSpec builds a spec from cases.
func NewSpec(cases ...Case) Spec {
	return Spec{Cases: cases}
}

// Len returns the number of cases.
func (s Spec) Len() int { return len(s.Cases) }

// IsSimple reports whether the spec has no commands at all.
func (s Spec) IsSimple() bool {
	for _, c := range s.Cases {
		if c.HasCommands() {
			return false
		}
	}
	return true
}

// IsExpanded reports whether every atom is concrete and every case is
// well formed (non-empty unless explicitly marked). Outputs still to be
// computed are compute commands, so an input-only case without commands
// is expanded: its computed output was empty.
func (s Spec) IsExpanded() bool {
	for _, c := range s.Cases {
		if c.HasCommands() {
			return false
		}
		if len(c.Atoms) == 0 && !c.Empty {
			return false
		}
	}
	return true
}

// Inputs returns the input values of every case.
func (s Spec) Inputs() [][]string {
	inputs := make([][]string, len(s.Cases))
	for i, c := range s.Cases {
		inputs[i] = c.Inputs()
	}
	return inputs
}

// Clone returns a deep copy of the spec.
func (s Spec) Clone() Spec {
	cases := make([]Case, len(s.Cases))
	for i, c := range s.Cases {
		cases[i] = c.Clone()
	}
	return Spec{Cases: cases}
}

// Join appends the cases of post after the cases of pre.
func Join(pre, post Spec) Spec {
	joined := pre.Clone()
	joined.Cases = append(joined.Cases, post.Clone().Cases...)
	return joined
}

// FirstDifference returns the index of the first case that differs between a
// and b, or -1 when both are identical.
func FirstDifference(a, b Spec) int {
	n := min(len(a.Cases), len(b.Cases))
	for i := 0; i < n; i++ {
		if !a.Cases[i].Equal(b.Cases[i]) {
			return i
		}
	}
	if len(a.Cases) != len(b.Cases) {
		return n
	}
	return -1
}

// Equal reports whether two specs are identical case by case.
func Equal(a, b Spec) bool {
	return FirstDifference(a, b) < 0
}

// Verdict classifies the comparison of an expected case with an actual one.
type Verdict string

const (
	VerdictMatch        Verdict = "match"
	VerdictPresentation Verdict = "presentation"
	VerdictMismatch     Verdict = "mismatch"
)

// CompareCase compares an expected case with the trace a program produced.
func CompareCase(expected, actual Case) Verdict {
	if !slices.Equal(expected.Inputs(), actual.Inputs()) {
		return VerdictMismatch
	}
	exp, act := expected.Output(), actual.Output()
	switch {
	case exp == act:
		return VerdictMatch
	case NormalizeOutput(exp) == NormalizeOutput(act):
		return VerdictPresentation
	default:
		return VerdictMismatch
	}
}

// NormalizeOutput folds line endings to \n, trims trailing whitespace on
// every line and drops trailing empty lines.
func NormalizeOutput(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func mergeOutputs(atoms []Atom) []Atom {
	merged := make([]Atom, 0, len(atoms))
	for _, atom := range atoms {
		if atom.IsOutput() && atom.Value == "" {
			continue
		}
		if n := len(merged); n > 0 && atom.IsOutput() && merged[n-1].IsOutput() {
			merged[n-1].Value += atom.Value
			continue
		}
		merged = append(merged, atom)
	}
	return merged
}
