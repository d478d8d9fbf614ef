package iospec

import (
	"fmt"
	"regexp"
	"strings"
)

// ParseError describes a syntax problem in a template source.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

var commandNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type sourceLine struct {
	number int
	text   string
}

// Parse reads a template source into a Spec.
//
// Cases are separated by blank lines and lines starting with '#' are
// comments. Each line is output text optionally followed by one input
// segment written as <value> or <$command(args)>. A line ending with an input
// segment or with a single backslash produces no trailing newline. The
// directives "@input a; b; $int(1, 9)" and "@empty" declare an input-only
// case and an explicitly empty case.
func Parse(source string) (Spec, error) {
	source = strings.ReplaceAll(source, "\r\n", "\n")

	var (
		spec    Spec
		current []sourceLine
	)

	flush := func() error {
		if len(current) == 0 {
			return nil
		}
		c, err := parseCase(current)
		if err != nil {
			return err
		}
		spec.Cases = append(spec.Cases, c)
		current = nil
		return nil
	}

	for i, text := range strings.Split(source, "\n") {
		if strings.TrimSpace(text) == "" {
			if err := flush(); err != nil {
				return Spec{}, err
			}
			continue
		}
		if strings.HasPrefix(text, "#") {
			continue
		}
		current = append(current, sourceLine{number: i + 1, text: text})
	}
	if err := flush(); err != nil {
		return Spec{}, err
	}

	return spec, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level fixtures.
func MustParse(source string) Spec {
	spec, err := Parse(source)
	if err != nil {
		panic(err)
	}
	return spec
}

func parseCase(lines []sourceLine) (Case, error) {
	first := lines[0]
	directive := directiveName(first.text)

	switch directive {
	case "":
		var atoms []Atom
		for _, line := range lines {
			if directiveName(line.text) != "" {
				return Case{}, &ParseError{Line: line.number, Message: "directives must start a new test case"}
			}
			parsed, err := parseLine(line)
			if err != nil {
				return Case{}, err
			}
			atoms = append(atoms, parsed...)
		}
		if len(atoms) == 0 {
			return Case{}, &ParseError{Line: first.number, Message: "test case has no interaction; use @empty"}
		}
		return NewCase(atoms...), nil
	case "empty":
		if len(lines) > 1 || strings.TrimSpace(strings.TrimPrefix(first.text, "@empty")) != "" {
			return Case{}, &ParseError{Line: first.number, Message: "@empty must be the only line of its test case"}
		}
		return EmptyCase(), nil
	case "input":
		var atoms []Atom
		for _, line := range lines {
			if directiveName(line.text) != "input" {
				return Case{}, &ParseError{Line: line.number, Message: "@input cases cannot mix with regular lines"}
			}
			parsed, err := parseInputDirective(line)
			if err != nil {
				return Case{}, err
			}
			atoms = append(atoms, parsed...)
		}
		atoms = append(atoms, Cmd(ComputeCommand))
		return NewCase(atoms...), nil
	default:
		return Case{}, &ParseError{Line: first.number, Message: fmt.Sprintf("unknown directive @%s", directive)}
	}
}

func directiveName(text string) string {
	if !strings.HasPrefix(text, "@") {
		return ""
	}
	name := text[1:]
	if idx := strings.IndexAny(name, " \t"); idx >= 0 {
		name = name[:idx]
	}
	if name == "" {
		return "@"
	}
	return name
}

func parseLine(line sourceLine) ([]Atom, error) {
	var (
		atoms   []Atom
		buf     strings.Builder
		newline = true
		text    = line.text
	)

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '\\':
			if i == len(text)-1 {
				newline = false
				continue
			}
			i++
			writeEscape(&buf, text[i])
		case '<':
			end := findUnescaped(text, i+1, '>')
			if end < 0 {
				return nil, &ParseError{Line: line.number, Message: "unterminated input segment"}
			}
			if rest := text[end+1:]; strings.TrimSpace(rest) != "" {
				return nil, &ParseError{Line: line.number, Message: "unexpected text after input segment"}
			}
			if buf.Len() > 0 {
				atoms = append(atoms, Output(buf.String()))
				buf.Reset()
			}
			atom, err := parseValue(text[i+1:end], line.number)
			if err != nil {
				return nil, err
			}
			return append(atoms, atom), nil
		default:
			buf.WriteByte(c)
		}
	}

	if newline {
		buf.WriteByte('\n')
	}
	if buf.Len() > 0 {
		atoms = append(atoms, Output(buf.String()))
	}
	return atoms, nil
}

func parseInputDirective(line sourceLine) ([]Atom, error) {
	body := strings.TrimSpace(strings.TrimPrefix(line.text, "@input"))
	if body == "" {
		return nil, &ParseError{Line: line.number, Message: "@input requires at least one value"}
	}

	var atoms []Atom
	for _, item := range splitUnescaped(body, ';') {
		item = strings.TrimSpace(item)
		if item == "" {
			return nil, &ParseError{Line: line.number, Message: "empty value in @input"}
		}
		atom, err := parseValue(item, line.number)
		if err != nil {
			return nil, err
		}
		atoms = append(atoms, atom)
	}
	return atoms, nil
}

func parseValue(raw string, lineNo int) (Atom, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "$") {
		cmd, err := parseCommand(trimmed[1:])
		if err != nil {
			return Atom{}, &ParseError{Line: lineNo, Message: err.Error()}
		}
		return Atom{Kind: KindCommand, Command: &cmd}, nil
	}
	return Input(unescape(raw)), nil
}

func parseCommand(text string) (Command, error) {
	name := text
	var args []string

	if open := strings.IndexByte(text, '('); open >= 0 {
		if !strings.HasSuffix(text, ")") {
			return Command{}, fmt.Errorf("command %q is missing a closing parenthesis", "$"+text)
		}
		name = text[:open]
		inner := strings.TrimSpace(text[open+1 : len(text)-1])
		if inner != "" {
			for _, arg := range strings.Split(inner, ",") {
				args = append(args, strings.TrimSpace(arg))
			}
		}
	}

	name = strings.TrimSpace(name)
	if !commandNamePattern.MatchString(name) {
		return Command{}, fmt.Errorf("invalid command name %q", name)
	}
	if name == ComputeCommand {
		return Command{}, fmt.Errorf("$%s is reserved", ComputeCommand)
	}
	return Command{Name: name, Args: args}, nil
}

func writeEscape(buf *strings.Builder, c byte) {
	switch c {
	case 'n':
		buf.WriteByte('\n')
	case 'r':
		buf.WriteByte('\r')
	case 't':
		buf.WriteByte('\t')
	case '.':
	default:
		buf.WriteByte(c)
	}
}

func unescape(text string) string {
	if !strings.Contains(text, `\`) {
		return text
	}
	var buf strings.Builder
	for i := 0; i < len(text); i++ {
		if text[i] == '\\' && i+1 < len(text) {
			i++
			writeEscape(&buf, text[i])
			continue
		}
		buf.WriteByte(text[i])
	}
	return buf.String()
}

func findUnescaped(text string, from int, target byte) int {
	for i := from; i < len(text); i++ {
		switch text[i] {
		case '\\':
			i++
		case target:
			return i
		}
	}
	return -1
}

func splitUnescaped(text string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\\':
			i++
		case sep:
			parts = append(parts, text[start:i])
			start = i + 1
		}
	}
	return append(parts, text[start:])
}
