package iospec

import "strings"

// String renders the spec as template source.
func (s Spec) String() string {
	return Format(s)
}

// Format renders a spec back to the template text accepted by Parse.
// Parse(Format(s)) yields a spec equal to s.
func Format(spec Spec) string {
	blocks := make([]string, 0, len(spec.Cases))
	for _, c := range spec.Cases {
		blocks = append(blocks, formatCase(c))
	}
	if len(blocks) == 0 {
		return ""
	}
	return strings.Join(blocks, "\n\n") + "\n"
}

func formatCase(c Case) string {
	if c.Empty || len(c.Atoms) == 0 {
		return "@empty"
	}
	if c.NeedsOutput() {
		return formatInputDirective(c)
	}

	var (
		lines   []string
		pending strings.Builder
	)

	flush := func(suffix string) {
		line := pending.String()
		if strings.TrimSpace(line+suffix) == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "@") {
			line = `\.` + line
		}
		lines = append(lines, line+suffix)
		pending.Reset()
	}

	for _, atom := range c.Atoms {
		switch atom.Kind {
		case KindOutput:
			segments := strings.Split(atom.Value, "\n")
			for i, segment := range segments {
				pending.WriteString(escapeOutput(segment))
				if i < len(segments)-1 {
					flush("")
				}
			}
		case KindInput:
			flush("<" + escapeInput(atom.Value, false) + ">")
		case KindCommand:
			if atom.Command != nil {
				flush("<" + atom.Command.String() + ">")
			}
		}
	}
	if pending.Len() > 0 {
		flush(`\`)
	}

	return strings.Join(lines, "\n")
}

func formatInputDirective(c Case) string {
	values := make([]string, 0, len(c.Atoms))
	for _, atom := range c.Atoms {
		switch {
		case atom.IsInput():
			values = append(values, escapeInput(atom.Value, true))
		case atom.IsInputCommand():
			values = append(values, atom.Command.String())
		}
	}
	return "@input " + strings.Join(values, "; ")
}

var outputEscaper = strings.NewReplacer(`\`, `\\`, "<", `\<`, "\r", `\r`)

func escapeOutput(text string) string {
	return outputEscaper.Replace(text)
}

func escapeInput(value string, directive bool) string {
	replacements := []string{`\`, `\\`, ">", `\>`, "\r", `\r`, "\n", `\n`}
	if directive {
		replacements = append(replacements, ";", `\;`)
	}
	escaped := strings.NewReplacer(replacements...).Replace(value)
	if strings.HasPrefix(strings.TrimSpace(escaped), "$") {
		escaped = strings.Replace(escaped, "$", `\$`, 1)
	}
	return escaped
}
