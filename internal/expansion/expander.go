// Package expansion turns test templates into concrete IO traces. Input
// commands are resolved with a seeded generator; missing outputs are computed
// by running every available reference implementation and cross-checking
// their results.
package expansion

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-autograder/internal/iospec"
	"github.com/noah-isme/gema-autograder/internal/sandbox"
)

// ErrNoReference is returned when outputs must be computed but no answer key
// carries source code.
var ErrNoReference = errors.New("no reference implementation available")

// Reference is a reference implementation used to compute expected outputs.
type Reference struct {
	Language string
	Source   string
}

// Options tune a single expansion.
type Options struct {
	// Size is the desired number of cases. Command-bearing cases are
	// replicated until it is reached; zero keeps the template size.
	Size    int
	Timeout time.Duration
	Seed    uint64
}

// ExpansionError reports a reference implementation that could not produce
// outputs.
type ExpansionError struct {
	Language string
	Outcome  sandbox.Outcome
	Case     int
	Message  string
}

func (e *ExpansionError) Error() string {
	msg := fmt.Sprintf("reference implementation in %s failed with %s", e.Language, e.Outcome)
	if e.Case >= 0 {
		msg += fmt.Sprintf(" on test case %d", e.Case+1)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// InconsistentExpansionError reports two reference implementations that
// disagree on the same inputs.
type InconsistentExpansionError struct {
	LanguageA string
	LanguageB string
	// Case is the zero-based index of the first differing test case.
	Case     int
	Expected iospec.Case
	Actual   iospec.Case
}

func (e *InconsistentExpansionError) Error() string {
	return fmt.Sprintf("answer keys in %s and %s disagree on test case %d", e.LanguageA, e.LanguageB, e.Case+1)
}

// Expander resolves templates. It holds no mutable state and is safe for
// concurrent use.
type Expander struct {
	runner sandbox.Runner
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewExpander constructs an expander on top of a sandbox runner.
func NewExpander(runner sandbox.Runner, logger zerolog.Logger) *Expander {
	return &Expander{
		runner: runner,
		tracer: otel.Tracer("github.com/noah-isme/gema-autograder/internal/expansion"),
		logger: logger.With().Str("component", "expander").Logger(),
	}
}

// Expand turns a template into a concrete spec. A simple template is
// returned as a copy without running anything.
func (e *Expander) Expand(ctx context.Context, template iospec.Spec, refs []Reference, opts Options) (iospec.Spec, error) {
	if template.IsSimple() {
		return template.Clone(), nil
	}

	resolved, err := Resolve(template, opts)
	if err != nil {
		return iospec.Spec{}, err
	}
	if resolved.IsSimple() {
		return resolved, nil
	}
	return e.Compute(ctx, resolved, refs, opts.Timeout)
}

// Resolve replicates command-bearing cases up to opts.Size and replaces every
// input command with a generated value. Output placeholders are kept.
func Resolve(template iospec.Spec, opts Options) (iospec.Spec, error) {
	if err := ValidateTemplate(template); err != nil {
		return iospec.Spec{}, err
	}

	cases := replicate(template.Cases, opts.Size)
	resolved := make([]iospec.Case, len(cases))
	for i, c := range cases {
		if !c.HasInputCommands() {
			resolved[i] = c.Clone()
			continue
		}
		rng := rand.New(rand.NewPCG(opts.Seed, uint64(i)))
		atoms := make([]iospec.Atom, 0, len(c.Atoms))
		for _, atom := range c.Atoms {
			if !atom.IsInputCommand() {
				atoms = append(atoms, atom)
				continue
			}
			gen, err := compile(*atom.Command)
			if err != nil {
				return iospec.Spec{}, &TemplateError{Case: i, Command: atom.Command.String(), Err: err}
			}
			atoms = append(atoms, iospec.Input(gen(rng)))
		}
		resolved[i] = iospec.NewCase(atoms...)
	}
	return iospec.NewSpec(resolved...), nil
}

// replicate appends copies of the cases that generate inputs, cycling in
// order, until size cases exist.
func replicate(cases []iospec.Case, size int) []iospec.Case {
	out := make([]iospec.Case, 0, max(len(cases), size))
	var generators []iospec.Case
	for _, c := range cases {
		out = append(out, c.Clone())
		if c.HasInputCommands() {
			generators = append(generators, c)
		}
	}
	for i := 0; len(generators) > 0 && len(out) < size; i++ {
		out = append(out, generators[i%len(generators)].Clone())
	}
	return out
}

type candidate struct {
	language string
	spec     iospec.Spec
	failure  *ExpansionError
}

// Compute runs every reference on the cases that still need outputs and
// returns the agreed expansion. Concrete cases pass through unchanged.
func (e *Expander) Compute(ctx context.Context, resolved iospec.Spec, refs []Reference, timeout time.Duration) (iospec.Spec, error) {
	var pending []int
	for i, c := range resolved.Cases {
		if c.HasInputCommands() {
			return iospec.Spec{}, fmt.Errorf("test case %d still has unresolved input commands", i+1)
		}
		if c.NeedsOutput() {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return resolved.Clone(), nil
	}

	refs = usableReferences(refs)
	if len(refs) == 0 {
		return iospec.Spec{}, ErrNoReference
	}

	ctx, span := e.tracer.Start(ctx, "expansion.compute", trace.WithAttributes(
		attribute.Int("expansion.cases", len(pending)),
		attribute.Int("expansion.references", len(refs)),
	))
	defer span.End()

	inputs := make([][]string, len(pending))
	for i, idx := range pending {
		inputs[i] = resolved.Cases[idx].Inputs()
	}

	candidates := make([]candidate, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		g.Go(func() error {
			result, err := e.runner.Run(gctx, sandbox.RunRequest{
				Source:   ref.Source,
				Language: ref.Language,
				Inputs:   inputs,
				Timeout:  timeout,
			})
			if err != nil {
				return fmt.Errorf("run %s reference: %w", ref.Language, err)
			}
			candidates[i] = candidate{language: ref.Language}
			if result.Outcome != sandbox.OutcomeProduced {
				failed := -1
				if result.FailedCase >= 0 && result.FailedCase < len(pending) {
					failed = pending[result.FailedCase]
				}
				candidates[i].failure = &ExpansionError{
					Language: ref.Language,
					Outcome:  result.Outcome,
					Case:     failed,
					Message:  result.Message,
				}
				return nil
			}
			candidates[i].spec = merge(resolved, pending, result.Spec(inputs))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return iospec.Spec{}, err
	}

	for _, c := range candidates {
		if c.failure != nil {
			span.RecordError(c.failure)
			return iospec.Spec{}, c.failure
		}
	}

	first := candidates[0]
	for _, other := range candidates[1:] {
		if idx := iospec.FirstDifference(first.spec, other.spec); idx >= 0 {
			err := &InconsistentExpansionError{
				LanguageA: first.language,
				LanguageB: other.language,
				Case:      idx,
			}
			if idx < first.spec.Len() {
				err.Expected = first.spec.Cases[idx]
			}
			if idx < other.spec.Len() {
				err.Actual = other.spec.Cases[idx]
			}
			e.logger.Warn().Str("language_a", err.LanguageA).Str("language_b", err.LanguageB).Int("case", idx).Msg("answer keys disagree")
			span.RecordError(err)
			return iospec.Spec{}, err
		}
	}

	return first.spec, nil
}

// merge replaces the pending cases of resolved with the produced ones.
func merge(resolved iospec.Spec, pending []int, produced iospec.Spec) iospec.Spec {
	out := resolved.Clone()
	for i, idx := range pending {
		out.Cases[idx] = produced.Cases[i]
	}
	return out
}

func usableReferences(refs []Reference) []Reference {
	usable := make([]Reference, 0, len(refs))
	for _, ref := range refs {
		if strings.TrimSpace(ref.Source) == "" {
			continue
		}
		usable = append(usable, ref)
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].Language < usable[j].Language
	})
	return usable
}
