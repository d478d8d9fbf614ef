package expansion

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/noah-isme/gema-autograder/internal/iospec"
)

// generator produces one input value from a seeded source.
type generator func(rng *rand.Rand) string

var names = []string{
	"Ana", "Bruno", "Carla", "Daniel", "Eva", "Felipe", "Gabriela", "Hugo",
	"Iris", "João", "Karen", "Lucas", "Maria", "Nina", "Otávio", "Paula",
	"Rafael", "Sofia", "Tiago", "Vera",
}

var words = []string{
	"apple", "river", "stone", "cloud", "table", "green", "house", "light",
	"music", "paper", "storm", "tiger", "water", "zebra", "orbit", "piano",
}

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

const maxStringLength = 4096

// compile turns a command into a generator, validating its arguments.
func compile(cmd iospec.Command) (generator, error) {
	switch cmd.Name {
	case "int":
		lo, hi, err := intRange(cmd.Args, 0, 100)
		if err != nil {
			return nil, err
		}
		return func(rng *rand.Rand) string {
			return strconv.FormatInt(uniformInt(rng, lo, hi), 10)
		}, nil
	case "float":
		lo, hi, err := floatRange(cmd.Args, 0, 100)
		if err != nil {
			return nil, err
		}
		return func(rng *rand.Rand) string {
			return strconv.FormatFloat(lo+rng.Float64()*(hi-lo), 'f', 2, 64)
		}, nil
	case "str":
		lo, hi, err := intRange(cmd.Args, 1, 10)
		if err != nil {
			return nil, err
		}
		if lo < 0 {
			return nil, errors.New("string length must not be negative")
		}
		if hi > maxStringLength {
			return nil, fmt.Errorf("string length must not exceed %d", maxStringLength)
		}
		return func(rng *rand.Rand) string {
			n := uniformInt(rng, lo, hi)
			var b strings.Builder
			for i := int64(0); i < n; i++ {
				b.WriteByte(letters[rng.IntN(len(letters))])
			}
			return b.String()
		}, nil
	case "word":
		return choose(words, cmd.Args)
	case "name":
		return choose(names, cmd.Args)
	case "choice":
		if len(cmd.Args) == 0 {
			return nil, errors.New("$choice needs at least one option")
		}
		options := append([]string(nil), cmd.Args...)
		return func(rng *rand.Rand) string {
			return options[rng.IntN(len(options))]
		}, nil
	case iospec.ComputeCommand:
		return nil, errors.New("$compute cannot generate inputs")
	default:
		return nil, fmt.Errorf("unknown command $%s", cmd.Name)
	}
}

func choose(pool []string, args []string) (generator, error) {
	if len(args) != 0 {
		return nil, errors.New("command takes no arguments")
	}
	return func(rng *rand.Rand) string {
		return pool[rng.IntN(len(pool))]
	}, nil
}

// intRange accepts (), (n) meaning exactly n, and (lo, hi).
func intRange(args []string, defLo, defHi int64) (int64, int64, error) {
	switch len(args) {
	case 0:
		return defLo, defHi, nil
	case 1:
		n, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid integer %q", args[0])
		}
		return n, n, nil
	case 2:
		lo, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid integer %q", args[0])
		}
		hi, err := strconv.ParseInt(strings.TrimSpace(args[1]), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid integer %q", args[1])
		}
		if lo > hi {
			return 0, 0, fmt.Errorf("empty range %d..%d", lo, hi)
		}
		return lo, hi, nil
	default:
		return 0, 0, fmt.Errorf("expected at most 2 arguments, got %d", len(args))
	}
}

// uniformInt draws from [lo, hi]. The span is computed in uint64 so the
// full int64 range does not overflow.
func uniformInt(rng *rand.Rand, lo, hi int64) int64 {
	span := uint64(hi) - uint64(lo)
	if span == math.MaxUint64 {
		return int64(rng.Uint64())
	}
	return lo + int64(rng.Uint64N(span+1))
}

func floatRange(args []string, defLo, defHi float64) (float64, float64, error) {
	switch len(args) {
	case 0:
		return defLo, defHi, nil
	case 2:
		lo, err := strconv.ParseFloat(strings.TrimSpace(args[0]), 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid number %q", args[0])
		}
		hi, err := strconv.ParseFloat(strings.TrimSpace(args[1]), 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid number %q", args[1])
		}
		if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
			return 0, 0, errors.New("range bounds must be finite")
		}
		if lo > hi {
			return 0, 0, fmt.Errorf("empty range %g..%g", lo, hi)
		}
		return lo, hi, nil
	default:
		return 0, 0, fmt.Errorf("expected 0 or 2 arguments, got %d", len(args))
	}
}

// TemplateError reports an invalid command inside a template.
type TemplateError struct {
	Case    int
	Command string
	Err     error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("test case %d: %s: %v", e.Case+1, e.Command, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// ValidateTemplate checks that every input command in a template names a
// known generator with valid arguments.
func ValidateTemplate(template iospec.Spec) error {
	var errs []error
	for i, c := range template.Cases {
		for _, atom := range c.Atoms {
			if !atom.IsInputCommand() {
				continue
			}
			if _, err := compile(*atom.Command); err != nil {
				errs = append(errs, &TemplateError{Case: i, Command: atom.Command.String(), Err: err})
			}
		}
	}
	return errors.Join(errs...)
}
