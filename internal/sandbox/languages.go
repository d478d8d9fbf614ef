// Package sandbox runs untrusted programs against IO test inputs inside an
// executor and classifies what happened.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// ErrUnknownLanguage indicates the language is not registered.
var ErrUnknownLanguage = errors.New("unknown language")

// Language describes how to build and run one programming language.
// Build and Run are shell-like command lines split with shlex.
type Language struct {
	ID         string        `yaml:"id"`
	Name       string        `yaml:"name"`
	Image      string        `yaml:"image"`
	SourceFile string        `yaml:"source_file"`
	Build      string        `yaml:"build"`
	Run        string        `yaml:"run"`
	BuildGrace time.Duration `yaml:"build_grace"`
	Env        []string      `yaml:"env"`
	Aliases    []string      `yaml:"aliases"`
}

// BuildArgs returns the build command split into arguments, or nil when the
// language has no build step.
func (l Language) BuildArgs() ([]string, error) {
	if strings.TrimSpace(l.Build) == "" {
		return nil, nil
	}
	return shlex.Split(l.Build)
}

// RunArgs returns the run command split into arguments.
func (l Language) RunArgs() ([]string, error) {
	return shlex.Split(l.Run)
}

func (l Language) validate() error {
	if strings.TrimSpace(l.ID) == "" {
		return errors.New("language id is required")
	}
	if strings.TrimSpace(l.SourceFile) == "" || strings.ContainsAny(l.SourceFile, `/\`) {
		return fmt.Errorf("language %s: source_file must be a plain file name", l.ID)
	}
	if _, err := l.BuildArgs(); err != nil {
		return fmt.Errorf("language %s: invalid build command: %w", l.ID, err)
	}
	args, err := l.RunArgs()
	if err != nil {
		return fmt.Errorf("language %s: invalid run command: %w", l.ID, err)
	}
	if len(args) == 0 {
		return fmt.Errorf("language %s: run command is required", l.ID)
	}
	return nil
}

// Registry holds the languages known to a grader process. It is safe for
// concurrent use and is meant to be created once and injected.
type Registry struct {
	mu        sync.RWMutex
	languages map[string]Language
	aliases   map[string]string
}

// NewRegistry creates a registry with the provided languages.
func NewRegistry(languages ...Language) (*Registry, error) {
	r := &Registry{}
	r.Reset()
	for _, lang := range languages {
		if err := r.Register(lang); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a registry with the built-in languages.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(defaultLanguages...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds or replaces a language.
func (r *Registry) Register(lang Language) error {
	lang.ID = normalizeLanguageID(lang.ID)
	if err := lang.validate(); err != nil {
		return err
	}
	if lang.Name == "" {
		lang.Name = lang.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.languages[lang.ID] = lang
	for _, alias := range lang.Aliases {
		r.aliases[normalizeLanguageID(alias)] = lang.ID
	}
	return nil
}

// Get resolves an id or alias to a registered language.
func (r *Registry) Get(id string) (Language, error) {
	key := normalizeLanguageID(id)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[key]; ok {
		key = target
	}
	lang, ok := r.languages[key]
	if !ok {
		return Language{}, fmt.Errorf("%w: %q", ErrUnknownLanguage, id)
	}
	return lang, nil
}

// Resolve returns the canonical id of a language or alias.
func (r *Registry) Resolve(id string) (string, error) {
	lang, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return lang.ID, nil
}

// IDs lists the registered language ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.languages))
	for id := range r.languages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset removes every registered language.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.languages = make(map[string]Language)
	r.aliases = make(map[string]string)
}

type registryFile struct {
	Languages []Language `yaml:"languages"`
}

// LoadRegistryFile returns the default registry extended with the
// languages declared in a YAML file. An empty path yields the defaults.
func LoadRegistryFile(path string) (*Registry, error) {
	r := DefaultRegistry()
	if path == "" {
		return r, nil
	}
	if err := r.LoadFile(path); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadFile registers the languages declared in a YAML file, replacing
// built-ins that share an id.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read language registry: %w", err)
	}
	return r.LoadYAML(data)
}

// LoadYAML registers the languages declared in a YAML document.
func (r *Registry) LoadYAML(data []byte) error {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse language registry: %w", err)
	}
	for _, lang := range file.Languages {
		if err := r.Register(lang); err != nil {
			return err
		}
	}
	return nil
}

func normalizeLanguageID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

var defaultLanguages = []Language{
	{
		ID:         "python",
		Name:       "Python 3",
		Image:      "python:3.11-alpine",
		SourceFile: "main.py",
		Build:      "python3 -m py_compile main.py",
		Run:        "python3 main.py",
		Env:        []string{"PYTHONIOENCODING=utf-8", "PYTHONPYCACHEPREFIX=/tmp/pycache"},
		Aliases:    []string{"python3", "py"},
	},
	{
		ID:         "javascript",
		Name:       "JavaScript (Node.js)",
		Image:      "node:20-alpine",
		SourceFile: "main.js",
		Build:      "node --check main.js",
		Run:        "node main.js",
		Aliases:    []string{"js", "node"},
	},
	{
		ID:         "go",
		Name:       "Go",
		Image:      "golang:1.22-alpine",
		SourceFile: "main.go",
		Build:      "go build -o main main.go",
		Run:        "./main",
		BuildGrace: 30 * time.Second,
		Env:        []string{"GOCACHE=/tmp/go-cache", "GOPATH=/tmp/go", "GOFLAGS=-mod=mod", "CGO_ENABLED=0", "HOME=/tmp"},
		Aliases:    []string{"golang"},
	},
	{
		ID:         "c",
		Name:       "C (gcc)",
		Image:      "gcc:13",
		SourceFile: "main.c",
		Build:      "gcc -O2 -std=c11 -o main main.c -lm",
		Run:        "./main",
		BuildGrace: 10 * time.Second,
	},
	{
		ID:         "cpp",
		Name:       "C++ (g++)",
		Image:      "gcc:13",
		SourceFile: "main.cpp",
		Build:      "g++ -O2 -std=c++17 -o main main.cpp",
		Run:        "./main",
		BuildGrace: 15 * time.Second,
		Aliases:    []string{"c++"},
	},
	{
		ID:         "sh",
		Name:       "POSIX shell",
		Image:      "alpine:3.20",
		SourceFile: "main.sh",
		Build:      "sh -n main.sh",
		Run:        "sh main.sh",
		Aliases:    []string{"shell"},
	},
}
