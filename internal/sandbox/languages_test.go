package sandbox_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograder/internal/sandbox"
)

func TestDefaultRegistryResolvesAliases(t *testing.T) {
	registry := sandbox.DefaultRegistry()

	require.Equal(t, []string{"c", "cpp", "go", "javascript", "python", "sh"}, registry.IDs())

	for alias, want := range map[string]string{
		"python": "python",
		"PY":     "python",
		" js ":   "javascript",
		"c++":    "cpp",
		"golang": "go",
	} {
		id, err := registry.Resolve(alias)
		require.NoError(t, err, alias)
		require.Equal(t, want, id, alias)
	}

	_, err := registry.Get("brainfuck")
	require.ErrorIs(t, err, sandbox.ErrUnknownLanguage)
}

func TestLanguageCommandsSplitLikeAShell(t *testing.T) {
	lang := sandbox.Language{
		ID:         "java",
		SourceFile: "Main.java",
		Build:      `javac -encoding "UTF-8" Main.java`,
		Run:        "java -Xss64m Main",
	}
	build, err := lang.BuildArgs()
	require.NoError(t, err)
	require.Equal(t, []string{"javac", "-encoding", "UTF-8", "Main.java"}, build)

	run, err := lang.RunArgs()
	require.NoError(t, err)
	require.Equal(t, []string{"java", "-Xss64m", "Main"}, run)
}

func TestRegistryRejectsInvalidLanguages(t *testing.T) {
	registry, err := sandbox.NewRegistry()
	require.NoError(t, err)

	require.Error(t, registry.Register(sandbox.Language{ID: "", SourceFile: "a", Run: "a"}))
	require.Error(t, registry.Register(sandbox.Language{ID: "x", SourceFile: "../main.x", Run: "x"}))
	require.Error(t, registry.Register(sandbox.Language{ID: "x", SourceFile: "main.x"}))
	require.Empty(t, registry.IDs())
}

func TestRegistryReset(t *testing.T) {
	registry := sandbox.DefaultRegistry()
	registry.Reset()
	require.Empty(t, registry.IDs())

	_, err := registry.Get("py")
	require.ErrorIs(t, err, sandbox.ErrUnknownLanguage)
}

func TestLoadRegistryFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "languages.yaml")
	content := `languages:
  - id: python
    name: PyPy
    image: pypy:3.10-slim
    source_file: main.py
    run: pypy3 main.py
    aliases: [pypy]
  - id: ruby
    image: ruby:3.3-alpine
    source_file: main.rb
    build: ruby -c main.rb
    run: ruby main.rb
    build_grace: 3s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	registry, err := sandbox.LoadRegistryFile(path)
	require.NoError(t, err)

	python, err := registry.Get("pypy")
	require.NoError(t, err)
	require.Equal(t, "PyPy", python.Name)
	require.Equal(t, "pypy:3.10-slim", python.Image)

	ruby, err := registry.Get("RUBY")
	require.NoError(t, err)
	require.Equal(t, "ruby", ruby.Name)
	require.Equal(t, 3*time.Second, ruby.BuildGrace)

	_, err = registry.Get("cpp")
	require.NoError(t, err)
}

func TestLoadRegistryFileErrors(t *testing.T) {
	_, err := sandbox.LoadRegistryFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("languages:\n  - id: x\n    source_file: main.x\n    run: \"unterminated\n"), 0o600))
	_, err = sandbox.LoadRegistryFile(path)
	require.Error(t, err)
}
