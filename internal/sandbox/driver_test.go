package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDriverScriptQuotesCommands(t *testing.T) {
	lang := Language{
		ID:         "x",
		SourceFile: "main.x",
		Build:      `xc -D 'NAME=two words' main.x`,
		Run:        "./main",
	}
	script, err := driverScript(lang, 3)
	require.NoError(t, err)
	require.Contains(t, script, "xc -D 'NAME=two words' main.x > .grader/build.log 2>&1\n")
	require.Contains(t, script, `while [ "$i" -lt 3 ]; do`)
	require.Contains(t, script, `./main < .grader/in/"$i" > .grader/out/"$i" 2> .grader/err/"$i"`)
}

func TestDriverScriptWithoutBuildStep(t *testing.T) {
	script, err := driverScript(Language{ID: "x", SourceFile: "main.x", Run: "x main.x"}, 1)
	require.NoError(t, err)
	require.Contains(t, script, "status=0\n")
	require.NotContains(t, script, "build.log")
}

func TestShellQuote(t *testing.T) {
	require.Equal(t, "main.py", shellQuote("main.py"))
	require.Equal(t, "-std=c++17", shellQuote("-std=c++17"))
	require.Equal(t, "'a b'", shellQuote("a b"))
	require.Equal(t, `'it'\''s'`, shellQuote("it's"))
	require.Equal(t, "'$HOME'", shellQuote("$HOME"))
}

func TestPrepareWorkspaceWritesInputsOnePerLine(t *testing.T) {
	dir := t.TempDir()
	lang := Language{ID: "x", SourceFile: "main.x", Run: "x"}
	require.NoError(t, prepareWorkspace(dir, lang, "source", [][]string{{"Ann", "42"}, {}}))

	source, err := os.ReadFile(filepath.Join(dir, "main.x"))
	require.NoError(t, err)
	require.Equal(t, "source", string(source))

	first, err := os.ReadFile(filepath.Join(dir, ".grader", "in", "0"))
	require.NoError(t, err)
	require.Equal(t, "Ann\n42\n", string(first))

	second, err := os.ReadFile(filepath.Join(dir, ".grader", "in", "1"))
	require.NoError(t, err)
	require.Empty(t, second)

	info, err := os.Stat(filepath.Join(dir, ".grader", "out"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o777), info.Mode().Perm())
}
