package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Workspace layout shared by the driver script and the runner.
const (
	graderDir       = ".grader"
	driverPath      = graderDir + "/run.sh"
	buildLogPath    = graderDir + "/build.log"
	buildStatusPath = graderDir + "/build.status"
)

func casePath(kind string, index int) string {
	return graderDir + "/" + kind + "/" + strconv.Itoa(index)
}

// driverScript renders the POSIX shell script executed inside the sandbox. It
// builds the program, then runs it once per case with stdin redirected from
// the case input file, and stops at the first non-zero exit status.
func driverScript(lang Language, cases int) (string, error) {
	build, err := lang.BuildArgs()
	if err != nil {
		return "", err
	}
	run, err := lang.RunArgs()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	if len(build) > 0 {
		fmt.Fprintf(&b, "%s > %s 2>&1\n", shellJoin(build), buildLogPath)
		b.WriteString("status=$?\n")
	} else {
		b.WriteString("status=0\n")
	}
	fmt.Fprintf(&b, "echo \"$status\" > %s\n", buildStatusPath)
	b.WriteString("[ \"$status\" -eq 0 ] || exit 0\n")
	b.WriteString("i=0\n")
	fmt.Fprintf(&b, "while [ \"$i\" -lt %d ]; do\n", cases)
	fmt.Fprintf(&b, "\t%s < %s/in/\"$i\" > %s/out/\"$i\" 2> %s/err/\"$i\"\n", shellJoin(run), graderDir, graderDir, graderDir)
	b.WriteString("\tstatus=$?\n")
	fmt.Fprintf(&b, "\techo \"$status\" > %s/status/\"$i\"\n", graderDir)
	b.WriteString("\t[ \"$status\" -eq 0 ] || exit 0\n")
	b.WriteString("\ti=$((i + 1))\n")
	b.WriteString("done\n")
	return b.String(), nil
}

// prepareWorkspace writes the source, the inputs and the driver script.
func prepareWorkspace(dir string, lang Language, source string, inputs [][]string) error {
	for _, sub := range []string{"in", "out", "err", "status"} {
		if err := os.MkdirAll(filepath.Join(dir, graderDir, sub), 0o777); err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}
	}

	if err := writeFile(filepath.Join(dir, lang.SourceFile), source); err != nil {
		return fmt.Errorf("write source: %w", err)
	}

	for i, values := range inputs {
		if err := writeFile(filepath.Join(dir, casePath("in", i)), stdinPayload(values)); err != nil {
			return fmt.Errorf("write input %d: %w", i, err)
		}
	}

	script, err := driverScript(lang, len(inputs))
	if err != nil {
		return fmt.Errorf("render driver: %w", err)
	}
	if err := writeFile(filepath.Join(dir, driverPath), script); err != nil {
		return fmt.Errorf("write driver: %w", err)
	}

	return chmodTree(dir)
}

func stdinPayload(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return strings.Join(values, "\n") + "\n"
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o666)
}

// chmodTree opens the workspace to the unprivileged sandbox user; the
// container drops every capability including DAC overrides.
func chmodTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		mode := os.FileMode(0o666)
		if d.IsDir() {
			mode = 0o777
		}
		return os.Chmod(path, mode)
	})
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_./=:+,@%-]+$`)

func shellQuote(arg string) string {
	if shellSafe.MatchString(arg) {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}
