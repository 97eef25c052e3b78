package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/sourceplane/podci/internal/driver"
	"github.com/sourceplane/podci/internal/runner"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

// reportError prints the error with whatever a user needs to diagnose it
// without re-running: run id, log paths and an operator hint.
func reportError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)

	var stepErr *runner.StepError
	if errors.As(err, &stepErr) {
		fmt.Fprintf(w, "  run id: %s\n", stepErr.RunID)
		if stepErr.StdoutPath != "" {
			fmt.Fprintf(w, "  stdout: %s\n", stepErr.StdoutPath)
		}
		if stepErr.StderrPath != "" {
			fmt.Fprintf(w, "  stderr: %s\n", stepErr.StderrPath)
		}
	}
	if hint := driver.Hint(err); hint != "" {
		fmt.Fprintf(w, "Hint: %s\n", hint)
	}
}

func sortedJobNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
