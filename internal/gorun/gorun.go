// Package gorun interprets go artifacts with yaegi. It runs inside the
// sandboxed child, so the interpreter is given the full standard library;
// confinement comes from the sandbox around the process, not from the
// interpreter.
package gorun

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Exit codes returned by Run.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// Main runs the artifact named by args[0] with the process's standard
// streams and returns the exit code. Remaining args are passed to the
// artifact as os.Args[1:].
func Main(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "gorun: missing artifact path")
		return ExitUsage
	}
	src, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "gorun: %v\n", err)
		return ExitUsage
	}
	return Run(args[0], string(src), args[1:], os.Stdin, os.Stdout, os.Stderr)
}

// Run interprets src as a main package. name is used in positions
// reported by compile errors. An os.Exit inside the artifact exits the
// whole process.
func Run(name, src string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	i := interp.New(interp.Options{
		Stdin:        stdin,
		Stdout:       stdout,
		Stderr:       stderr,
		Args:         append([]string{name}, args...),
		Env:          os.Environ(),
		Unrestricted: true,
	})
	if err := i.Use(stdlib.Symbols); err != nil {
		fmt.Fprintf(stderr, "gorun: load stdlib: %v\n", err)
		return ExitError
	}

	if _, err := i.Eval(src); err != nil {
		report(stderr, name, err)
		return ExitError
	}
	return ExitOK
}

// report writes err to w the way a Go program dies: the panic value and
// its stack, or the compile error with its position.
func report(w io.Writer, name string, err error) {
	var p interp.Panic
	if errors.As(err, &p) {
		fmt.Fprintf(w, "panic: %v\n\n%s\n", p.Value, p.Stack)
		return
	}
	fmt.Fprintf(w, "%s: %v\n", name, err)
}
