// Command dresc is the policy precompiler and runner tool (spec.md §6 "the
// CLI compiler tool"). It parses a policy's JSON frontend document
// (pkg/dsl), finalizes it, and can save the compiled form to a .dresc
// binary, load a .dresc back, run a goal against it, or disassemble a
// target's bytecode.
//
// Grounded on kristofer-smog/cmd/smog/main.go's subcommand surface
// (version/compile/run/disassemble), rebuilt over github.com/spf13/cobra
// instead of bare os.Args dispatch, and mapped to spec.md §6's exit codes
// instead of smog's uniform os.Exit(1).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes spec.md §6 assigns to the CLI compiler tool.
const (
	exitArgument    = 1
	exitMultiInput  = 2
	exitSamePath    = 3
	exitParse       = 4
	exitFinalize    = 5
	exitSave        = 6
	exitLoad        = 7
	exitEnvironment = 10
)

func main() {
	root := &cobra.Command{
		Use:   "dresc",
		Short: "dres policy precompiler and runner",
		SilenceUsage: true,
	}
	root.AddCommand(newCompileCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newDisassembleCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dresc:", err)
		if code, ok := err.(exitCoder); ok {
			os.Exit(code.ExitCode())
		}
		os.Exit(exitArgument)
	}
}

// exitCoder lets a command attach spec.md §6's specific exit code to an
// error returned from cobra's RunE, instead of cobra's default exit(1).
type exitCoder interface {
	error
	ExitCode() int
}

type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) ExitCode() int { return e.code }
func (e *codedError) Unwrap() error { return e.err }

func fail(code int, err error) error {
	return &codedError{code: code, err: err}
}
