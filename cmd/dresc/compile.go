package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opendres/dres/pkg/dlog"
	"github.com/opendres/dres/pkg/dsl"
	"github.com/opendres/dres/pkg/fact/memstore"
	"github.com/opendres/dres/pkg/resolver"
	"github.com/opendres/dres/pkg/serialize"
)

func newCompileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile <in.json> <out.dresc>",
		Short: "parse a policy document, finalize it, and save its compiled form",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(args)
		},
	}
}

func runCompile(args []string) error {
	if len(args) != 2 {
		return fail(exitArgument, fmt.Errorf("usage: dresc compile <in.json> <out.dresc>"))
	}
	in, out := args[0], args[1]
	if in == out {
		return fail(exitSamePath, fmt.Errorf("input and output path are the same: %s", in))
	}

	prog, err := dsl.LoadFile(in)
	if err != nil {
		return fail(exitParse, err)
	}

	logger := newLogger()
	defer logger.Sync()

	p := resolver.New("", memstore.New(), logger)
	if err := p.LoadProgram(prog); err != nil {
		return fail(exitParse, err)
	}
	if err := p.Finalize(); err != nil {
		return fail(exitFinalize, err)
	}

	f, err := os.Create(out)
	if err != nil {
		return fail(exitSave, err)
	}
	defer f.Close()
	if err := serialize.Save(p, f); err != nil {
		return fail(exitSave, err)
	}
	return nil
}

func newLogger() *dlog.Logger {
	base, err := zap.NewProduction()
	if err != nil {
		base = zap.NewNop()
	}
	return dlog.New(base)
}
