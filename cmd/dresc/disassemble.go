package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opendres/dres/pkg/bytecode"
	"github.com/opendres/dres/pkg/fact/memstore"
)

func newDisassembleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disassemble <policy.dresc> [target]",
		Short: "print the disassembled bytecode of a compiled policy's targets",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDisassemble(args)
		},
	}
}

func runDisassemble(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fail(exitArgument, fmt.Errorf("usage: dresc disassemble <policy.dresc> [target]"))
	}
	path := args[0]
	var want string
	if len(args) == 2 {
		want = args[1]
	}

	logger := newLogger()
	defer logger.Sync()

	p, err := openPolicy(path, memstore.New(), logger)
	if err != nil {
		return err
	}

	found := false
	for _, t := range p.Targets() {
		if want != "" && t.Name != want {
			continue
		}
		found = true
		fmt.Printf("target %s:\n", t.Name)
		if t.Code == nil {
			fmt.Println("  <uncompiled>")
			continue
		}
		fmt.Println(bytecode.Disassemble(t.Code))
	}
	if want != "" && !found {
		return fail(exitArgument, fmt.Errorf("no such target: %s", want))
	}
	return nil
}
