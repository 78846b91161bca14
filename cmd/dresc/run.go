package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opendres/dres/pkg/dlog"
	"github.com/opendres/dres/pkg/dsl"
	"github.com/opendres/dres/pkg/fact"
	"github.com/opendres/dres/pkg/fact/memstore"
	"github.com/opendres/dres/pkg/method"
	"github.com/opendres/dres/pkg/resolver"
	"github.com/opendres/dres/pkg/serialize"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <policy> <goal>",
		Short: "open a policy (source or compiled) and update a goal",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdateGoal(args)
		},
	}
}

func runUpdateGoal(args []string) error {
	if len(args) != 2 {
		return fail(exitArgument, fmt.Errorf("usage: dresc run <policy> <goal>"))
	}
	path, goal := args[0], args[1]

	store := memstore.New()
	logger := newLogger()
	defer logger.Sync()

	p, err := openPolicy(path, store, logger)
	if err != nil {
		return err
	}
	if !p.Finalized() {
		if ferr := p.Finalize(); ferr != nil {
			return fail(exitFinalize, ferr)
		}
	}

	status, err := p.UpdateGoal(goal, []method.Local{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "dresc: update_goal error:", err)
	}
	fmt.Printf("status=%d\n", status)
	if status <= 0 {
		os.Exit(exitEnvironment)
	}
	return nil
}

// openPolicy tells a precompiled policy from a source policy by its leading
// word alone: a leading serialize.Magic word means a .dresc binary, anything
// else is handed to the JSON source frontend. The file suffix is not
// consulted.
func openPolicy(path string, store fact.Store, logger *dlog.Logger) (*resolver.Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fail(exitLoad, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	peek, err := br.Peek(4)
	isBinary := err == nil && binary.BigEndian.Uint32(peek) == serialize.Magic

	if isBinary {
		p, err := serialize.Load(br, store, logger)
		if err != nil {
			return nil, fail(exitLoad, err)
		}
		return p, nil
	}

	prog, err := dsl.Load(br)
	if err != nil {
		return nil, fail(exitParse, err)
	}
	p := resolver.New("", store, logger)
	if err := p.LoadProgram(prog); err != nil {
		return nil, fail(exitParse, err)
	}
	return p, nil
}
