//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"

	"github.com/c35s/gkvisor/kvm"
	"github.com/google/subcommands"
)

// extCmd implements subcommands.Command for the "ext" command.
type extCmd struct{}

func (*extCmd) Name() string     { return "ext" }
func (*extCmd) Synopsis() string { return "print the KVM API version and extensions" }
func (*extCmd) Usage() string {
	return `ext - print information about the KVM API and extensions.
`
}

func (*extCmd) SetFlags(*flag.FlagSet) {}

func (*extCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	sys, err := kvm.Open()
	if err != nil {
		slog.Error("kvm", "err", err)
		return subcommands.ExitFailure
	}

	defer sys.Close()

	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		slog.Error("kvm", "err", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("KVM API version: %d\n", version)

	fmt.Println("\n# extensions")
	for _, c := range kvm.AllCaps() {
		v, err := kvm.CheckExtension(sys, c)
		if err != nil {
			slog.Error("kvm", "cap", c, "err", err)
			return subcommands.ExitFailure
		}

		fmt.Printf("%v: %v\n", c, v)
	}

	return subcommands.ExitSuccess
}
