//go:build linux

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/google/subcommands"
)

// profileCmd implements subcommands.Command for the "profile" command.
type profileCmd struct {
	profile string
	arch    string
}

func (*profileCmd) Name() string     { return "profile" }
func (*profileCmd) Synopsis() string { return "print the effective platform profile as TOML" }
func (*profileCmd) Usage() string {
	return `profile [-profile file] [-arch arch] - print the effective platform profile.
`
}

func (c *profileCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.profile, "profile", "", "read the platform profile from a TOML file")
	f.StringVar(&c.arch, "arch", "", "use the built-in profile of arch (riscv64, x86_64, aarch64)")
}

func (c *profileCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	p, err := loadProfile(c.profile, c.arch)
	if err != nil {
		slog.Error("profile", "err", err)
		return subcommands.ExitFailure
	}

	if err := p.Validate(); err != nil {
		slog.Error("profile", "err", err)
		return subcommands.ExitFailure
	}

	if err := p.Encode(os.Stdout); err != nil {
		slog.Error("profile", "err", err)
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}
