//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/c35s/gkvisor/console"
	"github.com/c35s/gkvisor/image"
	"github.com/c35s/gkvisor/platform"
	"github.com/c35s/gkvisor/vcpu"
	"github.com/c35s/gkvisor/vmm"
	"github.com/google/subcommands"
	"golang.org/x/term"
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	profile string
	arch    string
	image   string
	name    string
	flash   string
	vsock   uint
	arg     uint64
	verbose bool
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run a guest kernel until it shuts down" }
func (*runCmd) Usage() string {
	return `run [flags] - run a guest kernel until it shuts down.

The exit status is the guest's shutdown reason: 0 for none, 1 for system
failure, 3 for anything else. It is 2 if the VM couldn't start or stopped on
a fatal error.
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.profile, "profile", "", "read the platform profile from a TOML file")
	f.StringVar(&r.arch, "arch", "", "use the built-in profile of arch (riscv64, x86_64, aarch64)")
	f.StringVar(&r.image, "image", "gkernel", "load the kernel from a file, URL, disk image (.img) or cpio archive")
	f.StringVar(&r.name, "name", "", "override the kernel's name in the image")
	f.StringVar(&r.flash, "flash", "", "back the flash region with a firmware file")
	f.UintVar(&r.vsock, "vsock", 0, "serve the console on this vsock port instead of stdio")
	f.Uint64Var(&r.arg, "arg", 0, "pass arg to the guest in its first argument register")
	f.BoolVar(&r.verbose, "v", false, "log every exit")
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	log := newLogger(r.verbose)
	fatal := subcommands.ExitStatus(vmm.ExitStatusFatal)

	p, err := loadProfile(r.profile, r.arch)
	if err != nil {
		log.Error("profile", "err", err)
		return fatal
	}

	if r.name != "" {
		p.Image = r.name
	}

	if r.flash != "" {
		if err := setBacking(&p, "flash", r.flash); err != nil {
			log.Error("profile", "err", err)
			return fatal
		}
	}

	src, err := image.Open(r.image, p.Image)
	if err != nil {
		log.Error("image", "err", err)
		return fatal
	}

	var con console.Console
	if r.vsock != 0 {
		v, err := console.ListenVsock(uint32(r.vsock))
		if err != nil {
			log.Error("console", "err", err)
			return fatal
		}

		defer v.Close()
		log.Info("console listening", "addr", v.Addr())
		con = v
	} else {
		con = &console.Stream{In: os.Stdin, Out: os.Stdout}

		if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
			old, err := term.MakeRaw(fd)
			if err != nil {
				log.Error("console", "err", err)
				return fatal
			}

			defer term.Restore(fd, old)
		}
	}

	m, err := vmm.New(vmm.Config{
		Profile: p,
		Source:  src,
		Console: con,
		Arg:     r.arg,
		Logger:  log,
	})

	if err != nil {
		log.Error("setup", "err", err)
		return fatal
	}

	defer m.Close()

	err = m.Run(ctx)
	return subcommands.ExitStatus(vmm.ExitStatus(m.Shutdown(), err))
}

// loadProfile returns the profile in path, or the built-in profile of arch
// (or of the host) if path is empty.
func loadProfile(path, arch string) (platform.Profile, error) {
	if path == "" {
		a := platform.Host()
		if arch != "" {
			a = vcpu.Arch(arch)
		}

		return platform.Default(a)
	}

	p, err := platform.Load(path)
	if err != nil {
		return p, err
	}

	if arch != "" && p.Arch != vcpu.Arch(arch) {
		return p, fmt.Errorf("%s is a %s profile, not %s", path, p.Arch, arch)
	}

	return p, nil
}

func setBacking(p *platform.Profile, region, path string) error {
	for i := range p.Regions {
		if p.Regions[i].Name == region {
			p.Regions[i].Backing = path
			return nil
		}
	}

	return fmt.Errorf("%s profile has no %s region", p.Arch, region)
}
