//go:build linux

package vmm_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c35s/gkvisor/console"
	"github.com/c35s/gkvisor/hcall"
	"github.com/c35s/gkvisor/image"
	"github.com/c35s/gkvisor/internal/guest"
	"github.com/c35s/gkvisor/mem"
	"github.com/c35s/gkvisor/platform"
	"github.com/c35s/gkvisor/vcpu"
	"github.com/c35s/gkvisor/vmm"
	"github.com/google/go-cmp/cmp"
)

const kernelSize = 176384

type files map[string][]byte

func (fs files) ReadFile(name string) ([]byte, error) {
	if b, ok := fs[name]; ok {
		return b, nil
	}

	return nil, os.ErrNotExist
}

func kernel() files {
	return files{"gkernel": bytes.Repeat([]byte{0x13, 0x00, 0x00, 0x00}, kernelSize/4)}
}

func profile(t *testing.T, arch vcpu.Arch) platform.Profile {
	t.Helper()

	p, err := platform.Default(arch)
	if err != nil {
		t.Fatal(err)
	}

	p.RAMSize = 16 << 20
	return p
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newVM creates a VM that runs script on a scripted backend.
func newVM(t *testing.T, cfg vmm.Config, script ...guest.Step) (*vmm.VM, *guest.Backend) {
	t.Helper()

	if cfg.Profile.Arch == "" {
		cfg.Profile = profile(t, vcpu.RISCV)
	}

	if cfg.Source == nil {
		cfg.Source = kernel()
	}

	if cfg.Logger == nil {
		cfg.Logger = quiet()
	}

	b := guest.New(cfg.Profile.Arch, script)
	cfg.Backend = b

	m, err := vmm.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { m.Close() })
	return m, b
}

func TestValidateMissingSource(t *testing.T) {
	_, err := vmm.New(vmm.Config{
		Profile: profile(t, vcpu.RISCV),
		Backend: guest.New(vcpu.RISCV),
	})

	if !errors.Is(err, vmm.ErrConfig) {
		t.Errorf("error isn't ErrConfig: %v", err)
	}
}

func TestValidateProfile(t *testing.T) {
	p := profile(t, vcpu.RISCV)
	p.RAMSize = 12345

	_, err := vmm.New(vmm.Config{
		Profile: p,
		Source:  kernel(),
		Backend: guest.New(vcpu.RISCV),
	})

	if !errors.Is(err, vmm.ErrConfig) {
		t.Errorf("error isn't ErrConfig: %v", err)
	}

	if !errors.Is(err, platform.ErrProfile) {
		t.Errorf("error isn't ErrProfile: %v", err)
	}
}

func TestValidateWritableFileRegion(t *testing.T) {
	p := profile(t, vcpu.RISCV)
	p.Regions[0].Backing = "/dev/zero"

	_, err := vmm.New(vmm.Config{
		Profile: p,
		Source:  kernel(),
		Backend: guest.New(vcpu.RISCV),
	})

	if !errors.Is(err, vmm.ErrConfig) {
		t.Errorf("error isn't ErrConfig: %v", err)
	}
}

func TestArchMismatch(t *testing.T) {
	b := guest.New(vcpu.SVM)

	_, err := vmm.New(vmm.Config{
		Profile: profile(t, vcpu.RISCV),
		Source:  kernel(),
		Backend: b,
		Logger:  quiet(),
	})

	if !errors.Is(err, vmm.ErrConfig) {
		t.Errorf("error isn't ErrConfig: %v", err)
	}

	if !b.Closed() {
		t.Error("backend wasn't closed")
	}
}

func TestInstallError(t *testing.T) {
	boom := errors.New("boom")
	b := guest.New(vcpu.RISCV)
	b.InstallError = boom

	m, err := vmm.New(vmm.Config{
		Profile: profile(t, vcpu.RISCV),
		Source:  kernel(),
		Backend: b,
		Logger:  quiet(),
	})

	if m != nil {
		t.Fatalf("vm is present: %v", m)
	}

	if !errors.Is(err, vmm.ErrMapping) {
		t.Errorf("error isn't ErrMapping: %v", err)
	}

	if !errors.Is(err, boom) {
		t.Errorf("no boom: %v", err)
	}
}

func TestNewVCPUError(t *testing.T) {
	boom := errors.New("boom")
	b := guest.New(vcpu.RISCV)
	b.NewVCPUError = boom

	m, err := vmm.New(vmm.Config{
		Profile: profile(t, vcpu.RISCV),
		Source:  kernel(),
		Backend: b,
		Logger:  quiet(),
	})

	if m != nil {
		t.Fatalf("vm is present: %v", m)
	}

	if !errors.Is(err, vmm.ErrSetup) {
		t.Errorf("error isn't ErrSetup: %v", err)
	}

	if !errors.Is(err, boom) {
		t.Errorf("no boom: %v", err)
	}

	if !b.Closed() {
		t.Error("backend wasn't closed")
	}
}

func TestLoadError(t *testing.T) {
	_, err := vmm.New(vmm.Config{
		Profile: profile(t, vcpu.RISCV),
		Source:  files{},
		Backend: guest.New(vcpu.RISCV),
		Logger:  quiet(),
	})

	if !errors.Is(err, vmm.ErrLoad) {
		t.Errorf("error isn't ErrLoad: %v", err)
	}

	if !errors.Is(err, image.ErrImageNotFound) {
		t.Errorf("error isn't ErrImageNotFound: %v", err)
	}
}

func TestLoadTooLarge(t *testing.T) {
	p := profile(t, vcpu.RISCV)

	_, err := vmm.New(vmm.Config{
		Profile: p,
		Source:  files{"gkernel": make([]byte, p.RAMSize)},
		Backend: guest.New(vcpu.RISCV),
		Logger:  quiet(),
	})

	if !errors.Is(err, vmm.ErrLoad) {
		t.Errorf("error isn't ErrLoad: %v", err)
	}
}

func TestFileRegionMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	if err := os.WriteFile(path, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := profile(t, vcpu.RISCV)
	p.Regions[1].Backing = path

	_, err := vmm.New(vmm.Config{
		Profile: p,
		Source:  kernel(),
		Backend: guest.New(vcpu.RISCV),
		Logger:  quiet(),
	})

	if !errors.Is(err, vmm.ErrSetup) {
		t.Errorf("error isn't ErrSetup: %v", err)
	}
}

func TestRunRISCV(t *testing.T) {
	con := console.NewBuffer("")

	var exits []vcpu.ExitReason
	m, b := newVM(t, vmm.Config{
		Console: con,
		OnExit:  func(r vcpu.ExitReason) { exits = append(exits, r) },
	}, append(guest.PutString("hi\n"), guest.Shutdown(hcall.ReasonNone))...)

	if s := m.State(); s != vmm.Loading {
		t.Fatalf("state %v != loading", s)
	}

	want := image.Image{Name: "gkernel", Size: kernelSize, LoadAddr: 0x8020_0000, Entry: 0x8020_0000}
	if diff := cmp.Diff(want, m.Image()); diff != "" {
		t.Fatalf("image mismatch (-want +got):\n%s", diff)
	}

	err := m.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if got := vmm.ExitStatus(m.Shutdown(), err); got != vmm.ExitStatusOK {
		t.Fatalf("exit status %d != 0", got)
	}

	if s := m.State(); s != vmm.ShuttingDown {
		t.Fatalf("state %v != shutting-down", s)
	}

	if out := con.String(); out != "hi\n" {
		t.Fatalf("console %q != hi\\n", out)
	}

	if len(exits) != 4 {
		t.Fatalf("%d exits != 4", len(exits))
	}

	first := exits[0]
	if first.Kind != vcpu.KindHypercall || first.Call.Ext != hcall.ExtLegacyPutChar || first.Call.Args[0] != 'h' {
		t.Fatalf("unexpected first exit: %v", first)
	}

	st := m.Stats()
	if diff := cmp.Diff(map[vcpu.Kind]int{vcpu.KindHypercall: 3, vcpu.KindShutdown: 1}, st.Exits); diff != "" {
		t.Fatalf("exits mismatch (-want +got):\n%s", diff)
	}

	if !b.Runner().Done() {
		t.Fatal("script didn't finish")
	}

	// ram only; passthrough regions are mapped on first touch
	if n := len(b.Installs()); n != 1 {
		t.Fatalf("%d installs != 1", n)
	}
}

func TestShutdownReason(t *testing.T) {
	cases := []struct {
		step guest.Step
		want int
	}{
		{guest.Shutdown(hcall.ReasonNone), vmm.ExitStatusOK},
		{guest.Reset(), vmm.ExitStatusOK},
		{guest.Shutdown(hcall.ReasonSystemFailure), vmm.ExitStatusFailure},
		{guest.Shutdown(0xe000_0001), vmm.ExitStatusOther},
	}

	for _, tc := range cases {
		m, _ := newVM(t, vmm.Config{}, tc.step)

		err := m.Run(context.Background())
		if got := vmm.ExitStatus(m.Shutdown(), err); got != tc.want {
			t.Errorf("%+v: exit status %d != %d (err %v)", tc.step, got, tc.want, err)
		}
	}
}

func TestGetChar(t *testing.T) {
	m, b := newVM(t, vmm.Config{Console: console.NewBuffer("a")},
		guest.GetChar(),
		guest.GetChar(),
		guest.Shutdown(hcall.ReasonNone))

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := [][2]uint64{{'a', 0}, {^uint64(0), 0}}
	if diff := cmp.Diff(want, b.Runner().Returns()); diff != "" {
		t.Fatalf("returns mismatch (-want +got):\n%s", diff)
	}
}

func TestUnsupportedHypercall(t *testing.T) {
	m, b := newVM(t, vmm.Config{},
		guest.SBI(0x0a00_0000, 3, 0x8000_0000, 8),
		guest.Shutdown(hcall.ReasonNone))

	before := m.Mappings()

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	ret := b.Runner().Returns()
	if len(ret) != 1 || int64(ret[0][0]) != hcall.ErrNotSupported {
		t.Fatalf("unexpected returns: %v", ret)
	}

	st := m.Stats()
	if st.Unsupported != 1 || st.TimerFires != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	if diff := cmp.Diff(before, m.Mappings(), cmp.Comparer(sameMapping)); diff != "" {
		t.Fatalf("mappings changed (-before +after):\n%s", diff)
	}
}

func sameMapping(a, b mem.Mapping) bool {
	return a.Guest == b.Guest && len(a.Host) == len(b.Host) && a.Perm == b.Perm && a.Passthrough == b.Passthrough
}

func TestPassthroughSVM(t *testing.T) {
	const flash = 0xffc0_0000

	m, b := newVM(t, vmm.Config{Profile: profile(t, vcpu.SVM)},
		guest.Touch(flash, vcpu.AccessRead),
		guest.Touch(flash+0x1000, vcpu.AccessRead),
		guest.Touch(flash+0x3f_f000, vcpu.AccessRead),
		guest.Shutdown(hcall.ReasonNone))

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	st := m.Stats()
	if st.Installs != 1 {
		t.Fatalf("%d installs != 1", st.Installs)
	}

	if n := st.Exits[vcpu.KindPageFault]; n != 1 {
		t.Fatalf("%d page faults != 1", n)
	}

	reads := b.Runner().Reads()
	if len(reads) != 3 || string(reads[0][:4]) != platform.FlashMagic {
		t.Fatalf("unexpected reads: %q", reads)
	}

	var found bool
	for _, mp := range m.Mappings() {
		if mp.Guest == flash {
			found = mp.Passthrough && mp.Perm == mem.PermRead && mp.Size() == 4<<20
		}
	}

	if !found {
		t.Fatal("flash isn't mapped as passthrough")
	}
}

func TestPassthroughWriteDenied(t *testing.T) {
	const flash = 0xffc0_0000

	m, _ := newVM(t, vmm.Config{Profile: profile(t, vcpu.SVM)},
		guest.Touch(flash, vcpu.AccessRead),
		guest.Touch(flash, vcpu.AccessWrite),
		guest.Shutdown(hcall.ReasonNone))

	err := m.Run(context.Background())

	var ia *vmm.IllegalAccessError
	if !errors.As(err, &ia) {
		t.Fatalf("error isn't IllegalAccessError: %v", err)
	}

	if ia.Region != "flash" || ia.Access != vcpu.AccessWrite || ia.Addr != flash {
		t.Fatalf("unexpected error: %+v", ia)
	}

	if ia.PC == 0 {
		t.Fatal("pc isn't set")
	}

	if got := vmm.ExitStatus(m.Shutdown(), err); got != vmm.ExitStatusFatal {
		t.Fatalf("exit status %d != %d", got, vmm.ExitStatusFatal)
	}

	if s := m.State(); s != vmm.ShuttingDown {
		t.Fatalf("state %v != shutting-down", s)
	}
}

func TestIllegalAccessOutsideRegions(t *testing.T) {
	m, _ := newVM(t, vmm.Config{}, guest.Touch(0x4000_0000, vcpu.AccessRead))

	err := m.Run(context.Background())

	var ia *vmm.IllegalAccessError
	if !errors.As(err, &ia) || ia.Region != "" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunError(t *testing.T) {
	boom := errors.New("boom")
	m, _ := newVM(t, vmm.Config{}, guest.PutChar('x'), guest.Fail(boom))

	err := m.Run(context.Background())
	if !errors.Is(err, vmm.ErrRun) {
		t.Errorf("error isn't ErrRun: %v", err)
	}

	if !errors.Is(err, boom) {
		t.Errorf("no boom: %v", err)
	}
}

func TestRunTwice(t *testing.T) {
	m, _ := newVM(t, vmm.Config{}, guest.Shutdown(hcall.ReasonNone))

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := m.Run(context.Background()); !errors.Is(err, vmm.ErrTransition) {
		t.Fatalf("error isn't ErrTransition: %v", err)
	}
}

func TestHaltWithoutTimer(t *testing.T) {
	m, _ := newVM(t, vmm.Config{Profile: profile(t, vcpu.SVM)}, guest.Halt())

	err := m.Run(context.Background())

	var ue *vmm.UnhandledExitError
	if !errors.As(err, &ue) {
		t.Fatalf("error isn't UnhandledExitError: %v", err)
	}

	if ue.Kind != vcpu.KindIdle || ue.Arch != vcpu.SVM {
		t.Fatalf("unexpected error: %+v", ue)
	}
}

func TestTimerWakesHalt(t *testing.T) {
	clock := new(vmm.ManualClock)

	m, b := newVM(t, vmm.Config{Profile: profile(t, vcpu.SVM), Clock: clock},
		guest.SetTimer(100),
		guest.Halt(),
		guest.Shutdown(hcall.ReasonNone))

	done := make(chan struct{})
	defer close(done)

	// advance once the dispatcher is handling the halt
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
			}

			if b.Runner().Entries() >= 2 && m.State() == vmm.Handling {
				clock.Advance(100)
				return
			}
		}
	}()

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	st := m.Stats()
	if st.TimerFires != 1 {
		t.Fatalf("%d timer fires != 1", st.TimerFires)
	}

	if n := st.Exits[vcpu.KindIdle]; n != 1 {
		t.Fatalf("%d idle exits != 1", n)
	}

	if n := b.Runner().Delivered(); n != 1 {
		t.Fatalf("%d interrupts delivered != 1", n)
	}
}

func TestHaltWithInjectedTimer(t *testing.T) {
	clock := new(vmm.ManualClock)

	// the timer fires while the set_timer call is being handled, so the
	// guest enters with it pending and halts without taking it
	var advanced bool
	onExit := func(r vcpu.ExitReason) {
		if !advanced && r.Kind == vcpu.KindHypercall && r.Call.Ext == hcall.ExtTime {
			advanced = true
			clock.Advance(100)
		}
	}

	m, b := newVM(t, vmm.Config{Profile: profile(t, vcpu.SVM), Clock: clock, OnExit: onExit},
		guest.SetTimer(100),
		guest.PutChar('x'),
		guest.Halt(),
		guest.Shutdown(hcall.ReasonNone))

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	st := m.Stats()
	if st.TimerFires != 1 {
		t.Fatalf("%d timer fires != 1", st.TimerFires)
	}

	if n := st.Exits[vcpu.KindIdle]; n != 1 {
		t.Fatalf("%d idle exits != 1", n)
	}

	if n := b.Runner().Delivered(); n != 1 {
		t.Fatalf("%d interrupts delivered != 1", n)
	}
}

func TestAArch64Handoff(t *testing.T) {
	m, b := newVM(t, vmm.Config{Profile: profile(t, vcpu.AArch64), Arg: 0x4800_0000},
		guest.Shutdown(hcall.ReasonNone))

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	st := m.Stats()
	if diff := cmp.Diff(map[vcpu.Kind]int{vcpu.KindShutdown: 1}, st.Exits); diff != "" {
		t.Fatalf("exits mismatch (-want +got):\n%s", diff)
	}

	if n := b.Runner().Entries(); n != 1 {
		t.Fatalf("%d entries != 1", n)
	}
}

func TestAArch64HandoffFlash(t *testing.T) {
	const flash = 0x0400_0000

	m, b := newVM(t, vmm.Config{Profile: profile(t, vcpu.AArch64)},
		guest.Touch(flash, vcpu.AccessRead),
		guest.Touch(0x0a00_0000, vcpu.AccessWrite),
		guest.Shutdown(hcall.ReasonNone))

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	st := m.Stats()
	if diff := cmp.Diff(map[vcpu.Kind]int{vcpu.KindShutdown: 1}, st.Exits); diff != "" {
		t.Fatalf("exits mismatch (-want +got):\n%s", diff)
	}

	if st.Installs != 2 {
		t.Fatalf("%d installs != 2", st.Installs)
	}

	reads := b.Runner().Reads()
	if len(reads) != 1 || string(reads[0][:4]) != platform.FlashMagic {
		t.Fatalf("unexpected reads: %q", reads)
	}

	if status := vmm.ExitStatus(m.Shutdown(), nil); status != 0 {
		t.Fatalf("exit status %d != 0", status)
	}
}

func TestAArch64HandoffUnexpectedExit(t *testing.T) {
	m, _ := newVM(t, vmm.Config{Profile: profile(t, vcpu.AArch64)},
		guest.PutChar('x'),
		guest.Shutdown(hcall.ReasonNone))

	err := m.Run(context.Background())
	if !errors.Is(err, vmm.ErrUnhandledExit) {
		t.Fatalf("error isn't ErrUnhandledExit: %v", err)
	}

	if got := vmm.ExitStatus(m.Shutdown(), err); got != vmm.ExitStatusFatal {
		t.Fatalf("exit status %d != %d", got, vmm.ExitStatusFatal)
	}
}

func TestCloseReleasesBackend(t *testing.T) {
	m, b := newVM(t, vmm.Config{}, guest.Shutdown(hcall.ReasonNone))

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	if !b.Closed() {
		t.Fatal("backend wasn't closed")
	}

	if err := m.Run(context.Background()); !errors.Is(err, vmm.ErrTransition) {
		t.Fatalf("error isn't ErrTransition: %v", err)
	}
}
