//go:build linux

package aarch64_test

import (
	"encoding/binary"
	"testing"

	"github.com/c35s/gkvisor/arch/aarch64"
	"github.com/c35s/gkvisor/mem"
	"github.com/c35s/gkvisor/vcpu"
)

func TestWriteTrampoline(t *testing.T) {
	as := mem.New(nil)
	defer as.Close()

	if _, err := as.Allocate(scratch, 1<<20); err != nil {
		t.Fatal(err)
	}

	c, err := aarch64.Boot(as, vcpu.Boot{Entry: entry, Scratch: scratch})
	if err != nil {
		t.Fatal(err)
	}

	insn, err := as.Slice(c.PC(), 20)
	if err != nil {
		t.Fatal(err)
	}

	// the trampoline ends in br x17
	if w := binary.LittleEndian.Uint32(insn[16:]); w != 0xd61f0220 {
		t.Errorf("last insn %#08x != br x17", w)
	}
}

func TestBootScratchUnmapped(t *testing.T) {
	as := mem.New(nil)
	defer as.Close()

	if _, err := aarch64.Boot(as, vcpu.Boot{Scratch: scratch}); err == nil {
		t.Fatal("expected an error for unmapped scratch")
	}
}
