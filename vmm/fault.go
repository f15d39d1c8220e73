//go:build linux

package vmm

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/c35s/gkvisor/mem"
	"github.com/c35s/gkvisor/platform"
	"github.com/c35s/gkvisor/vcpu"
)

// passthrough is a region and the host memory behind it.
type passthrough struct {
	platform.Region
	host []byte
}

// FaultHandler services second-stage faults by mapping passthrough regions
// into the guest on first touch. The region table is fixed when the handler
// is created.
type FaultHandler struct {
	as       *mem.AddressSpace
	regions  []passthrough
	log      *slog.Logger
	installs atomic.Int64
}

// Handle makes the faulting access possible or reports why it is illegal.
// The guest's pc is never changed; the guest retries the access.
func (h *FaultHandler) Handle(f vcpu.Fault) error {
	illegal := func(region string) error {
		return &IllegalAccessError{Addr: f.Addr, Access: f.Access, Region: region}
	}

	if m, ok := h.as.Lookup(f.Addr); ok {
		if m.Perm.Allows(f.Access) {
			// already installed; the fault raced the install or was spurious
			return nil
		}

		return illegal(h.regionName(f.Addr))
	}

	var pt *passthrough
	for i := range h.regions {
		if h.regions[i].Contains(f.Addr) {
			pt = &h.regions[i]
			break
		}
	}

	if pt == nil {
		return illegal("")
	}

	if f.Addr-pt.Base >= uint64(len(pt.host)) || !pt.Perm.Allows(f.Access) {
		return illegal(pt.Name)
	}

	if err := h.as.Map(pt.Base, pt.host, pt.Perm, true); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMapping, pt.Name, err)
	}

	n := h.installs.Add(1)
	h.log.Info("passthrough installed",
		"region", pt.Name,
		"base", fmt.Sprintf("%#x", pt.Base),
		"size", len(pt.host),
		"perm", pt.Perm,
		"installs", n)

	return nil
}

// MapAll maps every region up front. A guest that is handed the machine
// never faults back to the host, so its regions can't wait for first touch.
func (h *FaultHandler) MapAll() error {
	for i := range h.regions {
		pt := &h.regions[i]
		if _, ok := h.as.Lookup(pt.Base); ok {
			continue
		}

		if err := h.as.Map(pt.Base, pt.host, pt.Perm, true); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrMapping, pt.Name, err)
		}

		n := h.installs.Add(1)
		h.log.Info("passthrough mapped",
			"region", pt.Name,
			"base", fmt.Sprintf("%#x", pt.Base),
			"size", len(pt.host),
			"perm", pt.Perm,
			"installs", n)
	}

	return nil
}

// Installs returns how many regions the handler has mapped.
func (h *FaultHandler) Installs() int {
	return int(h.installs.Load())
}

func (h *FaultHandler) regionName(addr uint64) string {
	for _, pt := range h.regions {
		if pt.Contains(addr) {
			return pt.Name
		}
	}

	return ""
}
