//go:build linux

// Package mem implements the guest-physical address space: host memory that
// backs guest RAM and passthrough windows, and the translation table that
// maps guest-physical ranges onto it.
package mem

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapping is one entry of the translation table.
type Mapping struct {
	Guest       uint64
	Host        []byte
	Perm        Perm
	Passthrough bool
}

// Size returns the size of the mapped range in bytes.
func (m Mapping) Size() uint64 {
	return uint64(len(m.Host))
}

// Contains reports whether addr is inside the mapped range.
func (m Mapping) Contains(addr uint64) bool {
	return addr >= m.Guest && addr-m.Guest < m.Size()
}

func (m Mapping) overlaps(o Mapping) bool {
	return m.Guest < o.Guest+o.Size() && o.Guest < m.Guest+m.Size()
}

func (m Mapping) same(o Mapping) bool {
	return m.Guest == o.Guest &&
		len(m.Host) == len(o.Host) &&
		unsafe.SliceData(m.Host) == unsafe.SliceData(o.Host) &&
		m.Perm == o.Perm &&
		m.Passthrough == o.Passthrough
}

// Installer installs a new mapping into the hardware's second-stage tables.
// Slot numbers are assigned in installation order, starting at 0.
type Installer interface {
	Install(slot int, m Mapping) error
}

// InstallerFunc adapts a function to the Installer interface.
type InstallerFunc func(slot int, m Mapping) error

func (f InstallerFunc) Install(slot int, m Mapping) error {
	return f(slot, m)
}

// AddressSpace maps guest-physical ranges to host memory. Mappings are only
// ever added; the address space never shrinks while it is open.
type AddressSpace struct {
	installer Installer
	maps      []Mapping // sorted by Guest
	slots     int
	owned     [][]byte
}

// New returns an empty address space. If inst is not nil, it is called for
// every new mapping before the mapping becomes visible.
func New(inst Installer) *AddressSpace {
	return &AddressSpace{installer: inst}
}

// Reserve allocates size bytes of zeroed anonymous host memory. The memory is
// owned by the address space but not mapped into it.
func (as *AddressSpace) Reserve(size uint64) ([]byte, error) {
	if pgsz := uint64(os.Getpagesize()); size == 0 || size%pgsz != 0 {
		return nil, fmt.Errorf("%w: size %#x is not a nonzero multiple of the page size", ErrInvalid, size)
	}

	host, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	as.owned = append(as.owned, host)
	return host, nil
}

// ReserveFile maps the file at path read-only. At most limit bytes are mapped.
func (as *AddressSpace) ReserveFile(path string, limit uint64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	size := uint64(info.Size())
	if size == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalid, path)
	}

	pgsz := uint64(os.Getpagesize())
	size = (size + pgsz - 1) &^ (pgsz - 1)

	if size > limit {
		size = limit
	}

	host, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	as.owned = append(as.owned, host)
	return host, nil
}

// Allocate reserves size bytes of zeroed host memory and maps them read-write
// at guest-physical base. It returns the host view of the new memory.
func (as *AddressSpace) Allocate(base, size uint64) ([]byte, error) {
	if pgsz := uint64(os.Getpagesize()); base%pgsz != 0 {
		return nil, fmt.Errorf("%w: base %#x is not page aligned", ErrInvalid, base)
	}

	host, err := as.Reserve(size)
	if err != nil {
		return nil, err
	}

	if err := as.Map(base, host, PermRWX, false); err != nil {
		return nil, err
	}

	return host, nil
}

// Map installs a translation from [guest, guest+len(host)) to host. Mapping
// the exact same range, memory and attributes again is a no-op; any other
// overlap is an error.
func (as *AddressSpace) Map(guest uint64, host []byte, perm Perm, passthrough bool) error {
	m := Mapping{
		Guest:       guest,
		Host:        host,
		Perm:        perm,
		Passthrough: passthrough,
	}

	if len(host) == 0 {
		return fmt.Errorf("%w: empty mapping at %#x", ErrInvalid, guest)
	}

	if guest+m.Size() < guest {
		return fmt.Errorf("%w: mapping at %#x wraps the address space", ErrInvalid, guest)
	}

	for _, o := range as.maps {
		if !o.overlaps(m) {
			continue
		}

		if o.same(m) {
			return nil
		}

		return fmt.Errorf("%w: [%#x, %#x) %v overlaps [%#x, %#x) %v",
			ErrOverlap, guest, guest+m.Size(), perm, o.Guest, o.Guest+o.Size(), o.Perm)
	}

	if as.installer != nil {
		if err := as.installer.Install(as.slots, m); err != nil {
			return fmt.Errorf("%w: slot %d: %w", ErrInstall, as.slots, err)
		}
	}

	as.slots++

	i := sort.Search(len(as.maps), func(i int) bool { return as.maps[i].Guest > guest })
	as.maps = append(as.maps, Mapping{})
	copy(as.maps[i+1:], as.maps[i:])
	as.maps[i] = m

	return nil
}

// Lookup returns the mapping that contains addr.
func (as *AddressSpace) Lookup(addr uint64) (Mapping, bool) {
	i := sort.Search(len(as.maps), func(i int) bool { return as.maps[i].Guest > addr })
	if i == 0 {
		return Mapping{}, false
	}

	if m := as.maps[i-1]; m.Contains(addr) {
		return m, true
	}

	return Mapping{}, false
}

// Translate returns the host memory from addr to the end of its mapping.
func (as *AddressSpace) Translate(addr uint64) ([]byte, error) {
	m, ok := as.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrOutOfRange, addr)
	}

	return m.Host[addr-m.Guest:], nil
}

// Slice returns n bytes of host memory at addr. The range must not cross the
// end of a mapping.
func (as *AddressSpace) Slice(addr, n uint64) ([]byte, error) {
	host, err := as.Translate(addr)
	if err != nil {
		return nil, err
	}

	if n > uint64(len(host)) {
		return nil, fmt.Errorf("%w: [%#x, %#x) crosses the end of its mapping", ErrOutOfRange, addr, addr+n)
	}

	return host[:n:n], nil
}

// ReadAt implements io.ReaderAt over guest-physical addresses.
func (as *AddressSpace) ReadAt(p []byte, off int64) (int, error) {
	host, err := as.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(p, host), nil
}

// WriteAt implements io.WriterAt over guest-physical addresses. RAM is
// writable regardless of its guest permissions; passthrough windows the guest
// cannot write are backed by read-only host memory and are refused.
func (as *AddressSpace) WriteAt(p []byte, off int64) (int, error) {
	m, ok := as.Lookup(uint64(off))
	if ok && m.Passthrough && m.Perm&PermWrite == 0 {
		return 0, fmt.Errorf("%w: %#x is in a read-only window", ErrInvalid, off)
	}

	host, err := as.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(host, p), nil
}

// Mappings returns a copy of the translation table in guest address order.
func (as *AddressSpace) Mappings() []Mapping {
	return append([]Mapping(nil), as.maps...)
}

// Close unmaps all host memory the address space owns.
func (as *AddressSpace) Close() error {
	var errs []error
	for _, host := range as.owned {
		if err := unix.Munmap(host); err != nil {
			errs = append(errs, err)
		}
	}

	as.owned = nil
	as.maps = nil

	return errors.Join(errs...)
}
