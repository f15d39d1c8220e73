//go:build linux

package image

import (
	"fmt"

	"github.com/c35s/gkvisor/mem"
)

// Loader copies a kernel image from a Source into guest RAM.
type Loader struct {

	// Source holds the image.
	Source Source

	// Name is the image's path in Source.
	Name string

	// LoadAddr is the guest-physical address of the image's first byte.
	LoadAddr uint64

	// EntryOffset is the distance from LoadAddr to the first instruction.
	EntryOffset uint64

	// Limit, if nonzero, is the first guest-physical address the image may
	// not occupy. The image never extends past the mapping at LoadAddr.
	Limit uint64
}

// Load reads the image and writes it at LoadAddr. Nothing is written unless
// the whole image fits.
func (l Loader) Load(as *mem.AddressSpace) (Image, error) {
	data, err := l.Source.ReadFile(l.Name)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %s: %w", ErrImageNotFound, l.Name, err)
	}

	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: %s", ErrImageEmpty, l.Name)
	}

	dst, err := as.Translate(l.LoadAddr)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %s: load address: %w", ErrImageTooLarge, l.Name, err)
	}

	if l.Limit != 0 {
		if l.Limit <= l.LoadAddr {
			return Image{}, fmt.Errorf("%w: %s: limit %#x is below the load address %#x",
				ErrImageTooLarge, l.Name, l.Limit, l.LoadAddr)
		}

		if room := l.Limit - l.LoadAddr; room < uint64(len(dst)) {
			dst = dst[:room]
		}
	}

	if len(data) > len(dst) {
		return Image{}, fmt.Errorf("%w: %s: %d bytes > %d bytes available at %#x",
			ErrImageTooLarge, l.Name, len(data), len(dst), l.LoadAddr)
	}

	copy(dst, data)

	img := Image{
		Name:     l.Name,
		Size:     uint64(len(data)),
		LoadAddr: l.LoadAddr,
		Entry:    l.LoadAddr + l.EntryOffset,
	}

	return img, nil
}
