// Package image reads guest kernel images from disk images, archives and
// raw block storage, and loads them into guest memory.
package image

import (
	"errors"
)

var (
	ErrImageNotFound = errors.New("image: not found")
	ErrImageEmpty    = errors.New("image: empty")
	ErrImageTooLarge = errors.New("image: too large")
)

// Source is a read-only store of named files.
type Source interface {
	ReadFile(name string) ([]byte, error)
}

// Image describes a kernel image loaded into guest memory.
type Image struct {
	Name     string
	Size     uint64
	LoadAddr uint64
	Entry    uint64
}

// End returns the first guest-physical address after the image.
func (img Image) End() uint64 {
	return img.LoadAddr + img.Size
}
