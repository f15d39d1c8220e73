package image

import (
	"io"
	"os"

	diskfs "github.com/diskfs/go-diskfs"
)

// FAT serves files from a FAT filesystem in a disk image file.
type FAT struct {

	// Path is the disk image.
	Path string

	// Partition selects the filesystem. 0 means the image is not
	// partitioned and holds a single filesystem.
	Partition int
}

func (f FAT) ReadFile(name string) ([]byte, error) {
	d, err := diskfs.Open(f.Path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, err
	}

	defer d.File.Close()

	fs, err := d.GetFilesystem(f.Partition)
	if err != nil {
		return nil, err
	}

	fh, err := fs.OpenFile(name, os.O_RDONLY)
	if err != nil {
		return nil, err
	}

	defer fh.Close()

	return io.ReadAll(fh)
}
