package image

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/cavaliergopher/cpio"
)

// CPIO serves files from a newc cpio archive on block storage. The archive
// may be gzip-compressed.
type CPIO struct {
	Storage BlockStorage
}

func (c CPIO) ReadFile(name string) ([]byte, error) {
	sz, err := c.Storage.Size()
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(io.NewSectionReader(c.Storage, 0, sz))

	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}

		defer zr.Close()
		r = zr
	}

	want := path.Clean("/" + name)
	cr := cpio.NewReader(r)

	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
		}

		if err != nil {
			return nil, err
		}

		if hdr.Mode.IsDir() || path.Clean("/"+hdr.Name) != want {
			continue
		}

		return io.ReadAll(cr)
	}
}
