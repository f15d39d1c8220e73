package image

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Open returns a Source for the image at loc, a file path or an http(s) URL.
// The format is chosen by extension: .img and .fat are FAT disk images,
// .cpio and .cpio.gz are archives, and anything else is a raw image served
// under name.
func Open(loc, name string) (Source, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("image: %s: %w", loc, err)
	}

	var (
		storage BlockStorage
		isFile  bool
	)

	switch u.Scheme {
	case "", "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, fmt.Errorf("image: %w", err)
		}

		storage = &FileStorage{File: f}
		isFile = true

	case "http", "https":
		storage = &HTTPStorage{URL: u.String()}

	default:
		return nil, fmt.Errorf("image: %s: unsupported scheme %q", loc, u.Scheme)
	}

	switch p := u.Path; {
	case strings.HasSuffix(p, ".img"), strings.HasSuffix(p, ".fat"):
		if !isFile {
			return nil, fmt.Errorf("image: %s: disk images must be local files", loc)
		}

		storage.(*FileStorage).File.Close()
		return FAT{Path: u.Path}, nil

	case strings.HasSuffix(p, ".cpio"), strings.HasSuffix(p, ".cpio.gz"):
		return CPIO{Storage: storage}, nil
	}

	return Raw{Name: name, Storage: storage}, nil
}
