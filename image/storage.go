package image

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
)

// BlockStorage is read-only block storage: a sized io.ReaderAt.
type BlockStorage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// MemStorage is block storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is block storage backed by a file.
type FileStorage struct {
	File *os.File
}

// HTTPStorage is block storage backed by an HTTP URL.
// The server must support HEAD requests and GET requests with a Range header.
type HTTPStorage struct {
	URL    string
	Client *http.Client
}

// ReadAt copies from the backing slice at off into p.
func (ms *MemStorage) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off > int64(len(ms.Bytes)) {
		return 0, io.EOF
	}

	n = copy(p, ms.Bytes[off:])
	if n < len(p) {
		err = io.EOF
	}

	return
}

// Size returns the size of the backing slice in bytes.
func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

// ReadAt reads from the backing file.
func (fs *FileStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return fs.File.ReadAt(p, off)
}

// Size stats the backing file and returns its size in bytes.
func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func (hs *HTTPStorage) client() *http.Client {
	if hs.Client != nil {
		return hs.Client
	}

	return http.DefaultClient
}

// ReadAt gets the backing URL with a Range header generated from off and len(p).
func (hs *HTTPStorage) ReadAt(p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	res, err := hs.client().Do(req)
	if err != nil {
		return
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("http storage request failed: GET %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusPartialContent)
	}

	n, err = io.ReadFull(res.Body, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}

	return
}

// Size sends a HEAD request to the backing URL and parses the Content-Length response header.
func (hs *HTTPStorage) Size() (int64, error) {
	res, err := hs.client().Head(hs.URL)
	if err != nil {
		return 0, err
	}

	res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("http storage request failed: HEAD %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusOK)
	}

	cl := res.Header.Get("content-length")
	return strconv.ParseInt(cl, 10, 64)
}

// Raw serves a single file stored directly on block storage.
type Raw struct {

	// Name is the only name Raw answers to.
	Name string

	Storage BlockStorage
}

// ReadFile returns the whole storage if name is r.Name.
func (r Raw) ReadFile(name string) ([]byte, error) {
	if name != r.Name {
		return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}

	sz, err := r.Storage.Size()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, sz)
	if _, err := r.Storage.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}

	return buf, nil
}
