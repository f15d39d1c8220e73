package image_test

import (
	"bytes"
	"compress/gzip"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c35s/gkvisor/image"
	"github.com/cavaliergopher/cpio"
	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
)

var kernel = bytes.Repeat([]byte("gkernel!"), 4096)

func writeCPIO(t *testing.T, compress bool) []byte {
	t.Helper()

	buf := new(bytes.Buffer)

	var zw *gzip.Writer
	var cw *cpio.Writer

	if compress {
		zw = gzip.NewWriter(buf)
		cw = cpio.NewWriter(zw)
	} else {
		cw = cpio.NewWriter(buf)
	}

	entries := []struct {
		hdr  cpio.Header
		body []byte
	}{
		{cpio.Header{Name: "sbin", Mode: cpio.TypeDir | 0755}, nil},
		{cpio.Header{Name: "sbin/other", Mode: 0644, Size: 3}, []byte("xyz")},
		{cpio.Header{Name: "sbin/gkernel", Mode: 0755, Size: int64(len(kernel))}, kernel},
	}

	for _, e := range entries {
		hdr := e.hdr
		if err := cw.WriteHeader(&hdr); err != nil {
			t.Fatal(err)
		}

		if _, err := cw.Write(e.body); err != nil {
			t.Fatal(err)
		}
	}

	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}

	if zw != nil {
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}
	}

	return buf.Bytes()
}

func TestCPIO(t *testing.T) {
	for _, compress := range []bool{false, true} {
		src := image.CPIO{Storage: &image.MemStorage{Bytes: writeCPIO(t, compress)}}

		got, err := src.ReadFile("/sbin/gkernel")
		if err != nil {
			t.Fatalf("compress=%v: %v", compress, err)
		}

		if !bytes.Equal(got, kernel) {
			t.Errorf("compress=%v: wrong contents", compress)
		}

		if _, err := src.ReadFile("/sbin/missing"); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("compress=%v: error isn't ErrNotExist: %v", compress, err)
		}
	}
}

func TestFAT(t *testing.T) {
	p := filepath.Join(t.TempDir(), "disk.img")

	d, err := diskfs.Create(p, 64<<20, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		t.Fatal(err)
	}

	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: "GKVISOR",
	})

	if err != nil {
		t.Fatal(err)
	}

	if err := fs.Mkdir("/sbin"); err != nil {
		t.Fatal(err)
	}

	fh, err := fs.OpenFile("/sbin/gkernel", os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := fh.Write(kernel); err != nil {
		t.Fatal(err)
	}

	d.File.Close()

	src := image.FAT{Path: p}

	got, err := src.ReadFile("/sbin/gkernel")
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, kernel) {
		t.Error("wrong contents")
	}

	if _, err := src.ReadFile("/sbin/missing"); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestRawHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "gkernel.bin", time.Time{}, bytes.NewReader(kernel))
	}))

	defer srv.Close()

	src, err := image.Open(srv.URL+"/gkernel.bin", "/sbin/gkernel")
	if err != nil {
		t.Fatal(err)
	}

	got, err := src.ReadFile("/sbin/gkernel")
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, kernel) {
		t.Error("wrong contents")
	}

	if _, err := src.ReadFile("/sbin/other"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error isn't ErrNotExist: %v", err)
	}
}

func TestOpenByExtension(t *testing.T) {
	dir := t.TempDir()

	archive := filepath.Join(dir, "initrd.cpio.gz")
	if err := os.WriteFile(archive, writeCPIO(t, true), 0o600); err != nil {
		t.Fatal(err)
	}

	src, err := image.Open(archive, "/sbin/gkernel")
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := src.(image.CPIO); !ok {
		t.Fatalf("%T is not a CPIO source", src)
	}

	got, err := src.ReadFile("/sbin/gkernel")
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, kernel) {
		t.Error("wrong contents")
	}

	if _, err := image.Open("ftp://example.com/k", "k"); err == nil {
		t.Error("expected an error for an unsupported scheme")
	}

	if _, err := image.Open(filepath.Join(dir, "missing.bin"), "k"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error isn't ErrNotExist: %v", err)
	}
}

func TestMemStorageShortRead(t *testing.T) {
	ms := &image.MemStorage{Bytes: []byte{1, 2, 3}}

	p := make([]byte, 4)
	n, err := ms.ReadAt(p, 1)
	if n != 2 || err == nil {
		t.Errorf("short read: n=%d err=%v", n, err)
	}
}
