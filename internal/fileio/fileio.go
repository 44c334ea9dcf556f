// Package fileio binds the view codec to compressed byte streams on disk.
// The compression scheme is chosen from the filename extension: .gz for
// gzip, .zst for zstd, anything else is written uncompressed. This is the
// on-disk form of the wire format used by the archiver.
package fileio

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/view-exchange/internal/codec"
	"github.com/route-beacon/view-exchange/internal/view"
)

// DefaultCompressLevel matches gzip's default and is a reasonable zstd
// level as well.
const DefaultCompressLevel = 6

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ViewWriter writes framed views to one output file.
type ViewWriter struct {
	f    *os.File
	c    io.WriteCloser
	path string
}

// NewViewWriter creates (truncating) the file at path and layers the
// extension-selected compressor over it.
func NewViewWriter(path string, level int) (*ViewWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("fileio: create %s: %w", path, err)
	}

	var c io.WriteCloser
	switch {
	case strings.HasSuffix(path, ".gz"):
		c, err = gzip.NewWriterLevel(f, level)
	case strings.HasSuffix(path, ".zst"):
		c, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	default:
		c = nopWriteCloser{f}
	}
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("fileio: compressor for %s: %w", path, err)
	}

	return &ViewWriter{f: f, c: c, path: path}, nil
}

// Path returns the filename the writer was opened with.
func (w *ViewWriter) Path() string { return w.path }

// WriteView appends one sync frame to the file.
func (w *ViewWriter) WriteView(v *view.View, f *codec.WriteFilter) error {
	return codec.WriteView(w.c, v, f)
}

// Close flushes the compressor and closes the file.
func (w *ViewWriter) Close() error {
	cerr := w.c.Close()
	ferr := w.f.Close()
	if cerr != nil {
		return fmt.Errorf("fileio: close compressor: %w", cerr)
	}
	if ferr != nil {
		return fmt.Errorf("fileio: close %s: %w", w.path, ferr)
	}
	return nil
}

// ViewReader reads framed views back from a file written by ViewWriter.
type ViewReader struct {
	f   *os.File
	c   io.ReadCloser
	dec *codec.Reader
}

// NewViewReader opens the file at path with the extension-selected
// decompressor.
func NewViewReader(path string) (*ViewReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fileio: open %s: %w", path, err)
	}

	var c io.ReadCloser
	switch {
	case strings.HasSuffix(path, ".gz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("fileio: gzip %s: %w", path, err)
		}
		c = gz
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("fileio: zstd %s: %w", path, err)
		}
		c = zr.IOReadCloser()
	default:
		c = io.NopCloser(f)
	}

	return &ViewReader{f: f, c: c, dec: codec.NewReader(c)}, nil
}

// ReadView reads the next view from the file into v. Returns io.EOF at the
// clean end of the file.
func (r *ViewReader) ReadView(v *view.View, f *codec.ReadFilter) error {
	return r.dec.ReadView(v, f)
}

// Close releases the decompressor and the file.
func (r *ViewReader) Close() error {
	r.c.Close()
	return r.f.Close()
}
