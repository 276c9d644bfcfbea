// Package bundle reads the init bundle the root server maps at boot: a
// flat archive of files, each optionally compressed, packed behind a
// small master header and one variable-length entry header per file
// (spec.md §6.3). It is adapted from the teacher's cpio reader — same
// "parse the whole header table up front, hand back lazy per-file
// readers" shape — generalized from cpio's fixed 76-byte octal header
// to the bundle's binary, variable-length one.
package bundle

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/appsworld/kernelrt/types"
)

// File is one entry of an init bundle: its header plus enough to read
// its data lazily and, if compressed, only decompress it once.
type File struct {
	Name       string
	RawLength  uint32
	compressed bool

	off    uint32
	length uint32
	heap   io.ReaderAt

	once     sync.Once
	data     []byte
	decodeErr error
}

// Reader is a parsed init bundle: its master header plus a name-indexed
// table of files, mirroring the teacher's Reader.Files map.
type Reader struct {
	Header types.MasterHeader
	Files  map[string]*File

	r io.ReaderAt
}

// ReadCloser is a Reader that owns the *os.File it was opened from.
type ReadCloser struct {
	f *os.File
	Reader
}

// Open opens the init bundle at name from disk.
func Open(name string) (*ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	rc := new(ReadCloser)
	if err := rc.init(f, fi.Size()); err != nil {
		f.Close()
		return nil, err
	}
	rc.f = f
	return rc, nil
}

// NewReader parses an init bundle already held in memory or mapped via
// an arbitrary io.ReaderAt (the root server's normal path: the bundle
// arrives as a kernel region, not a file).
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	if size < types.BundleHeaderSize {
		return nil, fmt.Errorf("bundle: too short to hold a master header (%d bytes)", size)
	}
	br := new(Reader)
	if err := br.init(r, size); err != nil {
		return nil, err
	}
	return br, nil
}

func (rc *ReadCloser) Close() error {
	if rc.f != nil {
		return rc.f.Close()
	}
	return nil
}

func (r *Reader) init(rdr io.ReaderAt, size int64) error {
	hdrBuf := make([]byte, types.BundleHeaderSize)
	if _, err := rdr.ReadAt(hdrBuf, 0); err != nil {
		return fmt.Errorf("bundle: reading master header: %w", err)
	}
	mh, err := types.ParseMasterHeader(hdrBuf)
	if err != nil {
		return err
	}
	if int64(mh.TotalLen) > size {
		return types.ErrBundleTruncated
	}

	r.r = rdr
	r.Header = *mh
	r.Files = make(map[string]*File, mh.NumFiles)

	// The entry header table immediately follows the master header, up
	// to HeaderLen bytes total; file data begins at the 16-byte-aligned
	// boundary past it (spec.md §6.3).
	tableBuf := make([]byte, mh.HeaderLen-types.BundleHeaderSize)
	if _, err := rdr.ReadAt(tableBuf, int64(types.BundleHeaderSize)); err != nil {
		return fmt.Errorf("bundle: reading entry header table: %w", err)
	}

	pos := 0
	for i := uint32(0); i < mh.NumFiles; i++ {
		if pos >= len(tableBuf) {
			return fmt.Errorf("bundle: entry header table truncated at file %d of %d", i, mh.NumFiles)
		}
		eh, n, err := types.ParseEntryHeader(tableBuf[pos:])
		if err != nil {
			return fmt.Errorf("bundle: entry %d: %w", i, err)
		}
		pos += n

		if int64(eh.DataOffset)+int64(eh.DataLength) > size {
			return fmt.Errorf("bundle: entry %q data range [%d,%d) exceeds bundle size %d",
				eh.Name, eh.DataOffset, eh.DataOffset+eh.DataLength, size)
		}

		r.Files[eh.Name] = &File{
			Name:       eh.Name,
			RawLength:  eh.RawLength,
			compressed: eh.Compressed(),
			off:        eh.DataOffset,
			length:     eh.DataLength,
			heap:       rdr,
		}
	}
	return nil
}

// Compressed reports whether the entry's stored bytes need decoding
// before use.
func (f *File) Compressed() bool { return f.compressed }

// OpenRaw returns a reader over the entry's stored bytes, without
// decompressing them — the form the dynamic linker and loader want when
// they can mmap the bundle and slice it directly.
func (f *File) OpenRaw() *io.SectionReader {
	return io.NewSectionReader(f.heap, int64(f.off), int64(f.length))
}

// Contents returns the entry's fully decompressed bytes, decompressing
// at most once and caching the result — multiple callers asking for the
// same file (a library needed by more than one loaded object) share the
// decode (spec.md §4.6's shared-library loading shares a single
// in-memory copy, this is the bundle-read side of the same idea).
func (f *File) Contents() ([]byte, error) {
	f.once.Do(func() {
		raw := make([]byte, f.length)
		if _, err := f.heap.ReadAt(raw, int64(f.off)); err != nil {
			f.decodeErr = fmt.Errorf("bundle: reading %q: %w", f.Name, err)
			return
		}
		if !f.compressed {
			f.data = raw
			return
		}
		if f.RawLength == 0 {
			// spec.md §8: a compressed entry with raw_len == 0 yields an
			// empty span rather than being run through the decompressor,
			// which would otherwise choke on a frame with nothing in it.
			f.data = []byte{}
			return
		}
		dec, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			f.decodeErr = fmt.Errorf("bundle: opening decompressor for %q: %w", f.Name, err)
			return
		}
		defer dec.Close()
		out := make([]byte, 0, f.RawLength)
		buf := bytes.NewBuffer(out)
		if _, err := io.Copy(buf, dec); err != nil {
			f.decodeErr = fmt.Errorf("bundle: decompressing %q: %w", f.Name, err)
			return
		}
		f.data = buf.Bytes()
	})
	return f.data, f.decodeErr
}
