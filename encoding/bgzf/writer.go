// Package bgzf writes the block-gzip container used for normalized
// summary-statistics stores.  A .bgzf file is a concatenation of complete
// gzip members, each holding at most 64KB of payload and at most 64KB of
// compressed data, followed by a 28-byte empty member acting as an EOF
// marker.  Because every member restarts compression, a reader can seek to
// any member boundary; a position inside the payload is addressed by a
// virtual offset, (member file offset << 16) | (offset within the member).
//
// For the format details see the SAM/BAM spec:
// https://samtools.github.io/hts-specs/SAMv1.pdf
//
// Example:
//   var buf bytes.Buffer
//   w, err := NewWriter(&buf, gzip.DefaultCompression)
//   voff := w.VOffset()  // where the next record starts
//   n, err := w.Write([]byte("1\t100\tA\tC\t0.5\n"))
//   err = w.Close()
package bgzf

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"v.io/x/lib/vlog"
)

const (
	// DefaultUncompressedBlockSize is the member payload size used by
	// samtools, sambamba and biogo.
	DefaultUncompressedBlockSize = 0x0ff00

	// MaxUncompressedBlockSize is the largest legal member payload.
	MaxUncompressedBlockSize = 0x10000

	// compressedBlockSize bounds the compressed size of one member.
	compressedBlockSize = 0x10000
)

var (
	// bgzfExtra goes into the gzip Extra field: subfield id 'B','C', length
	// 2, then BSIZE (total member size - 1), patched after compression.
	bgzfExtra       = [...]byte{66, 67, 2, 0, 0, 0}
	bgzfExtraPrefix = [...]byte{66, 67, 2, 0}

	// terminator is the empty member that ends a well-formed file.
	terminator = []byte{
		0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x06, 0x00, 0x42, 0x43,
		0x02, 0x00, 0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)

// memberFactory hands out a gzip writer for each new member, reusing one
// compressor via Reset.
type memberFactory struct {
	level int
	gz    *gzip.Writer
}

func (f *memberFactory) create(w io.Writer) (io.WriteCloser, error) {
	if f.gz == nil {
		var err error
		if f.gz, err = gzip.NewWriterLevel(w, f.level); err != nil {
			return nil, err
		}
	} else {
		f.gz.Reset(w)
	}
	f.gz.Header.Extra = make([]byte, len(bgzfExtra))
	copy(f.gz.Header.Extra, bgzfExtra[:])
	f.gz.Header.OS = 0xff // unknown
	return f.gz, nil
}

// Writer compresses a byte stream into .bgzf members.  Writer is not
// threadsafe.
type Writer struct {
	factory          memberFactory
	uncompressedSize int
	w                io.Writer
	original         bytes.Buffer
	compressed       bytes.Buffer
	coffset          uint64 // file offset of the member being filled
	members          int
}

// NewWriter returns a Writer with the given gzip compression level and the
// default member size.
func NewWriter(w io.Writer, level int) (*Writer, error) {
	return NewWriterSize(w, level, DefaultUncompressedBlockSize)
}

// NewWriterSize is NewWriter with an explicit member payload size in
// (0, MaxUncompressedBlockSize].
func NewWriterSize(w io.Writer, level, uncompressedBlockSize int) (*Writer, error) {
	if uncompressedBlockSize <= 0 || uncompressedBlockSize > MaxUncompressedBlockSize {
		return nil, fmt.Errorf("bgzf: block size %d out of range (0, %d]", uncompressedBlockSize, MaxUncompressedBlockSize)
	}
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return nil, fmt.Errorf("bgzf: invalid compression level %d", level)
	}
	return &Writer{
		factory:          memberFactory{level: level},
		uncompressedSize: uncompressedBlockSize,
		w:                w,
	}, nil
}

// Write appends buf to the payload.
func (w *Writer) Write(buf []byte) (int, error) {
	for i := 0; i < len(buf); {
		end := len(buf)
		// Account for bytes left over from the previous call.
		if limit := i + w.uncompressedSize - w.original.Len(); limit < end {
			end = limit
		}
		n, _ := w.original.Write(buf[i:end])
		i += n
		if err := w.compress(false); err != nil {
			return i, err
		}
	}
	return len(buf), nil
}

// Flush ends the current member, if it holds any payload, so that the next
// byte written starts a new member at within-member offset 0.
func (w *Writer) Flush() error {
	return w.compress(true)
}

// Close flushes the pending member and appends the EOF terminator.  It does
// not close the underlying writer.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := w.w.Write(terminator)
	vlog.VI(1).Infof("bgzf: wrote %d members, %d bytes", w.members, w.coffset+uint64(len(terminator)))
	return err
}

// compress emits full members, and with remainder set, the partial one too.
func (w *Writer) compress(remainder bool) error {
	for w.original.Len() >= w.uncompressedSize || (remainder && w.original.Len() > 0) {
		gz, err := w.factory.create(&w.compressed)
		if err != nil {
			return err
		}
		if _, err := gz.Write(w.original.Next(w.uncompressedSize)); err != nil {
			return err
		}
		if err := gz.Close(); err != nil {
			return err
		}

		// Patch BSIZE with the member length - 1.
		b := w.compressed.Bytes()
		const extraOffset = 12
		bsize := len(b) - 1
		if bsize >= compressedBlockSize {
			return fmt.Errorf("bgzf: compressed member is too big: %d > %d", bsize, compressedBlockSize)
		}
		if len(b) < extraOffset+len(bgzfExtra) {
			vlog.Fatalf("bgzf: compressed length is too short: %d < %d", len(b), extraOffset+len(bgzfExtra))
		}
		if !bytes.Equal(b[extraOffset:extraOffset+len(bgzfExtraPrefix)], bgzfExtraPrefix[:]) {
			vlog.Fatalf("bgzf: could not find the extra field prefix")
		}
		b[extraOffset+4] = byte(bsize)
		b[extraOffset+5] = byte(bsize >> 8)

		sz := len(b)
		if _, err := w.compressed.WriteTo(w.w); err != nil {
			return err
		}
		w.coffset += uint64(sz)
		w.members++
	}
	return nil
}

// VOffset returns the virtual offset of the next byte to be written.
func (w *Writer) VOffset() uint64 {
	return w.coffset<<16 | uint64(w.original.Len())
}

// CompressedOffset returns the file offset at which the current member will
// start.
func (w *Writer) CompressedOffset() uint64 { return w.coffset }
