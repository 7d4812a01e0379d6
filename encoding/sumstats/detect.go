package sumstats

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/gwas/ingesterr"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
)

// Format is the encoding of an uploaded file, as determined from its content.
type Format int

const (
	// Unknown is any unsupported encoding.
	Unknown Format = iota
	// Text is plain delimited text.
	Text
	// Compressed is gzip-family content (plain gzip or bgzf) wrapping
	// delimited text.
	Compressed
)

func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case Compressed:
		return "gzip"
	}
	return "unknown"
}

// sniffLen is how many bytes of content are inspected.
const sniffLen = 512

// Sniff classifies the leading bytes of a file.  It returns the format and
// the detected mimetype.  Gzip content is only accepted if its decompressed
// head is itself text, so that e.g. a gzipped tarball is rejected.
func Sniff(head []byte) (Format, string) {
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	mimetype := http.DetectContentType(head)
	switch {
	case mimetype == "application/x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(head))
		if err != nil {
			return Unknown, mimetype
		}
		inner := make([]byte, sniffLen)
		n, _ := io.ReadFull(gz, inner)
		if n > 0 && isText(http.DetectContentType(inner[:n])) {
			return Compressed, "application/gzip"
		}
		return Unknown, mimetype
	case isText(mimetype):
		return Text, mimetype
	}
	return Unknown, mimetype
}

func isText(mimetype string) bool {
	return strings.HasPrefix(mimetype, "text/plain")
}

// Detect inspects the content at path and returns its format and mimetype.
// Files that are neither text nor gzipped text yield an UnsupportedFormat
// error.
func Detect(ctx context.Context, path string) (format Format, mimetype string, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return Unknown, "", err
	}
	defer file.CloseAndReport(ctx, in, &err)
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(in.Reader(ctx), head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Unknown, "", err
	}
	err = nil
	format, mimetype = Sniff(head[:n])
	if format == Unknown {
		return Unknown, mimetype, ingesterr.E(ingesterr.UnsupportedFormat, "Unsupported file encoding: %s", mimetype)
	}
	return format, mimetype, nil
}

// Inspect detects the format of the file at path and applies the mimetype
// rule to it.
func Inspect(ctx context.Context, path string) (Format, error) {
	format, mimetype, err := Detect(ctx, path)
	if err != nil {
		return Unknown, err
	}
	if err := ValidateMimetype(mimetype); err != nil {
		return Unknown, err
	}
	return format, nil
}

// ValidateMimetype accepts plain text and gzip-family mimetypes only.
func ValidateMimetype(mimetype string) error {
	switch {
	case mimetype == "application/gzip", mimetype == "application/x-gzip":
		return nil
	case strings.HasPrefix(mimetype, "text/"):
		return nil
	}
	return ingesterr.E(ingesterr.ValidationFailed, "Only plaintext or gzipped files are accepted (got %s)", mimetype)
}

type multiCloser struct {
	io.Reader
	closers []func() error
}

func (m *multiCloser) Close() error {
	var err error
	for _, c := range m.closers {
		if e := c(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Open returns the decompressed content of the file at path.
func Open(ctx context.Context, path string, format Format) (io.ReadCloser, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	mc := &multiCloser{
		Reader:  in.Reader(ctx),
		closers: []func() error{func() error { return in.Close(ctx) }},
	}
	switch format {
	case Text:
	case Compressed:
		gz, err := pgzip.NewReader(mc.Reader)
		if err != nil {
			_ = in.Close(ctx)
			return nil, ingesterr.E(ingesterr.UnsupportedFormat, "Could not read gzip content: %v", err)
		}
		mc.Reader = gz
		mc.closers = append([]func() error{gz.Close}, mc.closers...)
	default:
		_ = in.Close(ctx)
		return nil, ingesterr.E(ingesterr.UnsupportedFormat, "Unsupported file encoding: %v", format)
	}
	return mc, nil
}
