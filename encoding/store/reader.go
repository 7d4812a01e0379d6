package store

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/gwas/encoding/sumstats"
	"github.com/grailbio/gwas/variant"
	"github.com/grailbio/hts/bgzf"
	"github.com/pkg/errors"
)

// Reader serves records from a finished store.  Its methods are safe for
// concurrent use; each call reads through its own file handle.
type Reader struct {
	path  string
	index *Index
	opts  sumstats.Opts
}

// columnOpts maps the store's fixed layout onto the row parser.
func columnOpts(negLog bool) sumstats.Opts {
	return sumstats.Opts{
		ChromCol:       1,
		PosCol:         2,
		RefCol:         3,
		AltCol:         4,
		PValueCol:      5,
		IsNegLogPValue: negLog,
		BetaCol:        6,
		StdErrCol:      7,
		AlleleFreqCol:  8,
		AlleleCountCol: 9,
		Delimiter:      "\t",
	}
}

// Open loads the index of the store at path and checks its header.
func Open(ctx context.Context, path string) (*Reader, error) {
	idx, err := readIndexFile(ctx, path+IndexSuffix)
	if err != nil {
		return nil, err
	}
	r := &Reader{path: path, index: idx}
	c, err := r.open(ctx)
	if err != nil {
		return nil, err
	}
	defer c.close()
	header, err := c.br.ReadString('\n')
	if err != nil {
		return nil, errors.Wrapf(err, "read header of %s", path)
	}
	header = strings.TrimRight(header, "\n")
	switch header {
	case headerPrefix + pvalueColumn + "\t" + optionalColumns:
		r.opts = columnOpts(false)
	case headerPrefix + negLogPColumn + "\t" + optionalColumns:
		r.opts = columnOpts(true)
	default:
		return nil, fmt.Errorf("%s: not a normalized store, header %q", path, header)
	}
	return r, nil
}

func readIndexFile(ctx context.Context, path string) (idx *Index, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "open index %s", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	idx, err = ReadIndex(in.Reader(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "read index %s", path)
	}
	return idx, nil
}

// Index returns the store's index.
func (r *Reader) Index() *Index { return r.index }

// NegLog reports whether the store holds neg-log p-values.
func (r *Reader) NegLog() bool { return r.opts.IsNegLogPValue }

// Chroms lists the store's chromosomes in store order.
func (r *Reader) Chroms() []string { return r.index.Chroms }

type cursor struct {
	ctx context.Context
	in  file.File
	bg  *bgzf.Reader
	br  *bufio.Reader
}

func (r *Reader) open(ctx context.Context) (*cursor, error) {
	in, err := file.Open(ctx, r.path)
	if err != nil {
		return nil, errors.Wrapf(err, "open store %s", r.path)
	}
	bg, err := bgzf.NewReader(in.Reader(ctx), 1)
	if err != nil {
		_ = in.Close(ctx)
		return nil, errors.Wrapf(err, "open store %s", r.path)
	}
	return &cursor{ctx: ctx, in: in, bg: bg, br: bufio.NewReaderSize(bg, 64<<10)}, nil
}

func (c *cursor) seek(voffset uint64) error {
	if err := c.bg.Seek(bgzf.Offset{File: int64(voffset >> 16), Block: uint16(voffset & 0xffff)}); err != nil {
		return err
	}
	c.br.Reset(c.bg)
	return nil
}

func (c *cursor) close() {
	_ = c.bg.Close()
	_ = c.in.Close(c.ctx)
}

// next parses the following data line into v.  It returns io.EOF at the
// end of the store.
func (r *Reader) next(c *cursor, v *variant.Variant, fields []string) ([]string, error) {
	for {
		line, err := c.br.ReadString('\n')
		if err == io.EOF && line == "" {
			return fields, io.EOF
		}
		if err != nil && err != io.EOF {
			return fields, errors.Wrapf(err, "read store %s", r.path)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" || line[0] == '#' {
			continue
		}
		fields = append(fields[:0], strings.Split(line, "\t")...)
		if err := sumstats.ParseFields(fields, &r.opts, v); err != nil {
			return fields, errors.Wrapf(err, "%s: corrupt record %q", r.path, line)
		}
		return fields, nil
	}
}

// Fetch returns the records on chrom with start <= pos <= end, in store
// order.  A chromosome the store does not contain yields no records and no
// error.
func (r *Reader) Fetch(ctx context.Context, chrom string, start, end uint32) ([]variant.Variant, error) {
	chrom = variant.NormalizeChrom(chrom)
	voffset, ok := r.index.Offset(chrom, start)
	if !ok || end < start {
		return []variant.Variant{}, nil
	}
	c, err := r.open(ctx)
	if err != nil {
		return nil, err
	}
	defer c.close()
	if err := c.seek(voffset); err != nil {
		return nil, errors.Wrapf(err, "seek store %s", r.path)
	}
	var (
		out    = []variant.Variant{}
		v      variant.Variant
		fields []string
	)
	for {
		if fields, err = r.next(c, &v, fields); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		if v.Chrom != chrom || v.Pos > end {
			break
		}
		if v.Pos >= start {
			out = append(out, v)
		}
	}
	return out, nil
}

// Scan calls fn for every record in store order.  The variant passed to fn
// is reused between calls.  Scan stops at the first error fn returns.
func (r *Reader) Scan(ctx context.Context, fn func(v *variant.Variant) error) error {
	c, err := r.open(ctx)
	if err != nil {
		return err
	}
	defer c.close()
	var (
		v      variant.Variant
		fields []string
	)
	for {
		if fields, err = r.next(c, &v, fields); err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if err := fn(&v); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
