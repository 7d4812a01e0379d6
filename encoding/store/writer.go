// Package store implements the normalized summary-statistics store: a
// block-gzipped, tab-separated file of variants in validated genomic order,
// plus a companion .gwi index (see Index) that supports range queries by
// (chromosome, start, end).
//
// Columns, in order:
//   chrom pos ref alt {pvalue|neg_log_pvalue} beta stderr_beta alt_allele_freq allele_count
// The significance column holds whichever value the upload provided, and the
// header line names it; missing optional values are written as ".".
package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/gwas/encoding/bgzf"
	"github.com/grailbio/gwas/variant"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"gopkg.in/guregu/null.v3"
)

// IndexSuffix is appended to a store path to name its index.
const IndexSuffix = ".gwi"

const (
	pvalueColumn    = "pvalue"
	negLogPColumn   = "neg_log_pvalue"
	missingValue    = "."
	headerPrefix    = "#chrom\tpos\tref\talt\t"
	optionalColumns = "beta\tstderr_beta\talt_allele_freq\tallele_count"
)

// WriteOpts configures a Writer.
type WriteOpts struct {
	// NegLog selects the significance column: neg_log_pvalue if set,
	// pvalue otherwise.  Every appended variant must match.
	NegLog bool
	// IndexInterval is the approximate number of compressed bytes between
	// index entries.  Zero means DefaultIndexInterval.
	IndexInterval int
	// Level is the gzip compression level.  Zero means
	// gzip.DefaultCompression.
	Level int
}

// Writer creates a normalized store.  Variants must be appended in store
// order: chromosomes contiguous, positions non-decreasing.  Nothing is
// usable until Close succeeds; Abort removes whatever was written.
type Writer struct {
	ctx   context.Context
	path  string
	opts  WriteOpts
	out   file.File
	bgzf  *bgzf.Writer
	tsv   *tsv.Writer
	index *indexBuilder
	rows  int
	err   error
}

// Create starts a new store at path.  The index is written to
// path+IndexSuffix by Close.
func Create(ctx context.Context, path string, opts WriteOpts) (*Writer, error) {
	if opts.IndexInterval == 0 {
		opts.IndexInterval = DefaultIndexInterval
	}
	if opts.Level == 0 {
		opts.Level = gzip.DefaultCompression
	}
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "create store %s", path)
	}
	bw, err := bgzf.NewWriter(out.Writer(ctx), opts.Level)
	if err != nil {
		_ = out.Close(ctx)
		return nil, err
	}
	w := &Writer{
		ctx:   ctx,
		path:  path,
		opts:  opts,
		out:   out,
		bgzf:  bw,
		tsv:   tsv.NewWriter(bw),
		index: newIndexBuilder(opts.IndexInterval),
	}
	col := pvalueColumn
	if opts.NegLog {
		col = negLogPColumn
	}
	w.tsv.WriteString(headerPrefix + col + "\t" + optionalColumns)
	if err := w.endLine(); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

func (w *Writer) endLine() error {
	if err := w.tsv.EndLine(); err != nil {
		return err
	}
	// Flush so the bgzf writer's voffset reflects every byte written.
	return w.tsv.Flush()
}

// Append adds the next variant.
func (w *Writer) Append(v *variant.Variant) error {
	if w.err != nil {
		return w.err
	}
	if v.Sig.IsNegLog() != w.opts.NegLog {
		w.err = fmt.Errorf("store: significance of %v does not match the store's %s column", v, w.sigColumn())
		return w.err
	}
	// A new chromosome starts a new bgzf member.
	if n := len(w.index.idx.Chroms); n > 0 && w.index.idx.Chroms[n-1] != v.Chrom {
		if w.err = w.bgzf.Flush(); w.err != nil {
			return w.err
		}
	}
	if w.err = w.index.add(v.Chrom, v.Pos, w.bgzf.VOffset()); w.err != nil {
		return w.err
	}
	w.tsv.WriteString(v.Chrom)
	w.tsv.WriteUint32(v.Pos)
	w.tsv.WriteString(v.Ref)
	w.tsv.WriteString(v.Alt)
	w.tsv.WriteString(formatFloat(v.Sig.Stored()))
	for _, f := range []null.Float{v.Beta, v.StdErr, v.AltFreq, v.AlleleCount} {
		if f.Valid {
			w.tsv.WriteString(formatFloat(f.Float64))
		} else {
			w.tsv.WriteString(missingValue)
		}
	}
	if w.err = w.endLine(); w.err != nil {
		return w.err
	}
	w.rows++
	return nil
}

func (w *Writer) sigColumn() string {
	if w.opts.NegLog {
		return negLogPColumn
	}
	return pvalueColumn
}

// Rows returns the number of variants appended.
func (w *Writer) Rows() int { return w.rows }

// Index returns the index built so far.
func (w *Writer) Index() *Index { return &w.index.idx }

// Close finishes the store and writes its index.
func (w *Writer) Close() (err error) {
	if w.err != nil {
		w.Abort()
		return w.err
	}
	if err = w.bgzf.Close(); err != nil {
		w.Abort()
		return errors.Wrapf(err, "close store %s", w.path)
	}
	if err = w.out.Close(w.ctx); err != nil {
		_ = file.Remove(w.ctx, w.path)
		return errors.Wrapf(err, "close store %s", w.path)
	}
	indexPath := w.path + IndexSuffix
	out, err := file.Create(w.ctx, indexPath)
	if err != nil {
		_ = file.Remove(w.ctx, w.path)
		return errors.Wrapf(err, "create index %s", indexPath)
	}
	err = WriteIndex(out.Writer(w.ctx), &w.index.idx)
	if e := out.Close(w.ctx); e != nil && err == nil {
		err = e
	}
	if err != nil {
		_ = file.Remove(w.ctx, w.path)
		_ = file.Remove(w.ctx, indexPath)
		return errors.Wrapf(err, "write index %s", indexPath)
	}
	log.Debug.Printf("store %s: %d rows, %d chromosomes, %d index entries",
		w.path, w.rows, len(w.index.idx.Chroms), len(w.index.idx.Entries))
	return nil
}

// Abort abandons the store and removes anything already written.
func (w *Writer) Abort() {
	if err := w.out.Close(w.ctx); err != nil {
		log.Debug.Printf("store %s: close on abort: %v", w.path, err)
	}
	if err := file.Remove(w.ctx, w.path); err != nil {
		log.Debug.Printf("store %s: remove on abort: %v", w.path, err)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
