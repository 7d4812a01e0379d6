package ingest

import (
	"context"

	"github.com/grailbio/base/log"
	"github.com/grailbio/gwas/encoding/store"
	"github.com/grailbio/gwas/encoding/sumstats"
	"github.com/grailbio/gwas/variant"
)

// Normalize validates the upload at src and writes it as a normalized store
// at dst in the same pass.  onBad, if non-nil, sees every skipped row.  If
// any rule fails, nothing is left at dst.
func Normalize(ctx context.Context, src, dst string, opts sumstats.Opts, onBad func(sumstats.BadLine)) (sumstats.Summary, error) {
	var sum sumstats.Summary
	if err := opts.Check(); err != nil {
		return sum, err
	}
	format, err := sumstats.Inspect(ctx, src)
	if err != nil {
		return sum, err
	}
	sum.Format = format
	in, err := sumstats.Open(ctx, src, format)
	if err != nil {
		return sum, err
	}
	defer in.Close() // nolint: errcheck
	sc, err := sumstats.NewScanner(in, opts)
	if err != nil {
		return sum, err
	}
	sc.OnBadLine = onBad
	w, err := store.Create(ctx, dst, store.WriteOpts{NegLog: opts.IsNegLogPValue})
	if err != nil {
		return sum, err
	}
	var (
		val sumstats.Validator
		v   variant.Variant
	)
	fail := func(err error) (sumstats.Summary, error) {
		sum.Rows = val.Rows()
		sum.BadLines = sc.BadLines()
		sum.NumBadLines = sc.NumBadLines()
		w.Abort()
		return sum, err
	}
	for sc.Scan(&v) {
		if err := val.Observe(&v); err != nil {
			return fail(err)
		}
		if err := w.Append(&v); err != nil {
			return fail(err)
		}
	}
	if err := sc.Err(); err != nil {
		return fail(err)
	}
	if err := val.Finish(); err != nil {
		return fail(err)
	}
	sum.Rows = val.Rows()
	sum.BadLines = sc.BadLines()
	sum.NumBadLines = sc.NumBadLines()
	if err := w.Close(); err != nil {
		return sum, err
	}
	log.Printf("normalize %s: %d rows, %d skipped, format %v", src, sum.Rows, sum.NumBadLines, format)
	return sum, nil
}
