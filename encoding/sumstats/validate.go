package sumstats

import (
	"context"

	"github.com/grailbio/gwas/ingesterr"
	"github.com/grailbio/gwas/variant"
)

// ValidateChromosome rejects chromosome tokens outside the whitelist.  This
// also bounds the per-chromosome state the indexer keeps.
func ValidateChromosome(chrom string) error {
	if !variant.KnownChrom(chrom) {
		return ingesterr.E(ingesterr.ValidationFailed, "File contains an unexpected chromosome: %s", chrom)
	}
	return nil
}

// ValidateNonEmpty requires at least one data row.
func ValidateNonEmpty(rows int) error {
	if rows == 0 {
		return ingesterr.E(ingesterr.ValidationFailed, "File must contain at least one row of data")
	}
	return nil
}

// SortChecker verifies that records arrive grouped by chromosome, with every
// chromosome forming one contiguous block, and non-decreasing by position
// within a chromosome.
type SortChecker struct {
	started bool
	chrom   string
	pos     uint32
	closed  map[string]bool
}

// Check accepts the next (chrom, pos) pair in file order.
func (c *SortChecker) Check(chrom string, pos uint32) error {
	if !c.started {
		c.started = true
		c.closed = map[string]bool{}
		c.chrom, c.pos = chrom, pos
		return nil
	}
	if chrom != c.chrom {
		if c.closed[chrom] {
			return ingesterr.E(ingesterr.ValidationFailed,
				"Chromosomes must be contiguous: %s:%d follows %s:%d, but chromosome %s appeared earlier in the file",
				chrom, pos, c.chrom, c.pos, chrom)
		}
		c.closed[c.chrom] = true
		c.chrom, c.pos = chrom, pos
		return nil
	}
	if pos < c.pos {
		return ingesterr.E(ingesterr.ValidationFailed,
			"Positions must be sorted prior to uploading: %s:%d follows %s:%d", chrom, pos, c.chrom, c.pos)
	}
	c.pos = pos
	return nil
}

// Validator applies every per-record rule in a single streaming pass.
type Validator struct {
	sort SortChecker
	rows int
}

// Observe checks the next record in file order.
func (v *Validator) Observe(rec *variant.Variant) error {
	if err := ValidateChromosome(rec.Chrom); err != nil {
		return err
	}
	if err := v.sort.Check(rec.Chrom, rec.Pos); err != nil {
		return err
	}
	v.rows++
	return nil
}

// Rows returns the number of records accepted so far.
func (v *Validator) Rows() int { return v.rows }

// Finish applies the whole-file rules once the input is exhausted.
func (v *Validator) Finish() error {
	return ValidateNonEmpty(v.rows)
}

// Summary describes a validated file.
type Summary struct {
	Format   Format
	Rows     int
	BadLines []BadLine
	// NumBadLines may exceed len(BadLines) only when the scan failed.
	NumBadLines int
}

// Validate checks the file at path without writing anything: encoding,
// column mapping, every row, and ordering.  It reads the file once.
func Validate(ctx context.Context, path string, opts Opts) (Summary, error) {
	var sum Summary
	format, err := Inspect(ctx, path)
	if err != nil {
		return sum, err
	}
	sum.Format = format
	if err := opts.Check(); err != nil {
		return sum, err
	}
	in, err := Open(ctx, path, format)
	if err != nil {
		return sum, err
	}
	defer in.Close() // nolint: errcheck
	sc, err := NewScanner(in, opts)
	if err != nil {
		return sum, err
	}
	var (
		val Validator
		rec variant.Variant
	)
	for sc.Scan(&rec) {
		if err := val.Observe(&rec); err != nil {
			return sum, err
		}
	}
	sum.Rows = val.Rows()
	sum.BadLines = sc.BadLines()
	sum.NumBadLines = sc.NumBadLines()
	if err := sc.Err(); err != nil {
		return sum, err
	}
	return sum, val.Finish()
}
