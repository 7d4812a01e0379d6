// Package sumstats reads user-submitted GWAS summary-statistics files:
// it detects the file encoding, parses rows through a configurable column
// mapping, and validates the ordering rules the normalized store relies on.
package sumstats

import (
	"github.com/grailbio/gwas/ingesterr"
	"github.com/mitchellh/mapstructure"
)

// Opts is the column mapping supplied by the uploader.  All column indices
// are 1-based; 0 marks an optional column as absent.
type Opts struct {
	ChromCol  int `mapstructure:"chrom_col" yaml:"chrom_col"`
	PosCol    int `mapstructure:"pos_col" yaml:"pos_col"`
	RefCol    int `mapstructure:"ref_col" yaml:"ref_col"`
	AltCol    int `mapstructure:"alt_col" yaml:"alt_col"`
	PValueCol int `mapstructure:"pvalue_col" yaml:"pvalue_col"`
	// IsNegLogPValue is set when the p-value column already holds -log10(p).
	IsNegLogPValue bool `mapstructure:"is_neg_log_pvalue" yaml:"is_neg_log_pvalue"`

	BetaCol        int `mapstructure:"beta_col" yaml:"beta_col"`
	StdErrCol      int `mapstructure:"stderr_col" yaml:"stderr_col"`
	AlleleFreqCol  int `mapstructure:"allele_freq_col" yaml:"allele_freq_col"`
	AlleleCountCol int `mapstructure:"allele_count_col" yaml:"allele_count_col"`

	// Delimiter separates fields.  If empty, it is guessed from the first
	// lines of the file.
	Delimiter string `mapstructure:"delimiter" yaml:"delimiter"`
	// SkipRows is the number of header lines to ignore.
	SkipRows int `mapstructure:"skip_rows" yaml:"skip_rows"`
	// MaxBadLines is the largest number of unparseable rows tolerated before
	// the whole file is rejected.
	MaxBadLines int `mapstructure:"max_bad_lines" yaml:"max_bad_lines"`
}

// DefaultOpts matches the standard "#chrom pos ref alt pvalue" layout.
var DefaultOpts = Opts{
	ChromCol:    1,
	PosCol:      2,
	RefCol:      3,
	AltCol:      4,
	PValueCol:   5,
	Delimiter:   "\t",
	SkipRows:    1,
	MaxBadLines: 100,
}

// OptsFromMap decodes the loosely typed parser options stored by the calling
// system (e.g. {"chrom_col": 1, "is_neg_log_pvalue": "true"}) on top of
// DefaultOpts.
func OptsFromMap(m map[string]interface{}) (Opts, error) {
	opts := DefaultOpts
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(m); err != nil {
		return opts, ingesterr.E(ingesterr.ValidationFailed, "Invalid parser options: %v", err)
	}
	return opts, nil
}

// Check verifies the column mapping itself: required columns are set,
// no index is negative, and no two fields share a column.
func (o *Opts) Check() error {
	required := []struct {
		name string
		col  int
	}{
		{"chrom_col", o.ChromCol},
		{"pos_col", o.PosCol},
		{"ref_col", o.RefCol},
		{"alt_col", o.AltCol},
		{"pvalue_col", o.PValueCol},
	}
	seen := map[int]string{}
	for _, r := range required {
		if r.col < 1 {
			return ingesterr.E(ingesterr.ValidationFailed, "Column mapping: %s must be a 1-based column index, got %d", r.name, r.col)
		}
		if prev, ok := seen[r.col]; ok {
			return ingesterr.E(ingesterr.ValidationFailed, "Column mapping: %s and %s both use column %d", prev, r.name, r.col)
		}
		seen[r.col] = r.name
	}
	optional := []struct {
		name string
		col  int
	}{
		{"beta_col", o.BetaCol},
		{"stderr_col", o.StdErrCol},
		{"allele_freq_col", o.AlleleFreqCol},
		{"allele_count_col", o.AlleleCountCol},
	}
	for _, r := range optional {
		if r.col < 0 {
			return ingesterr.E(ingesterr.ValidationFailed, "Column mapping: %s must not be negative, got %d", r.name, r.col)
		}
		if r.col == 0 {
			continue
		}
		if prev, ok := seen[r.col]; ok {
			return ingesterr.E(ingesterr.ValidationFailed, "Column mapping: %s and %s both use column %d", prev, r.name, r.col)
		}
		seen[r.col] = r.name
	}
	if o.SkipRows < 0 {
		return ingesterr.E(ingesterr.ValidationFailed, "skip_rows must not be negative")
	}
	return nil
}

func (o *Opts) maxCol() int {
	m := 0
	for _, c := range []int{o.ChromCol, o.PosCol, o.RefCol, o.AltCol, o.PValueCol,
		o.BetaCol, o.StdErrCol, o.AlleleFreqCol, o.AlleleCountCol} {
		if c > m {
			m = c
		}
	}
	return m
}
