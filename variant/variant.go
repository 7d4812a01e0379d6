// Package variant defines the canonical GWAS summary-statistics record shared
// by the parser, the normalized store, and the plot summarizers.
package variant

import (
	"fmt"
	"math"

	"gopkg.in/guregu/null.v3"
)

// Significance holds the association strength of a variant.  Exactly one of
// the p-value or its negative base-10 logarithm is stored, whichever the input
// provided; the other is derived on demand.
type Significance struct {
	v   float64
	neg bool
}

// PValue returns a Significance backed by a raw p-value.
func PValue(p float64) Significance { return Significance{v: p} }

// NegLogPValue returns a Significance backed by -log10(p).
func NegLogPValue(q float64) Significance { return Significance{v: q, neg: true} }

// IsNegLog reports whether the stored value is -log10(p).
func (s Significance) IsNegLog() bool { return s.neg }

// Stored returns the value as it was supplied.
func (s Significance) Stored() float64 { return s.v }

// P returns the p-value.  A neg-log-p of +Inf yields exactly 0.
func (s Significance) P() float64 {
	if !s.neg {
		return s.v
	}
	if math.IsInf(s.v, 1) {
		return 0
	}
	return math.Pow(10, -s.v)
}

// NegLogP returns -log10(p).  A p-value of exactly 0 yields +Inf.
func (s Significance) NegLogP() float64 {
	if s.neg {
		return s.v
	}
	if s.v == 0 {
		return math.Inf(1)
	}
	return -math.Log10(s.v)
}

// Check verifies p ∈ [0, 1] (equivalently neg-log-p ∈ [0, +Inf]) and not NaN.
func (s Significance) Check() error {
	if math.IsNaN(s.v) {
		return fmt.Errorf("p-value is NaN")
	}
	if s.neg {
		if s.v < 0 {
			return fmt.Errorf("-log10(p) must be non-negative, got %v", s.v)
		}
		return nil
	}
	if s.v < 0 || s.v > 1 {
		return fmt.Errorf("p-value must be in [0, 1], got %v", s.v)
	}
	return nil
}

// Variant is one row of a GWAS summary-statistics file.  Pos is 1-based.
type Variant struct {
	Chrom string
	Pos   uint32
	Ref   string
	Alt   string
	Sig   Significance

	Beta        null.Float
	StdErr      null.Float
	AltFreq     null.Float
	AlleleCount null.Float
}

func (v *Variant) String() string {
	return fmt.Sprintf("%s:%d_%s/%s", v.Chrom, v.Pos, v.Ref, v.Alt)
}

// Less orders variants by significance: a is less significant than b.
func Less(a, b *Variant) bool {
	return a.Sig.NegLogP() < b.Sig.NegLogP()
}
