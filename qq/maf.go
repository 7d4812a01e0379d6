// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package qq

import (
	"math"

	"github.com/grailbio/gwas/ingesterr"
	"github.com/grailbio/gwas/variant"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// mafSigFigs is the precision of derived minor allele frequencies.
const mafSigFigs = 2

func fold(f float64) float64 { return math.Min(f, 1-f) }

// MAF derives the minor allele frequency of v.  Estimates are taken, in
// order, from the alternate allele frequency (folded to <= 0.5) and from the
// allele count over 2*numSamples (folded), the latter only when numSamples
// is positive.  ok is false when no estimate is available.  When there are
// several estimates they must all be <= 0.5 and agree within tolerance; the
// result is their mean rounded to two significant figures.
func MAF(v *variant.Variant, numSamples int, tolerance float64) (maf float64, ok bool, err error) {
	var mafs [2]float64
	n := 0
	if v.AltFreq.Valid {
		mafs[n] = fold(v.AltFreq.Float64)
		n++
	}
	if v.AlleleCount.Valid && numSamples > 0 {
		x := v.AlleleCount.Float64 / 2 / float64(numSamples)
		if x < 0 || x > 1 {
			return 0, false, ingesterr.E(ingesterr.ValidationFailed,
				"Variant %v: allele count %v is impossible for %d samples", v, v.AlleleCount.Float64, numSamples)
		}
		mafs[n] = fold(x)
		n++
	}
	switch n {
	case 0:
		return 0, false, nil
	case 1:
		return mafs[0], true, nil
	}
	est := mafs[:n]
	if floats.Max(est) > 0.5 {
		return 0, false, ingesterr.E(ingesterr.ValidationFailed,
			"Variant %v has a way of computing MAF that is > 0.5 (%v)", v, est)
	}
	if floats.Max(est)-floats.Min(est) > tolerance {
		return 0, false, ingesterr.E(ingesterr.ValidationFailed,
			"Variant %v has two ways of computing MAF, resulting in %v, which differ by more than %v", v, est, tolerance)
	}
	return roundSig(stat.Mean(est, nil), mafSigFigs), true, nil
}

// roundSig rounds x to the given number of significant digits.  Zero,
// infinities and NaN are returned unchanged.
func roundSig(x float64, digits int) float64 {
	if x == 0 || math.IsInf(x, 0) || math.IsNaN(x) {
		return x
	}
	exp := int(math.Floor(math.Log10(math.Abs(x))))
	return roundTo(x, digits-1-exp)
}

// roundTo rounds x to the given number of decimal places, which may be
// negative.
func roundTo(x float64, places int) float64 {
	if places >= 0 {
		scale := math.Pow(10, float64(places))
		return math.Round(x*scale) / scale
	}
	scale := math.Pow(10, float64(-places))
	return math.Round(x/scale) * scale
}
