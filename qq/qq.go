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

// Package qq summarizes the p-value distribution of a study for QQ plots:
// expected-vs-observed -log10(p) points reduced to a fixed grid, genomic
// control lambdas, optional stratification by minor allele frequency, and a
// confidence envelope for the null expectation.
package qq

import (
	"context"
	"math"
	"sort"
	"strconv"

	"github.com/grailbio/base/log"
	"github.com/grailbio/gwas/encoding/store"
	"github.com/grailbio/gwas/ingesterr"
	"github.com/grailbio/gwas/variant"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// NumBins is the grid size of each QQ axis.
	NumBins = 400
	// NumMAFRanges is the number of equal-count MAF strata.
	NumMAFRanges = 4
	// zeroPQVal stands in for -log10(0), which cannot be placed on an axis.
	zeroPQVal = 1000
)

// GCQuantiles are the quantiles at which genomic control lambda is reported.
var GCQuantiles = []string{"0.5", "0.1", "0.01", "0.001"}

// Opts configures a Summarizer.
type Opts struct {
	// NumSamples is the study's sample count, used to turn allele counts
	// into frequencies.  Zero means unknown.
	NumSamples int `yaml:"num_samples"`
	// MAFTolerance is the largest allowed disagreement between two MAF
	// estimates of one variant.
	MAFTolerance float64 `yaml:"maf_tolerance"`
	// Confidence is the width of the null envelope.
	Confidence float64 `yaml:"confidence"`
}

// DefaultOpts are the settings used for uploaded studies.
var DefaultOpts = Opts{
	MAFTolerance: 0.05,
	Confidence:   0.95,
}

// Curve is a QQ scatter reduced to occupied grid cells.
type Curve struct {
	// Bins are (expected, observed) -log10(p) pairs, sorted.
	Bins       [][2]float64 `json:"bins"`
	MaxExpQVal float64      `json:"max_exp_qval"`
}

// Overall summarizes every variant.
type Overall struct {
	Count    int                `json:"count"`
	GCLambda map[string]float64 `json:"gc_lambda"`
	// QQ is set only when the result is not stratified by MAF.
	QQ *Curve `json:"qq,omitempty"`
}

// Stratum summarizes one MAF range.
type Stratum struct {
	MAFRange [2]float64 `json:"maf_range"`
	Count    int        `json:"count"`
	QQ       *Curve     `json:"qq"`
}

// CIPoint is one point of the confidence envelope.
type CIPoint struct {
	X    float64 `json:"x"`
	YMin float64 `json:"y_min"`
	YMax float64 `json:"y_max"`
}

// Result is written as qq.json.
type Result struct {
	Overall *Overall  `json:"overall,omitempty"`
	ByMAF   []Stratum `json:"by_maf,omitempty"`
	CI      []CIPoint `json:"ci"`
}

type point struct {
	q, maf float64
	hasMAF bool
}

// Check rejects settings the summarizer cannot run with.
func (o Opts) Check() error {
	switch {
	case o.NumSamples < 0:
		return ingesterr.E(ingesterr.ValidationFailed, "qq: num_samples %d is negative", o.NumSamples)
	case !(o.MAFTolerance >= 0):
		return ingesterr.E(ingesterr.ValidationFailed, "qq: maf_tolerance %v must be non-negative", o.MAFTolerance)
	case !(o.Confidence > 0 && o.Confidence < 1):
		return ingesterr.E(ingesterr.ValidationFailed, "qq: confidence %v must be in (0, 1)", o.Confidence)
	}
	return nil
}

// Summarizer collects (-log10(p), MAF) pairs.  It is not threadsafe.
type Summarizer struct {
	opts   Opts
	points []point
	nMAF   int
}

// New returns an empty Summarizer.
func New(opts Opts) *Summarizer {
	return &Summarizer{opts: opts}
}

// Add records v.  It fails only if v's MAF estimates are inconsistent.
func (s *Summarizer) Add(v *variant.Variant) error {
	q := v.Sig.NegLogP()
	if math.IsInf(q, 1) {
		q = zeroPQVal
	}
	maf, ok, err := MAF(v, s.opts.NumSamples, s.opts.MAFTolerance)
	if err != nil {
		return err
	}
	if ok {
		s.nMAF++
	}
	s.points = append(s.points, point{q: q, maf: maf, hasMAF: ok})
	return nil
}

// Result computes the summary.  Variants are stratified by MAF when any of
// them has one; variants without a MAF then count only toward Overall.
func (s *Summarizer) Result() *Result {
	res := &Result{CI: []CIPoint{}}
	if s.nMAF > 0 {
		res.Overall = s.overall(false)
		withMAF := make([]point, 0, s.nMAF)
		for _, p := range s.points {
			if p.hasMAF {
				withMAF = append(withMAF, p)
			}
		}
		res.ByMAF = stratify(withMAF)
		res.CI = ConfidenceIntervals(float64(len(withMAF))/NumMAFRanges, s.opts.Confidence)
	} else {
		res.Overall = s.overall(true)
		res.CI = ConfidenceIntervals(float64(len(s.points)), s.opts.Confidence)
	}
	log.Debug.Printf("qq: %d variants, %d with MAF", len(s.points), s.nMAF)
	return res
}

func (s *Summarizer) overall(withQQ bool) *Overall {
	qvals := make([]float64, len(s.points))
	for i, p := range s.points {
		qvals[i] = p.q
	}
	sortDescending(qvals)
	o := &Overall{Count: len(qvals), GCLambda: map[string]float64{}}
	if withQQ {
		o.QQ = Compute(qvals)
	}
	for _, key := range GCQuantiles {
		quantile, _ := strconv.ParseFloat(key, 64)
		gc := GCLambda(qvals, quantile)
		if math.IsNaN(gc) || math.IsInf(gc, 0) {
			log.Printf("qq: genomic control lambda at %s is %v; omitted", key, gc)
			continue
		}
		o.GCLambda[key] = roundSig(gc, 5)
	}
	return o
}

func sortDescending(x []float64) {
	sort.Sort(sort.Reverse(sort.Float64Slice(x)))
}

// stratify splits points into NumMAFRanges equal-count strata by MAF.
func stratify(points []point) []Stratum {
	sort.SliceStable(points, func(i, j int) bool { return points[i].maf < points[j].maf })
	strata := make([]Stratum, 0, NumMAFRanges)
	for k := 0; k < NumMAFRanges; k++ {
		lo := len(points) * k / NumMAFRanges
		hi := len(points) * (k + 1) / NumMAFRanges
		st := Stratum{Count: hi - lo}
		if hi > lo {
			st.MAFRange = [2]float64{points[lo].maf, points[hi-1].maf}
		}
		qvals := make([]float64, 0, hi-lo)
		for _, p := range points[lo:hi] {
			qvals = append(qvals, p.q)
		}
		sortDescending(qvals)
		st.QQ = Compute(qvals)
		strata = append(strata, st)
	}
	return strata
}

// Compute builds a QQ curve from -log10(p) values sorted in decreasing
// order.  It returns nil if there are no values or every p-value is 1.
//
// The observed axis is capped at ceil(2*max expected) so a few extreme
// values do not squash the informative range; the cap then moves down to
// the largest observed value below it, so no point that would be drawn is
// dropped.
func Compute(qvals []float64) *Curve {
	if len(qvals) == 0 || qvals[0] == 0 {
		return nil
	}
	n := float64(len(qvals))
	maxExp := -math.Log10(0.5 / n)
	maxObs := math.Min(math.Max(qvals[0], maxExp), math.Ceil(2*maxExp))
	if qvals[0] > maxObs {
		for _, q := range qvals {
			if q <= maxObs {
				maxObs = q
				break
			}
		}
	}
	type cell struct{ exp, obs int }
	occupied := map[cell]struct{}{}
	for i, obs := range qvals {
		if obs > maxObs {
			continue
		}
		exp := -math.Log10((float64(i) + 0.5) / n)
		occupied[cell{int(exp / maxExp * NumBins), int(obs / maxObs * NumBins)}] = struct{}{}
	}
	c := &Curve{Bins: make([][2]float64, 0, len(occupied)), MaxExpQVal: maxExp}
	for b := range occupied {
		c.Bins = append(c.Bins, [2]float64{
			float64(b.exp) / NumBins * maxExp,
			float64(b.obs) / NumBins * maxObs,
		})
	}
	sort.Slice(c.Bins, func(i, j int) bool {
		if c.Bins[i][0] != c.Bins[j][0] {
			return c.Bins[i][0] < c.Bins[j][0]
		}
		return c.Bins[i][1] < c.Bins[j][1]
	})
	return c
}

var chi2 = distuv.ChiSquared{K: 1}

// GCLambda returns the genomic control inflation factor at quantile, from
// -log10(p) values sorted in decreasing order:
//   chi2_ppf(1 - p_q) / chi2_ppf(1 - quantile)
// where p_q is the p-value found at that quantile.
func GCLambda(qvals []float64, quantile float64) float64 {
	if len(qvals) == 0 {
		return math.NaN()
	}
	i := int(float64(len(qvals)) * quantile)
	if i >= len(qvals) {
		i = len(qvals) - 1
	}
	p := math.Pow(10, -qvals[i])
	return GCValue(p, quantile)
}

// GCValue is the chi-square ratio for a single p-value at quantile.
func GCValue(p, quantile float64) float64 {
	return chi2.Quantile(1-p) / chi2.Quantile(1-quantile)
}

// ConfidenceIntervals returns the null envelope for n variants: at ranks 1,
// 2, 4, ... and n-1, the -log10 of the Beta order-statistic quantiles.
// Points are ordered from the most to the least significant rank.  It
// returns no points when n < 2.
func ConfidenceIntervals(n, confidence float64) []CIPoint {
	out := []CIPoint{}
	if n < 2 {
		return out
	}
	doubt := (1 - confidence) / 2
	var counts []float64
	for x := 0; x < int(math.Ceil(math.Log2(n))); x++ {
		counts = append(counts, math.Pow(2, float64(x)))
	}
	counts = append(counts, n-1)
	for i := len(counts) - 1; i >= 0; i-- {
		k := counts[i]
		beta := distuv.Beta{Alpha: k, Beta: n - k}
		out = append(out, CIPoint{
			X:    roundTo(-math.Log10((k-0.5)/n), 2),
			YMin: roundTo(-math.Log10(beta.Quantile(1-doubt)), 2),
			YMax: roundTo(-math.Log10(beta.Quantile(doubt)), 2),
		})
	}
	return out
}

// Run summarizes every variant in a normalized store.
func Run(ctx context.Context, r *store.Reader, opts Opts) (*Result, error) {
	if err := opts.Check(); err != nil {
		return nil, err
	}
	s := New(opts)
	if err := r.Scan(ctx, s.Add); err != nil {
		return nil, err
	}
	return s.Result(), nil
}
