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

// Package manhattan reduces a genome-wide variant stream to the point set
// needed to draw a Manhattan plot: one exact point per significant peak,
// exact points for the next most significant variants, and coarse bins of
// quantized -log10(p) values for everything else.  Memory use is bounded by
// the queue sizes in Opts and the number of bins, not by the input size.
package manhattan

import (
	"context"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gwas/encoding/store"
	"github.com/grailbio/gwas/ingesterr"
	"github.com/grailbio/gwas/variant"
)

// Opts configures a Binner.
type Opts struct {
	// PeakThreshold is the -log10(p) a variant must exceed to join a peak.
	PeakThreshold float64 `yaml:"peak_threshold"`
	// PeakSprawl is the distance in bp within which consecutive
	// significant variants extend the same peak.
	PeakSprawl uint32 `yaml:"peak_sprawl"`
	// PeakMaxCount bounds the number of peaks reported.
	PeakMaxCount int `yaml:"peak_max_count"`
	// UnbinnedCapacity bounds the number of non-peak exact points.
	UnbinnedCapacity int `yaml:"unbinned_capacity"`
	// BinLength is the width in bp of a bin's chromosome segment.
	BinLength uint32 `yaml:"bin_length"`
}

// DefaultOpts are the settings used for uploaded studies.
var DefaultOpts = Opts{
	PeakThreshold:    6,
	PeakSprawl:       200000,
	PeakMaxCount:     500,
	UnbinnedCapacity: 500,
	BinLength:        3000000,
}

// Check rejects settings the binner cannot run with.
func (o Opts) Check() error {
	switch {
	case o.BinLength == 0:
		return ingesterr.E(ingesterr.ValidationFailed, "manhattan: bin_length must be positive")
	case o.PeakMaxCount < 0:
		return ingesterr.E(ingesterr.ValidationFailed, "manhattan: peak_max_count %d is negative", o.PeakMaxCount)
	case o.UnbinnedCapacity < 0:
		return ingesterr.E(ingesterr.ValidationFailed, "manhattan: unbinned_capacity %d is negative", o.UnbinnedCapacity)
	case math.IsNaN(o.PeakThreshold):
		return ingesterr.E(ingesterr.ValidationFailed, "manhattan: peak_threshold is NaN")
	}
	return nil
}

// State is the lifecycle state of a Binner.
type State int

const (
	// Streaming accepts variants.
	Streaming State = iota
	// Finalized has produced its Result and accepts nothing further.
	Finalized
)

func (s State) String() string {
	if s == Finalized {
		return "finalized"
	}
	return "streaming"
}

// ErrFinalized is returned when a finalized Binner is used again.
var ErrFinalized = errors.E(errors.Invalid, "manhattan: binner already finalized")

// Bin aggregates variants sharing a chromosome segment.  Isolated quantized
// -log10(p) values are listed in QVals; runs of adjacent ones collapse into
// [lo, hi] ranges in QValExtents.
type Bin struct {
	Chrom       string       `json:"chrom"`
	Pos         uint32       `json:"pos"`
	QVals       []float64    `json:"qvals"`
	QValExtents [][2]float64 `json:"qval_extents"`
	// Count is the number of variants folded into the bin.
	Count int `json:"count"`
}

// Point is an exact variant in the plot.
type Point struct {
	variant.Record
	Peak bool `json:"peak,omitempty"`
}

// Result is the plot dataset, written as manhattan.json.
type Result struct {
	VariantBins      []Bin   `json:"variant_bins"`
	UnbinnedVariants []Point `json:"unbinned_variants"`
	// Excluded counts variants with a non-finite -log10(p) that were pushed
	// out of the exact point set; they cannot be placed in a bin.
	Excluded int `json:"-"`
}

// Len returns the number of input variants the result accounts for.
func (r *Result) Len() int {
	n := len(r.UnbinnedVariants) + r.Excluded
	for i := range r.VariantBins {
		n += r.VariantBins[i].Count
	}
	return n
}

// binAcc accumulates one bin.
type binAcc struct {
	start uint32
	qvals map[float64]struct{}
	count int
}

// Binner consumes variants in store order.  It is a two-state machine:
// Add is legal while Streaming, and Result moves it to Finalized.  A Binner
// is not threadsafe.
type Binner struct {
	opts  Opts
	state State
	seq   uint64

	peakBest  *item
	peakChrom string
	peakLast  uint32

	peaks    *boundedQueue
	unbinned *boundedQueue

	chroms   []string
	bins     map[string]map[uint32]*binAcc
	qBinSize float64
	excluded int
}

// New returns a Binner in the Streaming state.
func New(opts Opts) (*Binner, error) {
	if err := opts.Check(); err != nil {
		return nil, err
	}
	return &Binner{
		opts:     opts,
		peaks:    newBoundedQueue(opts.PeakMaxCount),
		unbinned: newBoundedQueue(opts.UnbinnedCapacity),
		bins:     map[string]map[uint32]*binAcc{},
		qBinSize: 0.05,
	}, nil
}

// State returns the current state.
func (b *Binner) State() State { return b.state }

// Add processes the next variant.
func (b *Binner) Add(v *variant.Variant) error {
	if b.state != Streaming {
		return ErrFinalized
	}
	it := &item{v: *v, q: v.Sig.NegLogP(), seq: b.seq}
	b.seq++
	if !math.IsInf(it.q, 0) && !math.IsNaN(it.q) {
		// 200 bins cover [0, 10]; coarser steps keep tall plots to a
		// similar number of bins.
		switch {
		case it.q > 40:
			b.qBinSize = math.Max(b.qBinSize, 0.2)
		case it.q > 20:
			b.qBinSize = math.Max(b.qBinSize, 0.1)
		}
	}
	if !(it.q > b.opts.PeakThreshold) {
		b.maybeBin(it)
		return nil
	}
	switch {
	case b.peakBest == nil:
		b.peakBest = it
	case b.peakChrom == it.v.Chrom && uint64(it.v.Pos) < uint64(b.peakLast)+uint64(b.opts.PeakSprawl):
		if it.q >= b.peakBest.q {
			b.maybeBin(b.peakBest)
			b.peakBest = it
		} else {
			b.maybeBin(it)
		}
	default:
		b.maybePeak(b.peakBest)
		b.peakBest = it
	}
	b.peakChrom, b.peakLast = it.v.Chrom, it.v.Pos
	return nil
}

func (b *Binner) maybePeak(it *item) {
	if evicted := b.peaks.Push(it); evicted != nil {
		b.maybeBin(evicted)
	}
}

func (b *Binner) maybeBin(it *item) {
	if evicted := b.unbinned.Push(it); evicted != nil {
		b.bin(evicted)
	}
}

func (b *Binner) bin(it *item) {
	if math.IsInf(it.q, 0) || math.IsNaN(it.q) {
		b.excluded++
		return
	}
	byPos, ok := b.bins[it.v.Chrom]
	if !ok {
		byPos = map[uint32]*binAcc{}
		b.bins[it.v.Chrom] = byPos
		b.chroms = append(b.chroms, it.v.Chrom)
	}
	id := it.v.Pos / b.opts.BinLength
	acc, ok := byPos[id]
	if !ok {
		acc = &binAcc{start: id * b.opts.BinLength, qvals: map[float64]struct{}{}}
		byPos[id] = acc
	}
	acc.qvals[b.rounded(it.q)] = struct{}{}
	acc.count++
}

// rounded places q at the middle of its quantization step, to three
// decimals.
func (b *Binner) rounded(q float64) float64 {
	x := math.Floor(q/b.qBinSize)*b.qBinSize + b.qBinSize/2
	return math.Round(x*1000) / 1000
}

// Result flushes the open peak and returns the dataset.  It may be called
// only once.
func (b *Binner) Result() (*Result, error) {
	if b.state != Streaming {
		return nil, ErrFinalized
	}
	b.state = Finalized
	if b.peakBest != nil {
		b.maybePeak(b.peakBest)
		b.peakBest = nil
	}
	peaks := b.peaks.Drain()
	for _, it := range peaks {
		it.peak = true
	}
	exact := append(peaks, b.unbinned.Drain()...)
	sortBySignificance(exact)

	res := &Result{
		VariantBins:      []Bin{},
		UnbinnedVariants: make([]Point, len(exact)),
		Excluded:         b.excluded,
	}
	for i, it := range exact {
		res.UnbinnedVariants[i] = Point{Record: it.v.Record(), Peak: it.peak}
	}
	for _, chrom := range b.chroms {
		byPos := b.bins[chrom]
		ids := make([]uint32, 0, len(byPos))
		for id := range byPos {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			acc := byPos[id]
			bin := Bin{
				Chrom: chrom,
				Pos:   acc.start + b.opts.BinLength/2,
				Count: acc.count,
			}
			bin.QVals, bin.QValExtents = b.extents(acc.qvals)
			res.VariantBins = append(res.VariantBins, bin)
		}
	}
	log.Debug.Printf("manhattan: %d bins, %d exact points (%d peaks), %d excluded, bin size %v",
		len(res.VariantBins), len(res.UnbinnedVariants), len(peaks), b.excluded, b.qBinSize)
	return res, nil
}

// extents re-rounds the bin's values with the final step size and splits
// them into isolated values and contiguous ranges.
func (b *Binner) extents(set map[float64]struct{}) ([]float64, [][2]float64) {
	qs := make([]float64, 0, len(set))
	for q := range set {
		qs = append(qs, b.rounded(q))
	}
	sort.Float64s(qs)
	qvals, ranges := []float64{}, [][2]float64{}
	if len(qs) == 0 {
		return qvals, ranges
	}
	runs := [][2]float64{{qs[0], qs[0]}}
	for _, q := range qs[1:] {
		last := &runs[len(runs)-1]
		if q <= last[1]+b.qBinSize*1.1 {
			last[1] = q
		} else {
			runs = append(runs, [2]float64{q, q})
		}
	}
	for _, r := range runs {
		if r[0] == r[1] {
			qvals = append(qvals, r[0])
		} else {
			ranges = append(ranges, r)
		}
	}
	return qvals, ranges
}

// Run bins every variant in a normalized store.
func Run(ctx context.Context, r *store.Reader, opts Opts) (*Result, error) {
	b, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := r.Scan(ctx, b.Add); err != nil {
		return nil, err
	}
	return b.Result()
}
