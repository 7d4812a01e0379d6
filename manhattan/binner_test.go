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

package manhattan

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/grailbio/gwas/encoding/store"
	"github.com/grailbio/gwas/ingesterr"
	"github.com/grailbio/gwas/variant"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pv(chrom string, pos uint32, p float64) variant.Variant {
	return variant.Variant{Chrom: chrom, Pos: pos, Ref: "A", Alt: "G", Sig: variant.PValue(p)}
}

func nlp(chrom string, pos uint32, q float64) variant.Variant {
	return variant.Variant{Chrom: chrom, Pos: pos, Ref: "A", Alt: "G", Sig: variant.NegLogPValue(q)}
}

func run(t *testing.T, opts Opts, vs []variant.Variant) *Result {
	b, err := New(opts)
	require.NoError(t, err)
	for i := range vs {
		require.NoError(t, b.Add(&vs[i]))
	}
	res, err := b.Result()
	require.NoError(t, err)
	require.Equal(t, len(vs), res.Len())
	return res
}

func positions(res *Result) ([]uint32, []bool) {
	var pos []uint32
	var peak []bool
	for _, p := range res.UnbinnedVariants {
		pos = append(pos, p.Pos)
		peak = append(peak, p.Peak)
	}
	return pos, peak
}

func TestSmallStudy(t *testing.T) {
	vs := []variant.Variant{
		pv("1", 100, 0.5),
		pv("1", 200, 0.01),
		pv("1", 300, 1e-9),
		pv("1", 400, 0.3),
		pv("1", 500, 0.2),
	}
	res := run(t, DefaultOpts, vs)
	assert.Empty(t, res.VariantBins)
	pos, peak := positions(res)
	assert.Equal(t, []uint32{300, 200, 500, 400, 100}, pos)
	assert.Equal(t, []bool{true, false, false, false, false}, peak)
	assert.InDelta(t, 9, float64(res.UnbinnedVariants[0].NegLogP), 1e-9)
}

func TestPeakExtension(t *testing.T) {
	opts := DefaultOpts
	opts.PeakSprawl = 1000
	vs := []variant.Variant{
		nlp("1", 100, 7),
		nlp("1", 500, 9),
		nlp("1", 1400, 8),
		nlp("1", 1450, 9), // ties the best, and replaces it
		nlp("1", 5000, 7), // beyond the sprawl: a new peak
		nlp("2", 5100, 7), // new chromosome: a new peak
	}
	res := run(t, opts, vs)
	pos, peak := positions(res)
	assert.Equal(t, []uint32{500, 1450, 1400, 100, 5000, 5100}, pos)
	assert.Equal(t, []bool{false, true, false, false, true, true}, peak)
}

func TestPeakMaxCount(t *testing.T) {
	opts := DefaultOpts
	opts.PeakSprawl = 1000
	opts.PeakMaxCount = 2
	opts.UnbinnedCapacity = 10
	var vs []variant.Variant
	for k := 1; k <= 5; k++ {
		vs = append(vs, nlp("1", uint32(10000*k), float64(6+k)))
	}
	res := run(t, opts, vs)
	pos, peak := positions(res)
	assert.Equal(t, []uint32{50000, 40000, 30000, 20000, 10000}, pos)
	assert.Equal(t, []bool{true, true, false, false, false}, peak)
}

func TestBins(t *testing.T) {
	opts := DefaultOpts
	opts.PeakMaxCount = 0
	opts.UnbinnedCapacity = 0
	vs := []variant.Variant{
		nlp("1", 10, 1.01),
		nlp("1", 20, 1.06),
		nlp("1", 30, 1.12),
		nlp("1", 40, 2.01),
		nlp("1", 50, 3.51),
		nlp("1", 60, 3.52),
		nlp("1", 3000001, 0.51),
		nlp("X", 7000000, 0.51),
	}
	res := run(t, opts, vs)
	assert.Empty(t, res.UnbinnedVariants)
	expect.EQ(t, res.VariantBins, []Bin{
		{
			Chrom:       "1",
			Pos:         1500000,
			QVals:       []float64{2.025, 3.525},
			QValExtents: [][2]float64{{1.025, 1.125}},
			Count:       6,
		},
		{Chrom: "1", Pos: 4500000, QVals: []float64{0.525}, QValExtents: [][2]float64{}, Count: 1},
		{Chrom: "X", Pos: 7500000, QVals: []float64{0.525}, QValExtents: [][2]float64{}, Count: 1},
	})
}

func TestAdaptiveBinSize(t *testing.T) {
	opts := DefaultOpts
	opts.PeakThreshold = 1000
	opts.PeakMaxCount = 0
	opts.UnbinnedCapacity = 0
	res := run(t, opts, []variant.Variant{
		nlp("1", 10, 1.01),
		nlp("1", 20, 25.03),
		nlp("1", 30, 1.01),
	})
	require.Len(t, res.VariantBins, 1)
	assert.Equal(t, []float64{1.05, 25.05}, res.VariantBins[0].QVals)

	res = run(t, opts, []variant.Variant{
		nlp("1", 10, 45.01),
		nlp("1", 20, 25.03), // does not lower the step again
	})
	assert.Equal(t, []float64{25.1, 45.1}, res.VariantBins[0].QVals)
}

func TestInfinity(t *testing.T) {
	opts := DefaultOpts
	opts.PeakMaxCount = 0
	opts.UnbinnedCapacity = 1
	res := run(t, opts, []variant.Variant{
		pv("1", 1, 0),
		pv("1", 2, 0),
		pv("1", 3, 0.5),
	})
	assert.Equal(t, 1, res.Excluded)
	require.Len(t, res.UnbinnedVariants, 1)
	assert.Equal(t, uint32(1), res.UnbinnedVariants[0].Pos)
	require.Len(t, res.VariantBins, 1)
	assert.Equal(t, 1, res.VariantBins[0].Count)

	js, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(js), `"neg_log_pvalue":"Infinity","pvalue":0`)
	assert.NotContains(t, string(js), "excluded")
}

func TestFinalized(t *testing.T) {
	b, err := New(DefaultOpts)
	require.NoError(t, err)
	v := pv("1", 1, 0.5)
	require.NoError(t, b.Add(&v))
	assert.Equal(t, Streaming, b.State())
	_, err = b.Result()
	require.NoError(t, err)
	assert.Equal(t, Finalized, b.State())
	_, err = b.Result()
	assert.Equal(t, ErrFinalized, err)
	assert.Equal(t, ErrFinalized, b.Add(&v))
}

func TestAccounting(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	opts := Opts{
		PeakThreshold:    4,
		PeakSprawl:       5000,
		PeakMaxCount:     5,
		UnbinnedCapacity: 20,
		BinLength:        100000,
	}
	var vs []variant.Variant
	for _, chrom := range []string{"1", "2", "X"} {
		for pos := uint32(1); pos < 2000000; pos += 1 + uint32(rnd.Intn(200)) {
			p := rnd.Float64()
			switch rnd.Intn(500) {
			case 0:
				p = 0
			case 1:
				p = rnd.Float64() * 1e-30
			}
			vs = append(vs, pv(chrom, pos, p))
		}
	}
	res := run(t, opts, vs)
	npeaks := 0
	for _, p := range res.UnbinnedVariants {
		if p.Peak {
			npeaks++
		}
	}
	assert.True(t, npeaks <= opts.PeakMaxCount)
	assert.True(t, len(res.UnbinnedVariants) <= opts.PeakMaxCount+opts.UnbinnedCapacity)
	for i := 1; i < len(res.UnbinnedVariants); i++ {
		assert.True(t, res.UnbinnedVariants[i-1].NegLogP >= res.UnbinnedVariants[i].NegLogP)
	}
	for _, b := range res.VariantBins {
		assert.True(t, b.Count >= len(b.QVals)+len(b.QValExtents))
	}
}

func TestBoundedQueue(t *testing.T) {
	q := newBoundedQueue(2)
	a := &item{q: 1, seq: 0}
	b := &item{q: 1, seq: 1}
	c := &item{q: 1, seq: 2}
	d := &item{q: 2, seq: 3}
	assert.Nil(t, q.Push(a))
	assert.Nil(t, q.Push(b))
	assert.Equal(t, c, q.Push(c))
	assert.Equal(t, b, q.Push(d))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []*item{d, a}, q.Drain())
	assert.Equal(t, 0, q.Len())

	z := newBoundedQueue(0)
	assert.Equal(t, a, z.Push(a))
}

func TestRunOverStore(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	path := filepath.Join(dir, "normalized.gz")
	vs := []variant.Variant{
		pv("1", 100, 0.5),
		pv("1", 200, 1e-12),
		pv("2", 300, 0.25),
	}
	w, err := store.Create(ctx, path, store.WriteOpts{})
	require.NoError(t, err)
	for i := range vs {
		require.NoError(t, w.Append(&vs[i]))
	}
	require.NoError(t, w.Close())
	r, err := store.Open(ctx, path)
	require.NoError(t, err)

	got, err := Run(ctx, r, DefaultOpts)
	require.NoError(t, err)
	want := run(t, DefaultOpts, vs)
	expect.EQ(t, got, want)
}

func TestOptsCheck(t *testing.T) {
	require.NoError(t, DefaultOpts.Check())
	zero := DefaultOpts
	zero.PeakMaxCount, zero.UnbinnedCapacity = 0, 0
	require.NoError(t, zero.Check())

	for _, mod := range []func(*Opts){
		func(o *Opts) { o.BinLength = 0 },
		func(o *Opts) { o.PeakMaxCount = -2 },
		func(o *Opts) { o.UnbinnedCapacity = -1 },
		func(o *Opts) { o.PeakThreshold = math.NaN() },
	} {
		opts := DefaultOpts
		mod(&opts)
		_, err := New(opts)
		assert.True(t, ingesterr.Is(ingesterr.ValidationFailed, err), "%+v: %v", opts, err)
	}

	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	path := filepath.Join(dir, "normalized.gz")
	w, err := store.Create(ctx, path, store.WriteOpts{})
	require.NoError(t, err)
	v := pv("1", 100, 0.5)
	require.NoError(t, w.Append(&v))
	require.NoError(t, w.Close())
	r, err := store.Open(ctx, path)
	require.NoError(t, err)
	opts := DefaultOpts
	opts.BinLength = 0
	_, err = Run(ctx, r, opts)
	assert.True(t, ingesterr.Is(ingesterr.ValidationFailed, err), "%v", err)
}
