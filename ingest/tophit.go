package ingest

import (
	"context"
	"math"

	"github.com/grailbio/gwas/encoding/store"
	"github.com/grailbio/gwas/ingesterr"
	"github.com/grailbio/gwas/variant"
)

// topHitFlank is the distance on either side of the top hit shown by
// default.
const topHitFlank = 250000

// TopHit is the most significant record of a study together with the region
// a viewer should open on.
type TopHit struct {
	variant.Record
	ViewStart uint32 `json:"view_start"`
	ViewEnd   uint32 `json:"view_end"`
}

// FindTopHit returns the record with the largest -log10(p).  The first of
// equally significant records wins; NaN values are never chosen.
func FindTopHit(ctx context.Context, r *store.Reader) (*TopHit, error) {
	var (
		best  variant.Variant
		bestQ = math.Inf(-1)
		found bool
	)
	err := r.Scan(ctx, func(v *variant.Variant) error {
		q := v.Sig.NegLogP()
		if math.IsNaN(q) {
			return nil
		}
		if !found || q > bestQ {
			best, bestQ, found = *v, q, true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ingesterr.E(ingesterr.NoTopHit, "No variant with a usable p-value was found")
	}
	hit := &TopHit{Record: best.Record(), ViewStart: 1, ViewEnd: best.Pos + topHitFlank}
	if best.Pos > topHitFlank {
		hit.ViewStart = best.Pos - topHitFlank
	}
	return hit, nil
}
