// Package region answers genomic range queries against finished normalized
// stores.
package region

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gwas/encoding/store"
	"github.com/grailbio/gwas/variant"
	"golang.org/x/sync/errgroup"
)

// Region is a closed, 1-based interval [Start, End] on Chrom.
type Region struct {
	Chrom string `json:"chrom"`
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

func (r Region) String() string { return fmt.Sprintf("%s:%d-%d", r.Chrom, r.Start, r.End) }

// Parse parses "chrom:start-end".  Thousands separators are allowed in the
// positions, e.g. "chr1:1,000,000-1,000,100".
func Parse(s string) (Region, error) {
	var r Region
	colon := strings.LastIndexByte(s, ':')
	if colon <= 0 {
		return r, errors.E(errors.Invalid, fmt.Sprintf("region %q: expected chrom:start-end", s))
	}
	r.Chrom = variant.NormalizeChrom(s[:colon])
	rangeStr := strings.Replace(s[colon+1:], ",", "", -1)
	dash := strings.IndexByte(rangeStr, '-')
	if dash == -1 {
		return r, errors.E(errors.Invalid, fmt.Sprintf("region %q: expected chrom:start-end", s))
	}
	start, err := strconv.ParseUint(rangeStr[:dash], 10, 32)
	if err != nil {
		return r, errors.E(errors.Invalid, fmt.Sprintf("region %q: bad start", s), err)
	}
	end, err := strconv.ParseUint(rangeStr[dash+1:], 10, 32)
	if err != nil {
		return r, errors.E(errors.Invalid, fmt.Sprintf("region %q: bad end", s), err)
	}
	r.Start, r.End = uint32(start), uint32(end)
	return r, nil
}

// Opts configures a Service.
type Opts struct {
	// MaxRegionSize bounds End-Start of a query.
	MaxRegionSize uint32 `yaml:"max_region_size"`
}

// DefaultOpts allows windows of up to 500kb.
var DefaultOpts = Opts{MaxRegionSize: 500000}

// Check applies the query preconditions: a chromosome is named, Start <
// End, and the window is at most maxSize wide.
func Check(r Region, maxSize uint32) error {
	switch {
	case r.Chrom == "":
		return errors.E(errors.Invalid, "region: chromosome is required")
	case r.Start >= r.End:
		return errors.E(errors.Invalid, fmt.Sprintf("region %v: start must be less than end", r))
	case r.End-r.Start > maxSize:
		return errors.E(errors.Invalid, fmt.Sprintf("region %v: cannot handle requests larger than %d bp", r, maxSize))
	}
	return nil
}

// Service serves queries against any number of stores, keeping each store's
// index in memory after first use.  It is safe for concurrent use.
type Service struct {
	opts    Opts
	mu      sync.Mutex
	readers map[string]*store.Reader
}

// NewService returns an empty Service.
func NewService(opts Opts) *Service {
	return &Service{opts: opts, readers: map[string]*store.Reader{}}
}

func (s *Service) reader(ctx context.Context, path string) (*store.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.readers[path]; ok {
		return r, nil
	}
	r, err := store.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("region: opened %s, %d chromosomes", path, len(r.Chroms()))
	s.readers[path] = r
	return r, nil
}

// Fetch returns the records of the store at path that fall in r, in store
// order.  A chromosome absent from the store yields an empty list.
func (s *Service) Fetch(ctx context.Context, path string, r Region) ([]variant.Record, error) {
	if err := Check(r, s.opts.MaxRegionSize); err != nil {
		return nil, err
	}
	sr, err := s.reader(ctx, path)
	if err != nil {
		return nil, err
	}
	vs, err := sr.Fetch(ctx, r.Chrom, r.Start, r.End)
	if err != nil {
		return nil, err
	}
	out := make([]variant.Record, len(vs))
	for i := range vs {
		out[i] = vs[i].Record()
	}
	return out, nil
}

// FetchAll answers several queries against one store concurrently.  Results
// are in the order of regions.
func (s *Service) FetchAll(ctx context.Context, path string, regions []Region) ([][]variant.Record, error) {
	out := make([][]variant.Record, len(regions))
	g, ctx := errgroup.WithContext(ctx)
	for i := range regions {
		i := i
		g.Go(func() (err error) {
			out[i], err = s.Fetch(ctx, path, regions[i])
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
